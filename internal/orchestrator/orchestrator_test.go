package orchestrator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bytemomo/warden/internal/checker"
	"bytemomo/warden/internal/compliance"
	"bytemomo/warden/internal/domain"
	"bytemomo/warden/internal/domain/mocks"
	"bytemomo/warden/internal/engine"
	"bytemomo/warden/internal/notifier"

	"github.com/golang/mock/gomock"
	"github.com/sirupsen/logrus"
)

type fakeEngine struct {
	release chan struct{}
	fn      func(ctx context.Context, id string) (*domain.Report, error)

	mu      sync.Mutex
	running int
	peak    int
	order   []string
}

func (f *fakeEngine) Execute(ctx context.Context, id string, target domain.Target, _ []domain.Checker) (*domain.Report, error) {
	f.mu.Lock()
	f.running++
	f.peak = max(f.peak, f.running)
	f.order = append(f.order, id)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
	}
	if f.fn != nil {
		return f.fn(ctx, id)
	}
	return &domain.Report{ScanID: id, Tool: domain.ToolName, Target: target.String()}, nil
}

func (f *fakeEngine) Order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.order)
}

func (f *fakeEngine) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func testRegistry() *checker.Registry {
	reg := checker.NewRegistry()
	reg.MustRegister(checker.Func{
		ID:   "noop",
		Cats: []string{"SSH"},
		Fn: func(context.Context, domain.Target) ([]domain.Finding, error) {
			return nil, nil
		},
	})
	return reg
}

func testConfig(concurrent, queue int) domain.Config {
	cfg := domain.DefaultConfig()
	cfg.MaxConcurrentScans = concurrent
	cfg.MaxQueue = queue
	return cfg
}

func submit(t *testing.T, o *Orchestrator, id string) *domain.Scan {
	t.Helper()
	s, err := o.Submit(context.Background(), Request{ID: id, Target: domain.Target{Name: "host-" + id}})
	if err != nil {
		t.Fatalf("Submit(%s) returned error: %v", id, err)
	}
	return s
}

func wait(t *testing.T, o *Orchestrator, id string) *domain.Scan {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := o.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) returned error: %v", id, err)
	}
	return s
}

func TestRunningNeverExceedsCap(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{release: make(chan struct{})}
	o := New(quietLogger(), testConfig(2, 100), eng, testRegistry())

	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			submit(t, o, id)
		}()
	}
	wg.Wait()

	st := o.Stats()
	if st.Running != 2 || st.Queued != 6 {
		t.Fatalf("expected 2 running and 6 queued, got %+v", st)
	}

	close(eng.release)
	for _, id := range ids {
		if s := wait(t, o, id); s.State != domain.ScanCompleted {
			t.Fatalf("scan %s ended %s", id, s.State)
		}
	}
	if eng.Peak() > 2 {
		t.Fatalf("engine saw %d concurrent scans, cap is 2", eng.Peak())
	}
}

func TestAdmissionIsFIFO(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{release: make(chan struct{})}
	o := New(quietLogger(), testConfig(1, 100), eng, testRegistry())

	for _, id := range []string{"first", "second", "third"} {
		submit(t, o, id)
	}
	close(eng.release)
	wait(t, o, "third")

	if got := eng.Order(); !slices.Equal(got, []string{"first", "second", "third"}) {
		t.Fatalf("expected FIFO admission, got %v", got)
	}
}

func TestStateHistoryIsMonotonic(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	o := New(quietLogger(), testConfig(1, 100), eng, testRegistry())
	events, stop := o.Subscribe(64)
	defer stop()

	submit(t, o, "x")
	s := wait(t, o, "x")

	var states []domain.ScanState
	for _, h := range s.History {
		states = append(states, h.State)
	}
	want := []domain.ScanState{domain.ScanCreated, domain.ScanQueued, domain.ScanRunning, domain.ScanCompleted}
	if !slices.Equal(states, want) {
		t.Fatalf("unexpected history %v", states)
	}
	if s.StartedAt == nil || s.FinishedAt == nil || s.Report == nil {
		t.Fatalf("expected timestamps and report on completed scan: %+v", s)
	}

	var seen []domain.ScanState
	for len(seen) < 3 {
		select {
		case ev := <-events:
			seen = append(seen, ev.To)
		case <-time.After(time.Second):
			t.Fatalf("missing state events, got %v", seen)
		}
	}
	if !slices.Equal(seen, want[1:]) {
		t.Fatalf("unexpected events %v", seen)
	}
}

func TestCancelQueuedScanNeverRuns(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{release: make(chan struct{})}
	o := New(quietLogger(), testConfig(1, 100), eng, testRegistry())

	submit(t, o, "running")
	submit(t, o, "queued")

	s, err := o.Cancel("queued")
	if err != nil {
		t.Fatalf("Cancel() returned error: %v", err)
	}
	if s.State != domain.ScanCancelled {
		t.Fatalf("expected cancelled, got %s", s.State)
	}

	close(eng.release)
	wait(t, o, "running")

	if slices.Contains(eng.Order(), "queued") {
		t.Fatalf("cancelled scan was executed")
	}
	if _, err := o.Cancel("queued"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected second cancel to be rejected, got %v", err)
	}
	if _, err := o.Cancel("missing"); !errors.Is(err, domain.ErrScanNotFound) {
		t.Fatalf("expected ErrScanNotFound, got %v", err)
	}
}

func TestCancelRunningScan(t *testing.T) {
	t.Parallel()

	observed := make(chan error, 1)
	eng := &fakeEngine{
		release: make(chan struct{}),
		fn: func(ctx context.Context, id string) (*domain.Report, error) {
			observed <- ctx.Err()
			return &domain.Report{ScanID: id, Cancelled: true}, nil
		},
	}
	o := New(quietLogger(), testConfig(1, 100), eng, testRegistry())

	submit(t, o, "r")
	submit(t, o, "next")
	if _, err := o.Cancel("r"); err != nil {
		t.Fatalf("Cancel() returned error: %v", err)
	}

	if err := <-observed; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected engine context to be cancelled, got %v", err)
	}
	if s := wait(t, o, "r"); s.State != domain.ScanCancelled {
		t.Fatalf("expected cancelled, got %s", s.State)
	}

	// The freed slot admits the next scan.
	close(eng.release)
	<-observed
	if s := wait(t, o, "next"); s.State != domain.ScanCompleted {
		t.Fatalf("expected next scan to complete, got %s", s.State)
	}
}

func TestReaperFailsScanPastTimeout(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{release: make(chan struct{})}
	cfg := testConfig(1, 100)
	cfg.DefaultTimeout = 50 * time.Millisecond
	o := New(quietLogger(), cfg, eng, testRegistry())
	defer close(eng.release)

	submit(t, o, "slow")
	s := wait(t, o, "slow")
	if s.State != domain.ScanFailed {
		t.Fatalf("expected failed, got %s", s.State)
	}
	if s.Error == nil || s.Error.Op != "timeout" {
		t.Fatalf("expected timeout error, got %+v", s.Error)
	}
	if s.Report != nil {
		t.Fatalf("reaped scan must not carry a report")
	}
}

func TestFatalErrorFailsScan(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{fn: func(context.Context, string) (*domain.Report, error) {
		return nil, domain.Fatal("probe target", errors.New("host unreachable"))
	}}
	o := New(quietLogger(), testConfig(1, 100), eng, testRegistry())

	submit(t, o, "bad")
	s := wait(t, o, "bad")
	if s.State != domain.ScanFailed || s.Error == nil || s.Error.Op != "probe target" {
		t.Fatalf("expected fatal failure, got %s %+v", s.State, s.Error)
	}
}

func TestQueueFullRejectsSubmission(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{release: make(chan struct{})}
	o := New(quietLogger(), testConfig(1, 1), eng, testRegistry())
	defer close(eng.release)

	submit(t, o, "running")
	submit(t, o, "queued")
	_, err := o.Submit(context.Background(), Request{ID: "rejected", Target: domain.Target{Name: "x"}})
	if !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	o := New(quietLogger(), testConfig(1, 10), &fakeEngine{}, testRegistry())
	catalog, err := compliance.Builtin()
	if err != nil {
		t.Fatal(err)
	}
	o.Catalog = catalog

	tests := []struct {
		name string
		req  Request
	}{
		{"missing target", Request{}},
		{"unknown checker", Request{Target: domain.Target{Name: "x"}, Filter: domain.CheckerFilter{Include: []string{"nope"}}}},
		{"unknown framework", Request{Target: domain.Target{Name: "x"}, Frameworks: []string{"HIPAA"}}},
	}
	for _, tt := range tests {
		if _, err := o.Submit(context.Background(), tt.req); err == nil {
			t.Fatalf("%s: expected error", tt.name)
		}
	}

	submit(t, o, "dup")
	if _, err := o.Submit(context.Background(), Request{ID: "dup", Target: domain.Target{Name: "x"}}); err == nil {
		t.Fatalf("expected duplicate id to be rejected")
	}
}

func TestDeleteRefusesActiveScans(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{release: make(chan struct{})}
	o := New(quietLogger(), testConfig(1, 10), eng, testRegistry())

	submit(t, o, "d")
	if err := o.Delete(context.Background(), "d"); !errors.Is(err, domain.ErrScanRunning) {
		t.Fatalf("expected ErrScanRunning, got %v", err)
	}
	close(eng.release)
	wait(t, o, "d")

	if err := o.Delete(context.Background(), "d"); err != nil {
		t.Fatalf("Delete() returned error: %v", err)
	}
	if _, err := o.Get("d"); !errors.Is(err, domain.ErrScanNotFound) {
		t.Fatalf("expected deleted scan to be gone, got %v", err)
	}
}

func TestListFiltersAndOrders(t *testing.T) {
	t.Parallel()

	var tick atomic.Int64
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	o := New(quietLogger(), testConfig(2, 10), &fakeEngine{}, testRegistry())
	o.Now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }

	for _, id := range []string{"one", "two", "three"} {
		submit(t, o, id)
		wait(t, o, id)
	}

	all := o.List(ListFilter{})
	if len(all) != 3 || all[0].ID != "three" || all[2].ID != "one" {
		t.Fatalf("expected newest first, got %v", ids(all))
	}
	page := o.List(ListFilter{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "two" {
		t.Fatalf("unexpected page %v", ids(page))
	}
	if got := o.List(ListFilter{State: domain.ScanQueued}); len(got) != 0 {
		t.Fatalf("expected no queued scans, got %v", ids(got))
	}
}

func ids(scans []*domain.Scan) []string {
	var out []string
	for _, s := range scans {
		out = append(out, s.ID)
	}
	return out
}

func TestUpdateRegistryAppliesToLaterScans(t *testing.T) {
	t.Parallel()

	reg := checker.NewRegistry()
	for _, name := range []string{"ssh_config", "file_permissions"} {
		reg.MustRegister(checker.Func{ID: name, Fn: func(context.Context, domain.Target) ([]domain.Finding, error) {
			return nil, nil
		}})
	}
	eng := engine.New(quietLogger(), domain.DefaultConfig())
	eng.Probe = nil
	o := New(quietLogger(), testConfig(1, 10), eng, reg)

	submit(t, o, "before")
	before := wait(t, o, "before")

	o.UpdateRegistry(Settings{ExcludedChecks: []string{"ssh_config"}, ScanTimeout: time.Minute})
	submit(t, o, "after")
	after := wait(t, o, "after")

	if len(before.Report.Checkers) != 2 {
		t.Fatalf("expected both checkers before update, got %+v", before.Report.Checkers)
	}
	if len(after.Report.Checkers) != 1 || !slices.Equal(after.Report.Excluded, []string{"ssh_config"}) {
		t.Fatalf("expected ssh_config excluded after update, got %+v / %v", after.Report.Checkers, after.Report.Excluded)
	}
}

func TestUpdateRegistrySwapsComplianceThreshold(t *testing.T) {
	t.Parallel()

	reg := checker.NewRegistry()
	reg.MustRegister(checker.Func{
		ID:   "ssh_config",
		Cats: []string{"SSH"},
		Fn: func(context.Context, domain.Target) ([]domain.Finding, error) {
			return []domain.Finding{{Category: "SSH", Severity: domain.SeverityLow, Title: "Weak MAC"}}, nil
		},
	})
	catalog, err := compliance.Builtin()
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.New(quietLogger(), domain.DefaultConfig())
	eng.Probe = nil
	cfg := testConfig(1, 10)
	o := New(quietLogger(), cfg, eng, reg)
	o.Catalog = catalog

	failed := func(s *domain.Scan) int {
		n := 0
		for _, cov := range s.Report.Coverage {
			n += cov.Failed
		}
		return n
	}

	submit(t, o, "low")
	if got := failed(wait(t, o, "low")); got == 0 {
		t.Fatal("expected a LOW finding to fail controls at the default threshold")
	}

	cfg.ComplianceThreshold = domain.SeverityHigh
	cfg.SeverityFilter = domain.SeverityMedium
	o.UpdateRegistry(SettingsFrom(cfg))
	if got := o.CurrentSettings().SeverityFilter; got != domain.SeverityMedium {
		t.Fatalf("expected severity filter swapped, got %s", got)
	}

	submit(t, o, "high")
	if got := failed(wait(t, o, "high")); got != 0 {
		t.Fatalf("expected no failed controls at HIGH threshold, got %d", got)
	}
}

func TestPersistsThroughStore(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockScanStore(ctrl)
	var mu sync.Mutex
	saved := map[string]domain.ScanState{}
	store.EXPECT().Save(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, s *domain.Scan) error {
		mu.Lock()
		saved[s.ID] = s.State
		mu.Unlock()
		return nil
	}).MinTimes(3)
	store.EXPECT().Delete(gomock.Any(), "p").Return(nil)

	o := New(quietLogger(), testConfig(1, 10), &fakeEngine{}, testRegistry())
	o.Store = store

	submit(t, o, "p")
	wait(t, o, "p")
	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() returned error: %v", err)
	}

	mu.Lock()
	final := saved["p"]
	mu.Unlock()
	if final != domain.ScanCompleted {
		t.Fatalf("expected last persisted state to be completed, got %s", final)
	}
	if err := o.Delete(context.Background(), "p"); err != nil {
		t.Fatalf("Delete() returned error: %v", err)
	}
}

func TestRestoreClosesInterruptedScans(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	queued := domain.NewScan("q", domain.Target{Name: "a"}, domain.CheckerFilter{}, now)
	_ = queued.Transition(domain.ScanQueued, now)
	running := domain.NewScan("r", domain.Target{Name: "b"}, domain.CheckerFilter{}, now)
	_ = running.Transition(domain.ScanQueued, now)
	_ = running.Transition(domain.ScanRunning, now)
	done := domain.NewScan("d", domain.Target{Name: "c"}, domain.CheckerFilter{}, now)
	_ = done.Transition(domain.ScanQueued, now)
	_ = done.Transition(domain.ScanRunning, now)
	_ = done.Transition(domain.ScanCompleted, now)

	store := mocks.NewMockScanStore(ctrl)
	store.EXPECT().List(gomock.Any()).Return([]*domain.Scan{queued, running, done}, nil)
	store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	o := New(quietLogger(), testConfig(1, 10), &fakeEngine{}, testRegistry())
	o.Store = store
	if err := o.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() returned error: %v", err)
	}

	want := map[string]domain.ScanState{"q": domain.ScanCancelled, "r": domain.ScanFailed, "d": domain.ScanCompleted}
	for id, state := range want {
		s := wait(t, o, id)
		if s.State != state {
			t.Fatalf("%s: expected %s, got %s", id, state, s.State)
		}
	}
	_ = o.Shutdown(context.Background())
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingNotifier) Notify(_ context.Context, msg notifier.Message) []domain.DeliveryResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, msg.Event)
	return nil
}

func (r *recordingNotifier) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func TestRestoreDoesNotNotify(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	queued := domain.NewScan("q", domain.Target{Name: "a"}, domain.CheckerFilter{}, now)
	_ = queued.Transition(domain.ScanQueued, now)
	running := domain.NewScan("r", domain.Target{Name: "b"}, domain.CheckerFilter{}, now)
	_ = running.Transition(domain.ScanQueued, now)
	_ = running.Transition(domain.ScanRunning, now)

	store := mocks.NewMockScanStore(ctrl)
	store.EXPECT().List(gomock.Any()).Return([]*domain.Scan{queued, running}, nil)
	store.EXPECT().Save(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	rec := &recordingNotifier{}
	o := New(quietLogger(), testConfig(1, 10), &fakeEngine{}, testRegistry())
	o.Store = store
	o.Notifier = rec
	if err := o.Restore(context.Background()); err != nil {
		t.Fatalf("Restore() returned error: %v", err)
	}
	wait(t, o, "q")
	if s := wait(t, o, "r"); s.State != domain.ScanFailed {
		t.Fatalf("expected interrupted scan failed, got %s", s.State)
	}

	submit(t, o, "fresh")
	wait(t, o, "fresh")
	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() returned error: %v", err)
	}

	events := rec.Events()
	if slices.Contains(events, domain.EventScanCancelled) || slices.Contains(events, domain.EventScanFailed) {
		t.Fatalf("restored scans must not notify, got %v", events)
	}
	if !slices.Contains(events, domain.EventScanCompleted) {
		t.Fatalf("expected later scans to still notify, got %v", events)
	}
}

func TestShutdownRejectsNewScans(t *testing.T) {
	t.Parallel()

	o := New(quietLogger(), testConfig(1, 10), &fakeEngine{}, testRegistry())
	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := o.Submit(context.Background(), Request{Target: domain.Target{Name: "x"}})
	if !errors.Is(err, domain.ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

// A CRITICAL finding from one checker, a timed-out second checker and a sink
// that always fails: the scan still completes and the failure stays in the
// delivery metadata.
func TestScanWithTimeoutAndFailingSink(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	sinkSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer sinkSrv.Close()

	cfg := domain.DefaultConfig()
	cfg.CommandTimeout = 50 * time.Millisecond
	cfg.MaxRetries = 3
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	cfg.Sinks = []domain.Sink{{
		ID:     "always-failing",
		Type:   domain.SinkWebhook,
		URL:    sinkSrv.URL,
		Events: []domain.Event{domain.EventScanCompleted},
	}}
	cfg = cfg.Merge(domain.DefaultConfig())

	reg := checker.NewRegistry()
	reg.MustRegister(checker.Func{ID: "A", Cats: []string{"File Permissions"}, Fn: func(context.Context, domain.Target) ([]domain.Finding, error) {
		return []domain.Finding{{Category: "File Permissions", Severity: domain.SeverityCritical, Title: "/etc/shadow is world-readable"}}, nil
	}})
	reg.MustRegister(checker.Func{ID: "B", Cats: []string{"SSH"}, Fn: func(ctx context.Context, _ domain.Target) ([]domain.Finding, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	eng := engine.New(quietLogger(), cfg)
	eng.Probe = nil
	n, err := notifier.New(quietLogger(), cfg)
	if err != nil {
		t.Fatal(err)
	}

	o := New(quietLogger(), cfg, eng, reg)
	o.Notifier = n

	submit(t, o, "scenario")
	s := wait(t, o, "scenario")
	if s.State != domain.ScanCompleted {
		t.Fatalf("expected completed scan, got %s (%+v)", s.State, s.Error)
	}

	findings := s.Report.Findings
	if len(findings) != 2 {
		t.Fatalf("expected 2 findings, got %+v", findings)
	}
	if findings[0].Severity != domain.SeverityCritical || findings[0].Checker != "A" {
		t.Fatalf("expected CRITICAL finding from A, got %+v", findings[0])
	}
	if findings[1].Severity != domain.SeverityHigh || findings[1].Kind != domain.KindTimeout || findings[1].Evidence["checker"] != "B" {
		t.Fatalf("expected HIGH timeout finding for B, got %+v", findings[1])
	}

	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() returned error: %v", err)
	}
	s, _ = o.Get("scenario")
	if s.State != domain.ScanCompleted {
		t.Fatalf("delivery failure changed scan state to %s", s.State)
	}
	if len(s.Deliveries) != 1 {
		t.Fatalf("expected one delivery result, got %+v", s.Deliveries)
	}
	d := s.Deliveries[0]
	if d.Status != domain.DeliveryFailed || d.FailedAttempts() != 3 || calls.Load() != 3 {
		t.Fatalf("expected 3 failed attempts and permanent failure, got %+v (server saw %d)", d, calls.Load())
	}
}
