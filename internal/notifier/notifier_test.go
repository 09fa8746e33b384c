package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bytemomo/warden/internal/domain"

	"github.com/sirupsen/logrus"
)

func testNotifier(t *testing.T) *Notifier {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := domain.DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 4 * time.Millisecond
	cfg.WebhookTimeout = time.Second

	n, err := New(logrus.NewEntry(logger), cfg)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return n
}

func completedScan(findings int) *domain.Scan {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := domain.NewScan("scan-1", domain.Target{Name: "web-01"}, domain.CheckerFilter{}, now)
	s.State = domain.ScanCompleted
	r := &domain.Report{Tool: domain.ToolName, Target: "web-01", StartedAt: now, FinishedAt: now}
	for i := range findings {
		r.Findings = append(r.Findings, domain.Finding{
			Category: "SSH",
			Severity: domain.SeverityCritical,
			Title:    "finding " + strconv.Itoa(i),
		})
	}
	s.Report = r
	return s
}

func webhookSink(id, url string, events ...domain.Event) domain.Sink {
	if len(events) == 0 {
		events = []domain.Event{domain.EventScanCompleted}
	}
	return domain.Sink{ID: id, Type: domain.SinkWebhook, URL: url, Events: events}
}

// failingServer returns 500 for the first failures requests, then 200.
func failingServer(t *testing.T, failures int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= failures {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestDeliverSucceedsOnLastAttempt(t *testing.T) {
	t.Parallel()

	srv, calls := failingServer(t, 2)
	n := testNotifier(t)
	sink := webhookSink("hook", srv.URL)
	sink.MaxRetries = 3
	if err := n.Register(sink); err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}

	results := n.Notify(context.Background(), Message{Event: domain.EventScanCompleted, Scan: completedScan(1)})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	res := results[0]
	if !res.Delivered() {
		t.Fatalf("expected delivery to succeed, got %+v", res)
	}
	if len(res.Attempts) != 3 || res.FailedAttempts() != 2 {
		t.Fatalf("expected 2 failed + 1 successful attempt, got %+v", res.Attempts)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected no retries after success, server saw %d calls", calls.Load())
	}

	stats, _ := n.Stats("hook")
	if stats.Deliveries != 1 || stats.Successes != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDeliverAlwaysFailingSink(t *testing.T) {
	t.Parallel()

	failing, failingCalls := failingServer(t, 1000)
	healthy, healthyCalls := failingServer(t, 0)

	n := testNotifier(t)
	for _, s := range []domain.Sink{webhookSink("bad", failing.URL), webhookSink("good", healthy.URL)} {
		if err := n.Register(s); err != nil {
			t.Fatalf("Register() returned error: %v", err)
		}
	}

	results := n.Notify(context.Background(), Message{Event: domain.EventScanCompleted, Scan: completedScan(1)})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	bad := results[0]
	if bad.Delivered() || bad.Status != domain.DeliveryFailed {
		t.Fatalf("expected permanent failure, got %+v", bad)
	}
	if bad.FailedAttempts() != 3 || failingCalls.Load() != 3 {
		t.Fatalf("expected 3 failed attempts, got %d (server %d)", bad.FailedAttempts(), failingCalls.Load())
	}
	if bad.Attempts[0].StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected status code recorded, got %d", bad.Attempts[0].StatusCode)
	}

	if !results[1].Delivered() || healthyCalls.Load() != 1 {
		t.Fatalf("healthy sink affected by failing sink: %+v", results[1])
	}
}

func TestDeliverSignsAndLabelsRequests(t *testing.T) {
	t.Parallel()

	type captured struct {
		header http.Header
		body   []byte
	}
	var mu sync.Mutex
	var got []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, captured{header: r.Header.Clone(), body: body})
		mu.Unlock()
	}))
	defer srv.Close()

	n := testNotifier(t)
	sink := webhookSink("signed", srv.URL)
	sink.Secret = "s3cret"
	sink.Headers = map[string]string{"X-Team": "sec"}
	if err := n.Register(sink); err != nil {
		t.Fatalf("Register() returned error: %v", err)
	}

	results := n.Notify(context.Background(), Message{Event: domain.EventScanCompleted, Scan: completedScan(1)})
	if !results[0].Delivered() {
		t.Fatalf("delivery failed: %+v", results[0])
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one request, got %d", len(got))
	}
	h := got[0].header
	if !Verify("s3cret", got[0].body, h.Get(HeaderSignature256)) {
		t.Fatalf("signature does not verify")
	}
	if h.Get(HeaderSignature) != Sign("s3cret", got[0].body) {
		t.Fatalf("unexpected plain signature header")
	}
	if h.Get(HeaderEvent) != "scan.completed" || h.Get(HeaderAttempt) != "1" || h.Get(HeaderDelivery) != results[0].DeliveryID {
		t.Fatalf("unexpected delivery headers: %v", h)
	}
	if h.Get("X-Team") != "sec" {
		t.Fatalf("custom header missing")
	}

	var payload map[string]any
	if err := json.Unmarshal(got[0].body, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	for _, key := range []string{"scan_id", "target", "status", "scan_info", "summary", "findings", "compliance"} {
		if _, ok := payload[key]; !ok {
			t.Fatalf("payload missing %q", key)
		}
	}
}

func TestNotifySkipsUnsubscribedAndDisabledSinks(t *testing.T) {
	t.Parallel()

	srv, calls := failingServer(t, 0)
	n := testNotifier(t)
	if err := n.Register(webhookSink("started-only", srv.URL, domain.EventScanStarted)); err != nil {
		t.Fatal(err)
	}
	disabled := webhookSink("disabled", srv.URL)
	disabled.Disabled = true
	if err := n.Register(disabled); err != nil {
		t.Fatal(err)
	}

	results := n.Notify(context.Background(), Message{Event: domain.EventScanCompleted, Scan: completedScan(0)})
	if len(results) != 0 || calls.Load() != 0 {
		t.Fatalf("expected no deliveries, got %d results and %d calls", len(results), calls.Load())
	}
}

func TestSinkAutoDisabledAfterRepeatedFailures(t *testing.T) {
	t.Parallel()

	srv, _ := failingServer(t, 1000)
	n := testNotifier(t)
	sink := webhookSink("flaky", srv.URL)
	sink.MaxRetries = 1
	if err := n.Register(sink); err != nil {
		t.Fatal(err)
	}

	msg := Message{Event: domain.EventScanCompleted, Scan: completedScan(0)}
	for i := 0; i < autoDisableFailures+1; i++ {
		n.Notify(context.Background(), msg)
	}

	s, _ := n.Get("flaky")
	if !s.Disabled {
		t.Fatalf("expected sink to be disabled after %d failures", autoDisableFailures+1)
	}
	if got := n.Notify(context.Background(), msg); len(got) != 0 {
		t.Fatalf("disabled sink still receives deliveries")
	}
	stats, _ := n.Stats("flaky")
	if stats.SuccessRate() != 0 || stats.Failures != autoDisableFailures+1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestDeliverStopsRetryingOnCancel(t *testing.T) {
	t.Parallel()

	srv, calls := failingServer(t, 1000)
	n := testNotifier(t)
	ctx, cancel := context.WithCancel(context.Background())
	n.Sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	res := n.Deliver(ctx, Message{Event: domain.EventScanCompleted}, []domain.Sink{webhookSink("x", srv.URL)})
	if res[0].Delivered() || calls.Load() != 1 {
		t.Fatalf("expected a single attempt before cancellation, got %d", calls.Load())
	}
}

func TestPayloadTruncatesFindings(t *testing.T) {
	t.Parallel()

	p := BuildPayload(Message{Event: domain.EventScanCompleted, Scan: completedScan(60)}, "d1", 50)
	if !p.Truncated || len(p.Canonical.Findings) != 50 {
		t.Fatalf("expected 50 findings and truncated flag, got %d/%v", len(p.Canonical.Findings), p.Truncated)
	}
	if p.Canonical.Summary.Total != 60 {
		t.Fatalf("summary must describe the whole report, got %d", p.Canonical.Summary.Total)
	}
}

func TestEncodeChatFormats(t *testing.T) {
	t.Parallel()

	p := BuildPayload(Message{Event: domain.EventScanCompleted, Scan: completedScan(2)}, "d1", 50)
	tests := []struct {
		typ domain.SinkType
		key string
	}{
		{domain.SinkSlack, "attachments"},
		{domain.SinkTeams, "sections"},
		{domain.SinkDiscord, "embeds"},
		{domain.SinkWebhook, "scan_info"},
	}
	for _, tt := range tests {
		env, err := Encode(domain.Sink{Type: tt.typ}, p)
		if err != nil {
			t.Fatalf("%s: Encode() returned error: %v", tt.typ, err)
		}
		var body map[string]any
		if err := json.Unmarshal(env.Body, &body); err != nil {
			t.Fatalf("%s: invalid JSON: %v", tt.typ, err)
		}
		if _, ok := body[tt.key]; !ok {
			t.Fatalf("%s: expected key %q in %s", tt.typ, tt.key, env.Body)
		}
	}

	env, err := Encode(domain.Sink{Type: domain.SinkEmail}, p)
	if err != nil {
		t.Fatalf("email: Encode() returned error: %v", err)
	}
	if env.Subject == "" || len(env.Body) == 0 {
		t.Fatalf("email envelope incomplete: %+v", env)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	n := testNotifier(t)
	sink := webhookSink("a", "http://example.invalid/hook")
	if err := n.Register(sink); err != nil {
		t.Fatal(err)
	}
	if err := n.Register(sink); err == nil {
		t.Fatalf("expected duplicate sink to be rejected")
	}
	if err := n.Register(domain.Sink{ID: "b", Type: "pager"}); err == nil {
		t.Fatalf("expected unknown sink type to be rejected")
	}

	got, err := n.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Timeout != time.Second || got.MaxRetries != 3 {
		t.Fatalf("expected defaults applied, got %+v", got)
	}

	if err := n.Unregister("a"); err != nil {
		t.Fatal(err)
	}
	if err := n.Unregister("a"); !errors.Is(err, domain.ErrSinkNotFound) {
		t.Fatalf("expected ErrSinkNotFound, got %v", err)
	}
	if _, err := n.Test(context.Background(), "a"); !errors.Is(err, domain.ErrSinkNotFound) {
		t.Fatalf("expected ErrSinkNotFound from Test, got %v", err)
	}
}

func TestTestDelivery(t *testing.T) {
	t.Parallel()

	events := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		events <- r.Header.Get(HeaderEvent)
	}))
	defer srv.Close()

	n := testNotifier(t)
	if err := n.Register(webhookSink("t", srv.URL)); err != nil {
		t.Fatal(err)
	}
	res, err := n.Test(context.Background(), "t")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Delivered() {
		t.Fatalf("unexpected test delivery %+v", res)
	}
	if event := <-events; event != string(domain.EventTest) {
		t.Fatalf("expected test event header, got %q", event)
	}
}
