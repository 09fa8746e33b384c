package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"bytemomo/warden/internal/checker"
	"bytemomo/warden/internal/compliance"
	"bytemomo/warden/internal/domain"
	"bytemomo/warden/internal/notifier"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Executor runs a checker set against a target. *engine.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, scanID string, target domain.Target, checkers []domain.Checker) (*domain.Report, error)
}

// Notifier delivers scan events. *notifier.Notifier implements it.
type Notifier interface {
	Notify(ctx context.Context, msg notifier.Message) []domain.DeliveryResult
}

// Observer is told about every state transition, under the orchestrator lock.
type Observer interface {
	ScanTransitioned(from, to domain.ScanState)
}

// Settings are the parts of the configuration that may be swapped at runtime.
// A swap applies to scans admitted afterward; running scans keep the settings
// they started with.
type Settings struct {
	ExcludedChecks []string
	Frameworks     map[string]bool
	ScanTimeout    time.Duration
	// ComplianceThreshold is the lowest severity that fails a control.
	ComplianceThreshold domain.Severity
	// SeverityFilter is the default rendering filter for reports.
	SeverityFilter domain.Severity
}

func (s Settings) frameworkEnabled(name string) bool {
	enabled, ok := s.Frameworks[name]
	return !ok || enabled
}

// SettingsFrom extracts the runtime-swappable settings of cfg.
func SettingsFrom(cfg domain.Config) Settings {
	return Settings{
		ExcludedChecks: slices.Clone(cfg.ExcludedChecks),
		Frameworks:     cfg.Frameworks,
		ScanTimeout:    cfg.DefaultTimeout,

		ComplianceThreshold: cfg.ComplianceThreshold,
		SeverityFilter:      cfg.SeverityFilter,
	}
}

// Request describes a scan to submit.
type Request struct {
	// ID is optional; a UUID is assigned when empty.
	ID         string
	Name       string
	Target     domain.Target
	Filter     domain.CheckerFilter
	Frameworks []string
	CreatedBy  string
	Tags       []string
	Metadata   map[string]string
	// Timeout overrides the scan timeout when positive.
	Timeout time.Duration
}

// StateEvent is published to subscribers on every transition.
type StateEvent struct {
	ScanID    string           `json:"scan_id"`
	From      domain.ScanState `json:"from"`
	To        domain.ScanState `json:"to"`
	At        time.Time        `json:"at"`
	Target    string           `json:"target"`
	CreatedBy string           `json:"created_by,omitempty"`
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	State     domain.ScanState
	CreatedBy string
	Limit     int
	Offset    int
}

// Stats is a snapshot of the scan table.
type Stats struct {
	ByState  map[domain.ScanState]int `json:"by_state"`
	Running  int                      `json:"running"`
	Queued   int                      `json:"queued"`
	Capacity int                      `json:"capacity"`
	MaxQueue int                      `json:"max_queue"`
	Total    int                      `json:"total"`
}

type entry struct {
	scan    *domain.Scan
	timeout time.Duration
	cancel  context.CancelFunc
	reaper  *time.Timer
	done    chan struct{}
}

// Orchestrator owns the scan lifecycle. The scan table, queue and running
// count are guarded by one mutex so every transition is atomic with respect
// to admission.
type Orchestrator struct {
	Log       *log.Entry
	Engine    Executor
	Registry  *checker.Registry
	Catalog   *compliance.Catalog
	Mapper    *compliance.Mapper
	Notifier  Notifier
	Store     domain.ScanStore
	Observer  Observer
	Now       func() time.Time
	Artifacts func(scanID string) map[string]string

	maxConcurrent int
	maxQueue      int

	mu       sync.Mutex
	settings Settings
	scans    map[string]*entry
	queue    []string
	active   int
	closed   bool
	subs     map[int]chan StateEvent
	nextSub  int

	persistMu sync.Mutex
	wg        sync.WaitGroup

	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// New returns an orchestrator admitting at most cfg.MaxConcurrentScans scans
// at a time.
func New(logger *log.Entry, cfg domain.Config, engine Executor, registry *checker.Registry) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		Log:           logger,
		Engine:        engine,
		Registry:      registry,
		maxConcurrent: max(1, cfg.MaxConcurrentScans),
		maxQueue:      cfg.MaxQueue,
		settings:      SettingsFrom(cfg),
		scans:         make(map[string]*entry),
		subs:          make(map[int]chan StateEvent),
		bgCtx:         ctx,
		bgCancel:      cancel,
	}
}

// Submit validates req and queues the scan. It never waits for the scan to
// start; the returned scan is in the Queued state (or Running if a slot was
// free).
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*domain.Scan, error) {
	if err := req.Target.Validate(); err != nil {
		return nil, err
	}
	if o.Registry != nil {
		if _, err := o.Registry.Resolve(nil, req.Filter); err != nil {
			return nil, err
		}
	}
	if o.Catalog != nil {
		if _, err := o.Catalog.Select(req.Frameworks, nil); err != nil {
			return nil, err
		}
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, domain.ErrShuttingDown
	}
	if _, dup := o.scans[id]; dup {
		return nil, fmt.Errorf("scan %q already exists", id)
	}
	if o.maxQueue > 0 && len(o.queue) >= o.maxQueue {
		return nil, fmt.Errorf("%w: %d scans waiting", domain.ErrQueueFull, len(o.queue))
	}

	scan := domain.NewScan(id, req.Target, req.Filter, o.now())
	scan.Name = req.Name
	scan.Frameworks = slices.Clone(req.Frameworks)
	scan.CreatedBy = req.CreatedBy
	scan.Tags = slices.Clone(req.Tags)
	scan.Metadata = req.Metadata

	e := &entry{scan: scan, timeout: req.Timeout, done: make(chan struct{})}
	o.scans[id] = e
	o.transitionLocked(e, domain.ScanQueued)
	o.queue = append(o.queue, id)

	o.logger().WithFields(log.Fields{
		"scan_id":    id,
		"target":     req.Target.String(),
		"created_by": req.CreatedBy,
		"queued":     len(o.queue),
	}).Info("Scan submitted")

	o.dispatchLocked()
	return scan.Clone(), nil
}

// dispatchLocked admits queued scans in FIFO order while slots are free.
func (o *Orchestrator) dispatchLocked() {
	for !o.closed && o.active < o.maxConcurrent && len(o.queue) > 0 {
		id := o.queue[0]
		o.queue = o.queue[1:]
		e, ok := o.scans[id]
		if !ok || e.scan.State != domain.ScanQueued {
			continue
		}

		settings := o.settings
		timeout := settings.ScanTimeout
		if e.timeout > 0 {
			timeout = e.timeout
		}

		ctx, cancel := context.WithCancel(o.bgCtx)
		e.cancel = cancel
		o.active++
		o.transitionLocked(e, domain.ScanRunning)
		if timeout > 0 {
			e.reaper = time.AfterFunc(timeout, func() { o.reap(id, timeout) })
		}

		snapshot := e.scan.Clone()
		o.wg.Add(1)
		go o.run(ctx, e, snapshot, settings)
	}
}

func (o *Orchestrator) run(ctx context.Context, e *entry, scan *domain.Scan, settings Settings) {
	defer o.wg.Done()

	l := o.logger().WithFields(log.Fields{"scan_id": scan.ID, "target": scan.Target.String()})
	l.Info("Scan running")

	report, err := o.execute(ctx, scan, settings)
	o.finish(e, report, err)
}

func (o *Orchestrator) execute(ctx context.Context, scan *domain.Scan, settings Settings) (*domain.Report, error) {
	if o.Engine == nil || o.Registry == nil {
		return nil, domain.Fatal("execute", errors.New("no engine configured"))
	}

	sel, err := o.Registry.Resolve(settings.ExcludedChecks, scan.Filter)
	if err != nil {
		return nil, domain.Fatal("resolve checkers", err)
	}

	report, err := o.Engine.Execute(ctx, scan.ID, scan.Target, sel.Checkers)
	if err != nil {
		return nil, err
	}
	report.Excluded = sel.Excluded

	if o.Catalog != nil {
		frameworks, err := o.Catalog.Select(scan.Frameworks, settings.frameworkEnabled)
		if err != nil {
			return nil, domain.Fatal("select frameworks", err)
		}
		mapper := o.Mapper
		if mapper == nil {
			threshold := settings.ComplianceThreshold
			if !threshold.Valid() {
				threshold = domain.SeverityLow
			}
			mapper = compliance.NewMapper(threshold)
		}
		report = mapper.Annotate(report, frameworks)
	}
	return report, nil
}

// finish records the engine's outcome. Scans already moved to a terminal
// state by Cancel or the reaper keep that state.
func (o *Orchestrator) finish(e *entry, report *domain.Report, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if e.reaper != nil {
		e.reaper.Stop()
	}
	e.cancel()
	o.active--

	l := o.logger().WithField("scan_id", e.scan.ID)
	switch e.scan.State {
	case domain.ScanRunning:
		if err != nil {
			e.scan.Error = scanError(err)
			o.transitionLocked(e, domain.ScanFailed)
			l.WithError(err).Error("Scan failed")
			break
		}
		_ = e.scan.SetReport(report)
		o.transitionLocked(e, domain.ScanCompleted)
		summary := report.Summary()
		l.WithFields(log.Fields{
			"findings": summary.Total,
			"critical": summary.BySeverity[domain.SeverityCritical],
			"high":     summary.BySeverity[domain.SeverityHigh],
			"duration": e.scan.Duration(),
		}).Info("Scan completed")

	case domain.ScanCancelled:
		// Keep what was collected before the cancellation point.
		if err == nil && report != nil && e.scan.Report == nil {
			report.Cancelled = true
			_ = e.scan.SetReport(report)
			o.persistAsync(e.scan.ID)
		}
	}

	o.dispatchLocked()
}

// reap fails a scan that outlived its timeout and frees its slot for
// admission once the engine returns.
func (o *Orchestrator) reap(id string, timeout time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.scans[id]
	if !ok || e.scan.State != domain.ScanRunning {
		return
	}
	e.scan.Error = &domain.ScanError{
		Op:      "timeout",
		Message: fmt.Sprintf("scan exceeded timeout of %s", timeout),
	}
	o.transitionLocked(e, domain.ScanFailed)
	e.cancel()

	o.logger().WithFields(log.Fields{
		"scan_id": id,
		"timeout": timeout,
	}).Warn("Scan reaped after timeout")
}

// Cancel stops a queued or running scan. A queued scan never starts; a
// running scan stops at the engine's next cancellation point.
func (o *Orchestrator) Cancel(id string) (*domain.Scan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.scans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrScanNotFound, id)
	}
	if err := o.cancelLocked(e); err != nil {
		return nil, err
	}
	o.logger().WithField("scan_id", id).Info("Scan cancelled")
	return e.scan.Clone(), nil
}

func (o *Orchestrator) cancelLocked(e *entry) error {
	switch e.scan.State {
	case domain.ScanQueued:
		o.queue = slices.DeleteFunc(o.queue, func(id string) bool { return id == e.scan.ID })
		o.transitionLocked(e, domain.ScanCancelled)
		return nil
	case domain.ScanRunning:
		o.transitionLocked(e, domain.ScanCancelled)
		if e.reaper != nil {
			e.reaper.Stop()
		}
		e.cancel()
		return nil
	default:
		return fmt.Errorf("%w: scan %s is %s", domain.ErrInvalidTransition, e.scan.ID, e.scan.State)
	}
}

// transitionLocked applies a state change and fans it out to observers,
// subscribers, the store and the notifier.
func (o *Orchestrator) transitionLocked(e *entry, next domain.ScanState) {
	o.moveLocked(e, next, true)
}

// moveLocked is transitionLocked with notification optional. Sinks are not
// told about scans closed by Restore; those events belong to a previous run.
func (o *Orchestrator) moveLocked(e *entry, next domain.ScanState, notify bool) {
	from := e.scan.State
	at := o.now()
	if err := e.scan.Transition(next, at); err != nil {
		// Callers only request allowed moves; reaching this is a bug.
		o.logger().WithError(err).WithField("scan_id", e.scan.ID).Error("Rejected scan transition")
		return
	}

	if o.Observer != nil {
		o.Observer.ScanTransitioned(from, next)
	}

	ev := StateEvent{
		ScanID:    e.scan.ID,
		From:      from,
		To:        next,
		At:        at,
		Target:    e.scan.Target.String(),
		CreatedBy: e.scan.CreatedBy,
	}
	for id, ch := range o.subs {
		select {
		case ch <- ev:
		default:
			o.logger().WithField("subscriber", id).Debug("Dropping state event for slow subscriber")
		}
	}

	if next.Terminal() {
		close(e.done)
	}

	o.persistAsync(e.scan.ID)
	if !notify || o.Notifier == nil {
		return
	}
	if events := notifyEvents(e.scan); len(events) > 0 {
		snapshot := e.scan.Clone()
		o.wg.Add(1)
		go o.notify(snapshot, events)
	}
}

func notifyEvents(s *domain.Scan) []domain.Event {
	switch s.State {
	case domain.ScanRunning:
		return []domain.Event{domain.EventScanStarted}
	case domain.ScanFailed:
		return []domain.Event{domain.EventScanFailed}
	case domain.ScanCancelled:
		return []domain.Event{domain.EventScanCancelled}
	case domain.ScanCompleted:
		events := []domain.Event{domain.EventScanCompleted}
		if s.Report != nil && s.Report.Count(domain.SeverityCritical) > 0 {
			events = append(events, domain.EventCriticalFinding)
		}
		if s.Report != nil && s.Report.Count(domain.SeverityHigh) > 0 {
			events = append(events, domain.EventHighFinding)
		}
		return events
	}
	return nil
}

// notify delivers events for a scan. Delivery outcomes are attached to the
// scan record and never change its state.
func (o *Orchestrator) notify(scan *domain.Scan, events []domain.Event) {
	defer o.wg.Done()

	var artifacts map[string]string
	if o.Artifacts != nil && scan.Report != nil {
		artifacts = o.Artifacts(scan.ID)
	}

	var results []domain.DeliveryResult
	for _, ev := range events {
		results = append(results, o.Notifier.Notify(o.bgCtx, notifier.Message{
			Event:     ev,
			Scan:      scan,
			Artifacts: artifacts,
			At:        o.now(),
		})...)
	}
	if len(results) == 0 {
		return
	}

	o.mu.Lock()
	if e, ok := o.scans[scan.ID]; ok {
		e.scan.Deliveries = append(e.scan.Deliveries, results...)
		o.persistAsync(scan.ID)
	}
	o.mu.Unlock()
}

// persistAsync saves the scan's latest state. Saves are serialised and each
// one snapshots the table when it runs, so the store never ends up behind.
func (o *Orchestrator) persistAsync(id string) {
	if o.Store == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.persistMu.Lock()
		defer o.persistMu.Unlock()

		o.mu.Lock()
		e, ok := o.scans[id]
		var snapshot *domain.Scan
		if ok {
			snapshot = e.scan.Clone()
		}
		o.mu.Unlock()
		if !ok {
			return
		}

		if err := o.Store.Save(o.bgCtx, snapshot); err != nil {
			o.logger().WithError(err).WithField("scan_id", id).Error("Failed to persist scan")
		}
	}()
}

// Restore loads persisted scans. Scans interrupted by a restart are closed:
// queued ones as cancelled, running ones as failed. No notifications are
// sent for them.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if o.Store == nil {
		return nil
	}
	scans, err := o.Store.List(ctx)
	if err != nil {
		return fmt.Errorf("restore scans: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range scans {
		if _, exists := o.scans[s.ID]; exists {
			continue
		}
		e := &entry{scan: s, done: make(chan struct{})}
		o.scans[s.ID] = e
		switch s.State {
		case domain.ScanQueued:
			o.moveLocked(e, domain.ScanCancelled, false)
		case domain.ScanRunning:
			s.Error = &domain.ScanError{Op: "restore", Message: "interrupted by restart"}
			o.moveLocked(e, domain.ScanFailed, false)
		default:
			if s.State.Terminal() {
				close(e.done)
			}
		}
	}
	o.logger().WithField("scans", len(scans)).Info("Restored scans")
	return nil
}

// Get returns a copy of the scan.
func (o *Orchestrator) Get(id string) (*domain.Scan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.scans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrScanNotFound, id)
	}
	return e.scan.Clone(), nil
}

// List returns scans matching f, newest first.
func (o *Orchestrator) List(f ListFilter) []*domain.Scan {
	o.mu.Lock()
	out := make([]*domain.Scan, 0, len(o.scans))
	for _, e := range o.scans {
		if f.State != "" && e.scan.State != f.State {
			continue
		}
		if f.CreatedBy != "" && e.scan.CreatedBy != f.CreatedBy {
			continue
		}
		out = append(out, e.scan.Clone())
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Delete removes a finished scan. Queued and running scans must be cancelled first.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	o.mu.Lock()
	e, ok := o.scans[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrScanNotFound, id)
	}
	if !e.scan.State.Terminal() {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", domain.ErrScanRunning, id, e.scan.State)
	}
	delete(o.scans, id)
	o.mu.Unlock()

	if o.Store != nil {
		o.persistMu.Lock()
		defer o.persistMu.Unlock()
		if err := o.Store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete scan %s: %w", id, err)
		}
	}
	return nil
}

// Stats counts scans by state.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Stats{
		ByState:  make(map[domain.ScanState]int, len(domain.ScanStates)),
		Capacity: o.maxConcurrent,
		MaxQueue: o.maxQueue,
		Total:    len(o.scans),
	}
	for _, s := range domain.ScanStates {
		st.ByState[s] = 0
	}
	for _, e := range o.scans {
		st.ByState[e.scan.State]++
	}
	st.Running = st.ByState[domain.ScanRunning]
	st.Queued = st.ByState[domain.ScanQueued]
	return st
}

// Wait blocks until the scan reaches a terminal state or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*domain.Scan, error) {
	o.mu.Lock()
	e, ok := o.scans[id]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrScanNotFound, id)
	}

	select {
	case <-e.done:
		return o.Get(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe returns a channel of state events and a function to stop the
// subscription. Events are dropped for subscribers that fall behind.
func (o *Orchestrator) Subscribe(buffer int) (<-chan StateEvent, func()) {
	ch := make(chan StateEvent, max(1, buffer))
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

// UpdateRegistry swaps the runtime settings. Running scans are unaffected.
func (o *Orchestrator) UpdateRegistry(s Settings) {
	o.mu.Lock()
	o.settings = s
	o.mu.Unlock()
	o.logger().WithFields(log.Fields{
		"excluded_checks":      s.ExcludedChecks,
		"scan_timeout":         s.ScanTimeout,
		"compliance_threshold": s.ComplianceThreshold,
		"severity_filter":      s.SeverityFilter,
	}).Info("Scan settings updated")
}

// CurrentSettings returns the settings applied to newly admitted scans.
func (o *Orchestrator) CurrentSettings() Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

// Shutdown stops admission, cancels queued scans and waits for running scans
// and pending deliveries. When ctx ends first, running scans are cancelled.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, id := range slices.Clone(o.queue) {
		if e, ok := o.scans[id]; ok {
			_ = o.cancelLocked(e)
		}
	}
	o.queue = nil
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.bgCancel()
		return nil
	case <-ctx.Done():
		o.mu.Lock()
		for _, e := range o.scans {
			if e.scan.State == domain.ScanRunning {
				_ = o.cancelLocked(e)
			}
		}
		o.mu.Unlock()
		o.bgCancel()
		<-done
		return ctx.Err()
	}
}

func scanError(err error) *domain.ScanError {
	var fatal *domain.ScanFatalError
	if errors.As(err, &fatal) {
		return &domain.ScanError{Op: fatal.Op, Message: fatal.Err.Error()}
	}
	return &domain.ScanError{Op: "execute", Message: err.Error()}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) logger() *log.Entry {
	if o.Log != nil {
		return o.Log
	}
	return log.NewEntry(log.StandardLogger())
}
