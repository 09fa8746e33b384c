package notifier

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bytemomo/warden/internal/domain"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// A sink that failed more than this many deliveries without ever succeeding
// is disabled.
const autoDisableFailures = 10

// Observer is told about every delivery attempt.
type Observer interface {
	DeliveryAttempted(sink domain.Sink, attempt domain.DeliveryAttempt)
}

type sinkEntry struct {
	sink  domain.Sink
	stats domain.SinkStats
}

// Notifier owns the sink registry and delivers messages to matching sinks.
// Each sink is delivered to independently; a failing sink never delays the
// others.
type Notifier struct {
	Log         *log.Entry
	Transports  map[domain.SinkType]Transport
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxFindings int
	Observer    Observer

	// Defaults applied to sinks registered without them.
	Timeout    time.Duration
	MaxRetries int

	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	mu    sync.RWMutex
	order []string
	sinks map[string]*sinkEntry
}

// New builds a notifier with the default transports and registers cfg.Sinks.
func New(logger *log.Entry, cfg domain.Config) (*Notifier, error) {
	web := NewHTTPTransport()
	n := &Notifier{
		Log: logger,
		Transports: map[domain.SinkType]Transport{
			domain.SinkWebhook: web,
			domain.SinkSlack:   web,
			domain.SinkTeams:   web,
			domain.SinkDiscord: web,
			domain.SinkEmail:   &SMTPTransport{},
			domain.SinkMQTT:    &MQTTTransport{},
		},
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		MaxFindings: cfg.MaxFindings,
		Timeout:     cfg.WebhookTimeout,
		MaxRetries:  cfg.MaxRetries,
	}
	for _, s := range cfg.Sinks {
		if err := n.Register(s); err != nil {
			return nil, err
		}
	}
	return n, nil
}

// Register adds a sink. IDs must be unique.
func (n *Notifier) Register(s domain.Sink) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.Timeout <= 0 {
		s.Timeout = n.Timeout
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = n.MaxRetries
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sinks == nil {
		n.sinks = make(map[string]*sinkEntry)
	}
	if _, dup := n.sinks[s.ID]; dup {
		return fmt.Errorf("sink %q already registered", s.ID)
	}
	n.sinks[s.ID] = &sinkEntry{sink: s, stats: domain.SinkStats{SinkID: s.ID}}
	n.order = append(n.order, s.ID)

	n.logger().WithFields(log.Fields{
		"sink_id": s.ID,
		"type":    s.Type,
		"events":  s.Events,
	}).Info("Sink registered")
	return nil
}

// Unregister removes a sink.
func (n *Notifier) Unregister(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.sinks[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrSinkNotFound, id)
	}
	delete(n.sinks, id)
	for i, v := range n.order {
		if v == id {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns a registered sink.
func (n *Notifier) Get(id string) (domain.Sink, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	e, ok := n.sinks[id]
	if !ok {
		return domain.Sink{}, fmt.Errorf("%w: %s", domain.ErrSinkNotFound, id)
	}
	return e.sink, nil
}

// List returns the registered sinks in registration order.
func (n *Notifier) List() []domain.Sink {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]domain.Sink, 0, len(n.order))
	for _, id := range n.order {
		out = append(out, n.sinks[id].sink)
	}
	return out
}

// Stats returns the delivery statistics of a sink.
func (n *Notifier) Stats(id string) (domain.SinkStats, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	e, ok := n.sinks[id]
	if !ok {
		return domain.SinkStats{}, fmt.Errorf("%w: %s", domain.ErrSinkNotFound, id)
	}
	return e.stats, nil
}

// AllStats returns statistics for every sink sorted by id.
func (n *Notifier) AllStats() []domain.SinkStats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]domain.SinkStats, 0, len(n.sinks))
	for _, e := range n.sinks {
		out = append(out, e.stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SinkID < out[j].SinkID })
	return out
}

// SetDisabled enables or disables a sink.
func (n *Notifier) SetDisabled(id string, disabled bool) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.sinks[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSinkNotFound, id)
	}
	e.sink.Disabled = disabled
	return nil
}

// Notify delivers msg to every registered sink subscribed to its event.
func (n *Notifier) Notify(ctx context.Context, msg Message) []domain.DeliveryResult {
	var matched []domain.Sink
	for _, s := range n.List() {
		if s.Matches(msg.Event) {
			matched = append(matched, s)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	return n.Deliver(ctx, msg, matched)
}

// Test sends a test event to one sink, whether or not it is disabled.
func (n *Notifier) Test(ctx context.Context, id string) (domain.DeliveryResult, error) {
	s, err := n.Get(id)
	if err != nil {
		return domain.DeliveryResult{}, err
	}
	res := n.Deliver(ctx, Message{Event: domain.EventTest, At: n.now()}, []domain.Sink{s})
	return res[0], nil
}

// Deliver sends msg to each sink concurrently and returns one result per
// sink, in the order given. Failures are recorded in the results.
func (n *Notifier) Deliver(ctx context.Context, msg Message, sinks []domain.Sink) []domain.DeliveryResult {
	results := make([]domain.DeliveryResult, len(sinks))
	var wg sync.WaitGroup
	for i, s := range sinks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = n.deliverOne(ctx, msg, s)
			n.record(results[i])
		}()
	}
	wg.Wait()
	return results
}

func (n *Notifier) deliverOne(ctx context.Context, msg Message, sink domain.Sink) domain.DeliveryResult {
	deliveryID := uuid.NewString()
	res := domain.DeliveryResult{
		DeliveryID: deliveryID,
		SinkID:     sink.ID,
		SinkType:   sink.Type,
		Event:      msg.Event,
		Status:     domain.DeliveryFailed,
	}
	if msg.Scan != nil {
		res.ScanID = msg.Scan.ID
	}
	l := n.logger().WithFields(log.Fields{
		"sink_id":     sink.ID,
		"sink_type":   sink.Type,
		"event":       msg.Event,
		"delivery_id": deliveryID,
	})

	transport, ok := n.Transports[sink.Type]
	if !ok {
		res.Error = fmt.Sprintf("no transport for sink type %q", sink.Type)
		l.Error(res.Error)
		return res
	}
	env, err := Encode(sink, BuildPayload(msg, deliveryID, n.MaxFindings))
	if err != nil {
		res.Error = err.Error()
		l.WithError(err).Error("Failed to encode payload")
		return res
	}

	timeout := sink.Timeout
	if timeout <= 0 {
		timeout = n.Timeout
	}
	attempts := sink.MaxRetries
	if attempts <= 0 {
		attempts = n.MaxRetries
	}
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	bo := NewBackoff(attempts, n.BaseDelay, n.MaxDelay, deadline)

	for {
		env.Attempt = bo.Attempt + 1
		attempt := n.attempt(ctx, transport, sink, env, timeout)
		res.Attempts = append(res.Attempts, attempt)
		if n.Observer != nil {
			n.Observer.DeliveryAttempted(sink, attempt)
		}

		if attempt.Succeeded() {
			res.Status = domain.DeliveryDelivered
			res.Error = ""
			if attempt.Attempt > 1 {
				l.WithField("attempt", attempt.Attempt).Info("Delivery succeeded after retry")
			} else {
				l.Debug("Delivery succeeded")
			}
			return res
		}

		res.Error = attempt.Error
		l.WithFields(log.Fields{
			"attempt":      attempt.Attempt,
			"max_attempts": bo.Max,
			"status_code":  attempt.StatusCode,
		}).Warn("Delivery attempt failed: " + attempt.Error)

		wait, more := bo.Next(n.now())
		if !more {
			break
		}
		l.WithFields(log.Fields{
			"attempt": bo.Attempt + 1,
			"delay":   wait.String(),
		}).Info("Retrying delivery after delay")
		if err := n.sleep(ctx, wait); err != nil {
			res.Error = fmt.Sprintf("cancelled during retry backoff: %v", err)
			break
		}
	}

	l.WithFields(log.Fields{
		"attempts": len(res.Attempts),
	}).Error("Delivery failed permanently")
	return res
}

func (n *Notifier) attempt(ctx context.Context, t Transport, sink domain.Sink, env Envelope, timeout time.Duration) domain.DeliveryAttempt {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	a := domain.DeliveryAttempt{Attempt: env.Attempt, At: n.now()}
	status, err := t.Send(actx, sink, env)
	a.Duration = time.Since(start)
	a.StatusCode = status
	if err != nil {
		if isTimeout(err) {
			err = fmt.Errorf("request timeout after %s: %w", timeout, err)
		}
		a.Error = (&domain.DeliveryFailureError{SinkID: sink.ID, StatusCode: status, Err: err}).Error()
	}
	return a
}

// record updates the sink's statistics and disables sinks that have never
// succeeded after repeated failures.
func (n *Notifier) record(res domain.DeliveryResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.sinks[res.SinkID]
	if !ok {
		return
	}
	now := n.now()
	e.stats.Deliveries++
	e.stats.LastTriggered = &now
	if res.Delivered() {
		e.stats.Successes++
		return
	}
	e.stats.Failures++
	if e.stats.Failures > autoDisableFailures && e.stats.Successes == 0 && !e.sink.Disabled {
		e.sink.Disabled = true
		n.logger().WithFields(log.Fields{
			"sink_id":  res.SinkID,
			"failures": e.stats.Failures,
		}).Warn("Sink disabled after repeated failures")
	}
}

func (n *Notifier) sleep(ctx context.Context, d time.Duration) error {
	if n.Sleep != nil {
		return n.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (n *Notifier) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now().UTC()
}

func (n *Notifier) logger() *log.Entry {
	if n.Log != nil {
		return n.Log
	}
	return log.NewEntry(log.StandardLogger())
}
