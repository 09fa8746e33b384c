package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"bytemomo/warden/internal/domain"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Observer is notified around every checker invocation.
type Observer interface {
	CheckerStarted(scanID, checker string)
	CheckerFinished(scanID string, run domain.CheckerRun)
}

// Probe verifies the target can be inspected at all. A probe error fails the
// scan instead of degrading the report.
type Probe func(ctx context.Context, target domain.Target) error

// Engine runs a checker set against one target and aggregates the findings.
type Engine struct {
	Log            *logrus.Entry
	CommandTimeout time.Duration
	MaxWorkers     int
	Observer       Observer
	Probe          Probe
	Now            func() time.Time
}

// New builds an engine from the merged configuration.
func New(log *logrus.Entry, cfg domain.Config) *Engine {
	return &Engine{
		Log:            log,
		CommandTimeout: cfg.CommandTimeout,
		MaxWorkers:     cfg.MaxWorkers,
		Probe:          LocalProbe,
	}
}

// Execute runs every checker, each under its own timeout, and returns the
// report. Findings appear in checker order regardless of completion order.
// One failing checker never stops the others. The only error returned is a
// domain.ScanFatalError.
func (e *Engine) Execute(ctx context.Context, scanID string, target domain.Target, checkers []domain.Checker) (*domain.Report, error) {
	log := e.logger().WithFields(logrus.Fields{
		"scan_id": scanID,
		"target":  target.String(),
	})

	if err := target.Validate(); err != nil {
		return nil, domain.Fatal("validate target", err)
	}
	if e.Probe != nil {
		if err := e.Probe(ctx, target); err != nil {
			return nil, domain.Fatal("probe target", err)
		}
	}

	report := &domain.Report{
		ScanID:    scanID,
		Tool:      domain.ToolName,
		Target:    target.String(),
		StartedAt: e.now(),
	}

	log.WithFields(logrus.Fields{
		"checkers":    len(checkers),
		"max_workers": e.workers(),
		"timeout":     e.CommandTimeout,
	}).Info("Starting audit")

	type slot struct {
		run      domain.CheckerRun
		findings []domain.Finding
	}
	slots := make([]slot, len(checkers))

	g := new(errgroup.Group)
	g.SetLimit(e.workers())

	for i, c := range checkers {
		// Cancellation is checked between invocations. Checkers already
		// running finish (or observe ctx) on their own.
		if ctx.Err() != nil {
			slots[i].run = domain.CheckerRun{
				Name:       c.Name(),
				Categories: c.Categories(),
				Outcome:    domain.OutcomeSkipped,
			}
			continue
		}

		g.Go(func() error {
			if ctx.Err() != nil {
				slots[i].run = domain.CheckerRun{
					Name:       c.Name(),
					Categories: c.Categories(),
					Outcome:    domain.OutcomeSkipped,
				}
				return nil
			}
			if e.Observer != nil {
				e.Observer.CheckerStarted(scanID, c.Name())
			}
			run, findings := e.runChecker(ctx, log, c, target)
			slots[i] = slot{run: run, findings: findings}
			if e.Observer != nil {
				e.Observer.CheckerFinished(scanID, run)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, s := range slots {
		report.Checkers = append(report.Checkers, s.run)
		report.Findings = append(report.Findings, s.findings...)
		if s.run.Outcome == domain.OutcomeSkipped {
			report.Cancelled = true
		}
	}
	report.FinishedAt = e.now()

	summary := report.Summary()
	log.WithFields(logrus.Fields{
		"findings":  summary.Total,
		"critical":  summary.BySeverity[domain.SeverityCritical],
		"high":      summary.BySeverity[domain.SeverityHigh],
		"faults":    len(report.Faults()),
		"cancelled": report.Cancelled,
		"duration":  report.Duration(),
	}).Info("Audit finished")

	return report, nil
}

func (e *Engine) runChecker(ctx context.Context, log *logrus.Entry, c domain.Checker, target domain.Target) (domain.CheckerRun, []domain.Finding) {
	name := c.Name()
	run := domain.CheckerRun{Name: name, Categories: c.Categories()}
	l := log.WithField("checker", name)

	cctx := ctx
	cancel := func() {}
	if e.CommandTimeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, e.CommandTimeout)
	}
	defer cancel()

	type outcome struct {
		findings []domain.Finding
		err      error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				l.WithField("stack", string(debug.Stack())).Error("Checker panicked")
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		findings, err := c.Run(cctx, target)
		done <- outcome{findings: findings, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-cctx.Done():
		// A checker that ignores its context is abandoned here; its
		// goroutine drains into the buffered channel when it returns.
		res = outcome{err: cctx.Err()}
	}
	run.Duration = time.Since(start)

	switch {
	case res.err == nil:
		findings, err := normalise(name, res.findings)
		if err != nil {
			run.Outcome = domain.OutcomeFault
			run.Error = err.Error()
			l.WithError(err).Error("Checker returned invalid findings")
			return run, nil
		}
		run.Outcome = domain.OutcomeOK
		run.Findings = len(findings)
		l.WithFields(logrus.Fields{
			"findings": len(findings),
			"duration": run.Duration,
		}).Debug("Checker complete")
		return run, findings

	case ctx.Err() != nil:
		// The scan itself was cancelled or timed out, not this checker.
		run.Outcome = domain.OutcomeSkipped
		run.Error = ctx.Err().Error()
		return run, nil

	case errors.Is(res.err, context.DeadlineExceeded):
		terr := &domain.CheckerTimeoutError{Checker: name, Limit: e.CommandTimeout}
		run.Outcome = domain.OutcomeTimeout
		run.Error = terr.Error()
		run.Findings = 1
		l.WithError(terr).Warn("Checker timed out")
		return run, []domain.Finding{domain.TimeoutFinding(name, e.CommandTimeout.String())}

	case domain.IsUnavailable(res.err):
		var u *domain.CheckerUnavailableError
		errors.As(res.err, &u)
		run.Outcome = domain.OutcomeUnavailable
		run.Error = res.err.Error()
		run.Findings = 1
		l.WithField("reason", u.Reason).Info("Checker unavailable")
		return run, []domain.Finding{domain.UnavailableFinding(name, u.Reason)}

	default:
		ferr := &domain.CheckerFaultError{Checker: name, Err: res.err}
		run.Outcome = domain.OutcomeFault
		run.Error = ferr.Error()
		l.WithError(res.err).Error("Checker failed")
		return run, nil
	}
}

// normalise stamps the checker name, copies the findings so the checker keeps
// no reference into the report, and rejects unknown severities.
func normalise(checker string, in []domain.Finding) ([]domain.Finding, error) {
	out := make([]domain.Finding, 0, len(in))
	for i, f := range in {
		if !f.Severity.Valid() {
			return nil, fmt.Errorf("finding %d has invalid severity %q", i, f.Severity)
		}
		f = f.Clone()
		if f.Checker == "" {
			f.Checker = checker
		}
		if f.Kind == "" {
			f.Kind = domain.KindObservation
		}
		out = append(out, f)
	}
	return out, nil
}

func (e *Engine) workers() int {
	return max(1, e.MaxWorkers)
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

func (e *Engine) logger() *logrus.Entry {
	if e.Log != nil {
		return e.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// LocalProbe fails when the target's filesystem root cannot be read.
func LocalProbe(ctx context.Context, target domain.Target) error {
	info, err := os.Stat(target.FSRoot())
	if err != nil {
		return fmt.Errorf("target root unreachable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("target root %s is not a directory", target.FSRoot())
	}
	return nil
}
