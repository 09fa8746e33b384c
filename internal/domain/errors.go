package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for conditions callers branch on with errors.Is.
var (
	ErrScanNotFound      = errors.New("scan not found")
	ErrInvalidTransition = errors.New("invalid scan state transition")
	ErrQueueFull         = errors.New("scan queue is full")
	ErrScanRunning       = errors.New("scan is running")
	ErrSinkNotFound      = errors.New("sink not found")
	ErrCheckerNotFound   = errors.New("checker not found")
	ErrShuttingDown      = errors.New("orchestrator is shutting down")
)

// CheckerUnavailableError signals that the environment lacks the facility a
// checker inspects. The engine downgrades it to an INFO finding.
type CheckerUnavailableError struct {
	Checker string
	Reason  string
}

func (e *CheckerUnavailableError) Error() string {
	return fmt.Sprintf("checker %s unavailable: %s", e.Checker, e.Reason)
}

// Unavailable builds a CheckerUnavailableError.
func Unavailable(checker, reason string) error {
	return &CheckerUnavailableError{Checker: checker, Reason: reason}
}

// IsUnavailable reports whether err is, or wraps, a CheckerUnavailableError.
func IsUnavailable(err error) bool {
	var u *CheckerUnavailableError
	return errors.As(err, &u)
}

// CheckerTimeoutError is recorded when a checker exceeds its per-checker limit.
type CheckerTimeoutError struct {
	Checker string
	Limit   time.Duration
}

func (e *CheckerTimeoutError) Error() string {
	return fmt.Sprintf("checker %s timed out after %s", e.Checker, e.Limit)
}

// CheckerFaultError wraps an unexpected internal error from a checker.
type CheckerFaultError struct {
	Checker string
	Err     error
}

func (e *CheckerFaultError) Error() string {
	return fmt.Sprintf("checker %s failed: %v", e.Checker, e.Err)
}

func (e *CheckerFaultError) Unwrap() error { return e.Err }

// ScanFatalError is an error outside any checker's scope. It fails the scan
// and no partial report is kept.
type ScanFatalError struct {
	Op  string
	Err error
}

func (e *ScanFatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ScanFatalError) Unwrap() error { return e.Err }

// Fatal builds a ScanFatalError.
func Fatal(op string, err error) error {
	return &ScanFatalError{Op: op, Err: err}
}

// IsFatal reports whether err is, or wraps, a ScanFatalError.
func IsFatal(err error) bool {
	var f *ScanFatalError
	return errors.As(err, &f)
}

// DeliveryFailureError describes a rejected or unreachable sink attempt.
type DeliveryFailureError struct {
	SinkID     string
	StatusCode int
	Err        error
}

func (e *DeliveryFailureError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sink %s returned status %d: %v", e.SinkID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sink %s: %v", e.SinkID, e.Err)
}

func (e *DeliveryFailureError) Unwrap() error { return e.Err }
