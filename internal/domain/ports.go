package domain

import (
	"context"
)

//go:generate mockgen -source=ports.go -destination=mocks/ports.go -package=mocks

// Checker is a pluggable inspection unit. Run returns an empty slice when it
// finds nothing, a CheckerUnavailableError when the inspected facility is
// missing, and any other error for internal faults. Checkers must not share
// mutable state with each other.
type Checker interface {
	Name() string
	// Categories lists the finding categories the checker can produce. The
	// compliance mapper uses it to tell "not evaluated" from "compliant".
	Categories() []string
	Run(ctx context.Context, target Target) ([]Finding, error)
}

// ScanStore persists scan records across restarts.
type ScanStore interface {
	Save(ctx context.Context, scan *Scan) error
	Load(ctx context.Context, id string) (*Scan, error)
	List(ctx context.Context) ([]*Scan, error)
	Delete(ctx context.Context, id string) error
}

// ReportWriter renders a report into a specific output format.
type ReportWriter interface {
	Render(r *Report, format string) ([]byte, error)
}
