package domain

import (
	"fmt"
	"slices"
	"time"
)

// ScanState is a node of the scan lifecycle.
type ScanState string

const (
	ScanCreated   ScanState = "created"
	ScanQueued    ScanState = "queued"
	ScanRunning   ScanState = "running"
	ScanCompleted ScanState = "completed"
	ScanFailed    ScanState = "failed"
	ScanCancelled ScanState = "cancelled"
)

// ScanStates lists the lifecycle in order.
var ScanStates = []ScanState{ScanCreated, ScanQueued, ScanRunning, ScanCompleted, ScanFailed, ScanCancelled}

// transitions is the only place allowed moves are defined.
var transitions = map[ScanState][]ScanState{
	ScanCreated: {ScanQueued},
	ScanQueued:  {ScanRunning, ScanCancelled},
	ScanRunning: {ScanCompleted, ScanFailed, ScanCancelled},
}

// CanTransition reports whether moving from s to next is allowed.
func (s ScanState) CanTransition(next ScanState) bool {
	return slices.Contains(transitions[s], next)
}

// Terminal reports whether no further transition is possible.
func (s ScanState) Terminal() bool {
	return s == ScanCompleted || s == ScanFailed || s == ScanCancelled
}

// ParseScanState validates a state name received from a caller.
func ParseScanState(raw string) (ScanState, error) {
	for _, s := range ScanStates {
		if string(s) == raw {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown scan state %q", raw)
}

// Target identifies what a scan inspects.
type Target struct {
	// Name is the identifier used in reports. Defaults to Address.
	Name string `json:"name" yaml:"name"`
	// Address is the host name or IP used by network checkers.
	Address string `json:"address" yaml:"address"`
	// Root is the filesystem root used by local checkers. Defaults to "/".
	Root string `json:"root,omitempty" yaml:"root,omitempty"`
}

// String returns the report identifier of the target.
func (t Target) String() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Address
}

// FSRoot returns the filesystem root, "/" when unset.
func (t Target) FSRoot() string {
	if t.Root == "" {
		return "/"
	}
	return t.Root
}

// Validate rejects targets the engine cannot address at all.
func (t Target) Validate() error {
	if t.Name == "" && t.Address == "" {
		return fmt.Errorf("target: name or address is required")
	}
	return nil
}

// CheckerFilter narrows the registry for a single scan.
type CheckerFilter struct {
	Include []string `json:"include,omitempty" yaml:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
}

// StateChange is one entry of a scan's lifecycle history.
type StateChange struct {
	State ScanState `json:"state"`
	At    time.Time `json:"at"`
}

// ScanError is the structured error attached to a failed scan.
type ScanError struct {
	Op      string `json:"op"`
	Message string `json:"message"`
}

func (e *ScanError) Error() string { return e.Op + ": " + e.Message }

// Scan is a request to run the engine against a target. Only the orchestrator
// mutates a Scan; the report inside it is written once.
type Scan struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Target     Target            `json:"target"`
	Filter     CheckerFilter     `json:"checker_filter"`
	Frameworks []string          `json:"frameworks,omitempty"`
	CreatedBy  string            `json:"created_by,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`

	State      ScanState     `json:"state"`
	History    []StateChange `json:"history"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`

	Report *Report    `json:"report,omitempty"`
	Error  *ScanError `json:"error,omitempty"`

	// Deliveries records notification outcomes. They never affect State.
	Deliveries []DeliveryResult `json:"deliveries,omitempty"`
}

// NewScan returns a scan in the Created state.
func NewScan(id string, target Target, filter CheckerFilter, now time.Time) *Scan {
	return &Scan{
		ID:        id,
		Target:    target,
		Filter:    filter,
		State:     ScanCreated,
		History:   []StateChange{{State: ScanCreated, At: now}},
		CreatedAt: now,
	}
}

// Transition moves the scan to next, stamping timestamps. It refuses any move
// the transition table does not allow.
func (s *Scan) Transition(next ScanState, at time.Time) error {
	if !s.State.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, next)
	}
	s.State = next
	s.History = append(s.History, StateChange{State: next, At: at})
	switch {
	case next == ScanRunning:
		s.StartedAt = &at
	case next.Terminal():
		s.FinishedAt = &at
	}
	return nil
}

// SetReport attaches the report. A second call is an error.
func (s *Scan) SetReport(r *Report) error {
	if s.Report != nil {
		return fmt.Errorf("scan %s: report already set", s.ID)
	}
	s.Report = r
	return nil
}

// Duration is the time spent running, zero until the scan finishes.
func (s *Scan) Duration() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}

// Clone returns a copy that shares the immutable report but not the history.
func (s *Scan) Clone() *Scan {
	out := *s
	out.History = append([]StateChange(nil), s.History...)
	out.Filter.Include = append([]string(nil), s.Filter.Include...)
	out.Filter.Exclude = append([]string(nil), s.Filter.Exclude...)
	out.Deliveries = append([]DeliveryResult(nil), s.Deliveries...)
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	return &out
}
