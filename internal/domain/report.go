package domain

import (
	"time"
)

// ToolName is stamped into every report's scan_info.
const ToolName = "warden"

// CheckerOutcome records how a single checker invocation ended.
type CheckerOutcome string

const (
	OutcomeOK          CheckerOutcome = "ok"
	OutcomeUnavailable CheckerOutcome = "unavailable"
	OutcomeTimeout     CheckerOutcome = "timeout"
	OutcomeFault       CheckerOutcome = "fault"
	OutcomeSkipped     CheckerOutcome = "skipped"
)

// CheckerRun describes one entry of the executed checker set.
type CheckerRun struct {
	Name       string         `json:"name"`
	Categories []string       `json:"categories,omitempty"`
	Outcome    CheckerOutcome `json:"outcome"`
	Findings   int            `json:"findings"`
	Duration   time.Duration  `json:"duration"`
	Error      string         `json:"error,omitempty"`
}

// Evaluated reports whether the checker completed an inspection, which is what
// allows a compliance control to be marked PASS.
func (c CheckerRun) Evaluated() bool { return c.Outcome == OutcomeOK }

// ControlStatus is the per-control verdict produced by the compliance mapper.
type ControlStatus string

const (
	ControlPass    ControlStatus = "PASS"
	ControlFail    ControlStatus = "FAIL"
	ControlPartial ControlStatus = "PARTIAL"
	ControlSkipped ControlStatus = "SKIPPED"
)

// FrameworkCoverage summarises one framework's control verdicts.
type FrameworkCoverage struct {
	Description string `json:"description,omitempty"`
	Total       int    `json:"total_controls"`
	Passed      int    `json:"passed"`
	Failed      int    `json:"failed"`
	Partial     int    `json:"partial"`
	Skipped     int    `json:"skipped"`
	Level       string `json:"compliance_level"`
}

// Summary is derived from a report's findings on demand and never stored.
type Summary struct {
	Total      int              `json:"total_findings"`
	BySeverity map[Severity]int `json:"by_severity"`
	ByCategory map[string]int   `json:"by_category,omitempty"`
}

// Report is the aggregate result of running a checker set against one target.
type Report struct {
	ScanID     string       `json:"scan_id,omitempty"`
	Tool       string       `json:"tool"`
	Target     string       `json:"target"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Findings   []Finding    `json:"findings"`
	Checkers   []CheckerRun `json:"checkers"`
	Excluded   []string     `json:"excluded,omitempty"`
	Cancelled  bool         `json:"cancelled,omitempty"`

	Compliance map[string]map[string]ControlStatus `json:"compliance,omitempty"`
	Coverage   map[string]FrameworkCoverage        `json:"coverage,omitempty"`
}

// Summary counts the report's findings. The by-severity counts always add up
// to the number of findings.
func (r *Report) Summary() Summary {
	s := Summary{
		BySeverity: make(map[Severity]int, len(Severities)),
		ByCategory: make(map[string]int),
	}
	for _, sev := range Severities {
		s.BySeverity[sev] = 0
	}
	for _, f := range r.Findings {
		s.Total++
		s.BySeverity[f.Severity]++
		s.ByCategory[f.Category]++
	}
	return s
}

// Faults returns the checker runs that ended in an internal error.
func (r *Report) Faults() []CheckerRun {
	var out []CheckerRun
	for _, c := range r.Checkers {
		if c.Outcome == OutcomeFault {
			out = append(out, c)
		}
	}
	return out
}

// RiskScore weights findings by severity and caps the total at 100.
func (r *Report) RiskScore() int {
	score := 0
	for _, f := range r.Findings {
		score += f.Severity.Weight()
	}
	return min(score, 100)
}

// HighestSeverity returns the most severe finding's severity, or INFO when
// there are none.
func (r *Report) HighestSeverity() Severity {
	highest := SeverityInfo
	for _, f := range r.Findings {
		if highest.Less(f.Severity) {
			highest = f.Severity
		}
	}
	return highest
}

// Count returns the number of findings with exactly the given severity.
func (r *Report) Count(sev Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == sev {
			n++
		}
	}
	return n
}

// Filtered returns a copy of the report keeping only findings at or above
// floor. It is a presentation view; the full report is what gets mapped to
// compliance frameworks.
func (r *Report) Filtered(floor Severity) *Report {
	out := *r
	out.Findings = make([]Finding, 0, len(r.Findings))
	for _, f := range r.Findings {
		if f.Severity.AtLeast(floor) {
			out.Findings = append(out.Findings, f)
		}
	}
	return &out
}

// Duration is the wall time between start and finish.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// EvaluatedCategories returns the categories that at least one checker
// inspected to completion.
func (r *Report) EvaluatedCategories() map[string]bool {
	out := map[string]bool{}
	for _, c := range r.Checkers {
		if !c.Evaluated() {
			continue
		}
		for _, cat := range c.Categories {
			out[cat] = true
		}
	}
	return out
}

// AttemptedCategories returns the categories of every checker that was part of
// the executed set, whatever its outcome.
func (r *Report) AttemptedCategories() map[string]bool {
	out := map[string]bool{}
	for _, c := range r.Checkers {
		for _, cat := range c.Categories {
			out[cat] = true
		}
	}
	return out
}
