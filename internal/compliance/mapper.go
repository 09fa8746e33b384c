package compliance

import (
	"maps"
	"slices"

	"bytemomo/warden/internal/domain"
)

// Coverage levels, from the share of evaluated controls that failed.
const (
	LevelGood         = "Good"
	LevelAttention    = "Needs Attention"
	LevelImmediate    = "Requires Immediate Action"
	LevelNotEvaluated = "Not Evaluated"
)

// Mapper annotates reports with per-control verdicts.
type Mapper struct {
	// Threshold is the lowest severity that fails a control.
	Threshold domain.Severity
}

// NewMapper returns a mapper failing controls at threshold and above.
func NewMapper(threshold domain.Severity) *Mapper {
	if !threshold.Valid() {
		threshold = domain.SeverityLow
	}
	return &Mapper{Threshold: threshold}
}

// Annotate returns a copy of report carrying the compliance and coverage maps
// for frameworks. The input report and its findings are left untouched.
func (m *Mapper) Annotate(report *domain.Report, frameworks []Framework) *domain.Report {
	out := *report
	out.Compliance = maps.Clone(report.Compliance)
	out.Coverage = maps.Clone(report.Coverage)
	if out.Compliance == nil {
		out.Compliance = make(map[string]map[string]domain.ControlStatus, len(frameworks))
	}
	if out.Coverage == nil {
		out.Coverage = make(map[string]domain.FrameworkCoverage, len(frameworks))
	}

	evaluated := report.EvaluatedCategories()
	for _, f := range frameworks {
		statuses := make(map[string]domain.ControlStatus, len(f.Controls))
		for _, c := range f.Controls {
			statuses[c.ID] = m.status(c, report.Findings, evaluated)
		}
		out.Compliance[f.Name] = statuses
		out.Coverage[f.Name] = coverage(f, statuses)
	}
	return &out
}

// status decides one control. A control is PASS only when every category it
// maps was inspected by a checker that completed; missing evidence is never
// read as compliance.
func (m *Mapper) status(c Control, findings []domain.Finding, evaluated map[string]bool) domain.ControlStatus {
	for _, f := range findings {
		if !f.Observed() || !f.Severity.AtLeast(m.Threshold) {
			continue
		}
		if f.HasTag(c.ID) || slices.Contains(c.Categories, f.Category) {
			return domain.ControlFail
		}
	}

	covered := 0
	for _, cat := range c.Categories {
		if evaluated[cat] {
			covered++
		}
	}
	switch {
	case covered == 0:
		return domain.ControlSkipped
	case covered < len(c.Categories):
		return domain.ControlPartial
	default:
		return domain.ControlPass
	}
}

func coverage(f Framework, statuses map[string]domain.ControlStatus) domain.FrameworkCoverage {
	cov := domain.FrameworkCoverage{
		Description: f.Description,
		Total:       len(statuses),
	}
	for _, s := range statuses {
		switch s {
		case domain.ControlPass:
			cov.Passed++
		case domain.ControlFail:
			cov.Failed++
		case domain.ControlPartial:
			cov.Partial++
		case domain.ControlSkipped:
			cov.Skipped++
		}
	}
	cov.Level = Level(cov)
	return cov
}

// Level grades a framework by the percentage of evaluated controls that failed.
func Level(cov domain.FrameworkCoverage) string {
	evaluated := cov.Total - cov.Skipped
	if evaluated <= 0 {
		return LevelNotEvaluated
	}
	pct := float64(cov.Failed) / float64(evaluated) * 100
	switch {
	case pct < 20:
		return LevelGood
	case pct < 50:
		return LevelAttention
	default:
		return LevelImmediate
	}
}
