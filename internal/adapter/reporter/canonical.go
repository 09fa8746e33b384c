package reporter

import (
	"encoding/json"
	"time"

	"bytemomo/warden/internal/domain"
)

// Canonical is the JSON document other systems consume. Fields may be added;
// existing ones keep their names and meaning.
type Canonical struct {
	ScanInfo      ScanInfo                                   `json:"scan_info"`
	Summary       CanonicalSummary                           `json:"summary"`
	Findings      []CanonicalFinding                         `json:"findings"`
	Compliance    map[string]map[string]domain.ControlStatus `json:"compliance"`
	Coverage      map[string]domain.FrameworkCoverage        `json:"coverage,omitempty"`
	CheckerErrors []CheckerError                             `json:"checker_errors,omitempty"`
}

type ScanInfo struct {
	Tool      string `json:"tool"`
	Target    string `json:"target"`
	Timestamp string `json:"timestamp"`
	ScanID    string `json:"scan_id,omitempty"`
	Duration  string `json:"duration,omitempty"`
	RiskScore int    `json:"risk_score"`
	Cancelled bool   `json:"cancelled,omitempty"`
}

type CanonicalSummary struct {
	Total      int            `json:"total_findings"`
	BySeverity map[string]int `json:"by_severity"`
}

type CanonicalFinding struct {
	Category       string         `json:"category"`
	Severity       string         `json:"severity"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Recommendation string         `json:"recommendation"`
	Checker        string         `json:"checker,omitempty"`
	Evidence       map[string]any `json:"evidence,omitempty"`
	FrameworkTags  []string       `json:"framework_tags,omitempty"`
}

// CheckerError surfaces a checker that faulted, so a reader can tell "nothing
// found" from "could not look".
type CheckerError struct {
	Checker string `json:"checker"`
	Outcome string `json:"outcome"`
	Error   string `json:"error"`
}

// NewCanonical builds the canonical document for report.
func NewCanonical(report *domain.Report) Canonical {
	summary := report.Summary()
	doc := Canonical{
		ScanInfo: ScanInfo{
			Tool:      report.Tool,
			Target:    report.Target,
			Timestamp: report.StartedAt.UTC().Format(time.RFC3339),
			ScanID:    report.ScanID,
			RiskScore: report.RiskScore(),
			Cancelled: report.Cancelled,
		},
		Summary: CanonicalSummary{
			Total:      summary.Total,
			BySeverity: make(map[string]int, len(summary.BySeverity)),
		},
		Findings:   make([]CanonicalFinding, 0, len(report.Findings)),
		Compliance: report.Compliance,
		Coverage:   report.Coverage,
	}
	if doc.ScanInfo.Tool == "" {
		doc.ScanInfo.Tool = domain.ToolName
	}
	if d := report.Duration(); d > 0 {
		doc.ScanInfo.Duration = d.String()
	}
	if doc.Compliance == nil {
		doc.Compliance = map[string]map[string]domain.ControlStatus{}
	}
	for sev, n := range summary.BySeverity {
		doc.Summary.BySeverity[string(sev)] = n
	}
	for _, f := range report.Findings {
		doc.Findings = append(doc.Findings, CanonicalFinding{
			Category:       f.Category,
			Severity:       string(f.Severity),
			Title:          f.Title,
			Description:    f.Description,
			Recommendation: f.Recommendation,
			Checker:        f.Checker,
			Evidence:       f.Evidence,
			FrameworkTags:  f.FrameworkTags,
		})
	}
	for _, c := range report.Checkers {
		if c.Outcome == domain.OutcomeFault {
			doc.CheckerErrors = append(doc.CheckerErrors, CheckerError{
				Checker: c.Name,
				Outcome: string(c.Outcome),
				Error:   c.Error,
			})
		}
	}
	return doc
}

func renderJSON(report *domain.Report) ([]byte, error) {
	out, err := json.MarshalIndent(NewCanonical(report), "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
