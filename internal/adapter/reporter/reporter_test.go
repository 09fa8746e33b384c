package reporter

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"bytemomo/warden/internal/domain"
)

func sampleReport() *domain.Report {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Report{
		ScanID:     "scan-1",
		Tool:       domain.ToolName,
		Target:     "web-01",
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
		Findings: []domain.Finding{
			{Checker: "ssh_config", Category: "SSH", Severity: domain.SeverityCritical, Title: "Root login enabled", Description: "PermitRootLogin yes", Recommendation: "Set PermitRootLogin no"},
			{Checker: "file_permissions", Category: "File Permissions", Severity: domain.SeverityInfo, Title: "Note, with comma", Description: "x", Recommendation: "y"},
		},
		Checkers: []domain.CheckerRun{
			{Name: "ssh_config", Outcome: domain.OutcomeOK},
			{Name: "broken", Outcome: domain.OutcomeFault, Error: "parse error"},
		},
		Compliance: map[string]map[string]domain.ControlStatus{
			"PCI_DSS": {"2.3": domain.ControlFail, "1.3.1": domain.ControlSkipped},
		},
		Coverage: map[string]domain.FrameworkCoverage{
			"PCI_DSS": {Total: 2, Failed: 1, Skipped: 1, Level: "Requires Immediate Action"},
		},
	}
}

func TestRenderCanonicalJSON(t *testing.T) {
	t.Parallel()

	out, err := (&Reporter{}).Render(sampleReport(), "json")
	if err != nil {
		t.Fatalf("Render() returned error: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	for _, key := range []string{"scan_info", "summary", "findings", "compliance"} {
		if _, ok := doc[key]; !ok {
			t.Fatalf("canonical document missing %q", key)
		}
	}

	var canonical Canonical
	if err := json.Unmarshal(out, &canonical); err != nil {
		t.Fatalf("decode canonical: %v", err)
	}
	if canonical.ScanInfo.Tool != "warden" || canonical.ScanInfo.Target != "web-01" {
		t.Fatalf("unexpected scan_info: %+v", canonical.ScanInfo)
	}
	if canonical.ScanInfo.Timestamp != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected timestamp %q", canonical.ScanInfo.Timestamp)
	}

	sum := 0
	for _, n := range canonical.Summary.BySeverity {
		sum += n
	}
	if sum != len(canonical.Findings) || canonical.Summary.Total != 2 {
		t.Fatalf("summary does not match findings: %+v", canonical.Summary)
	}
	if len(canonical.Summary.BySeverity) != len(domain.Severities) {
		t.Fatalf("expected every severity in by_severity, got %v", canonical.Summary.BySeverity)
	}
	if canonical.Compliance["PCI_DSS"]["1.3.1"] != domain.ControlSkipped {
		t.Fatalf("unexpected compliance: %v", canonical.Compliance)
	}
	if len(canonical.CheckerErrors) != 1 || canonical.CheckerErrors[0].Checker != "broken" {
		t.Fatalf("expected checker fault to be surfaced, got %+v", canonical.CheckerErrors)
	}
}

func TestRenderAppliesSeverityFilter(t *testing.T) {
	t.Parallel()

	report := sampleReport()
	out, err := (&Reporter{Filter: domain.SeverityHigh}).Render(report, "json")
	if err != nil {
		t.Fatalf("Render() returned error: %v", err)
	}

	var canonical Canonical
	if err := json.Unmarshal(out, &canonical); err != nil {
		t.Fatalf("decode canonical: %v", err)
	}
	if len(canonical.Findings) != 1 || canonical.Findings[0].Severity != "CRITICAL" {
		t.Fatalf("expected only the CRITICAL finding, got %+v", canonical.Findings)
	}
	if len(report.Findings) != 2 {
		t.Fatalf("filter modified the source report")
	}
}

func TestRenderCSV(t *testing.T) {
	t.Parallel()

	out, err := (&Reporter{}).Render(sampleReport(), "csv")
	if err != nil {
		t.Fatalf("Render() returned error: %v", err)
	}

	rows, err := csv.NewReader(strings.NewReader(string(out))).ReadAll()
	if err != nil {
		t.Fatalf("invalid CSV: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header + 2 findings + 1 fault, got %d", len(rows))
	}
	if rows[0][7] != "kind" {
		t.Fatalf("expected kind column, got header %v", rows[0])
	}
	if rows[2][3] != "Note, with comma" || rows[2][7] != string(domain.KindObservation) {
		t.Fatalf("expected quoted observation row to survive, got %v", rows[2])
	}
	fault := rows[3]
	if fault[1] != domain.CategoryCheckerHealth || fault[2] != "broken" || fault[4] != "parse error" || fault[7] != string(domain.KindFault) {
		t.Fatalf("unexpected fault row %v", fault)
	}
}

func TestRenderHTMLEscapes(t *testing.T) {
	t.Parallel()

	report := sampleReport()
	report.Findings[0].Description = "<script>alert(1)</script>"

	out, err := (&Reporter{}).Render(report, "html")
	if err != nil {
		t.Fatalf("Render() returned error: %v", err)
	}
	html := string(out)
	if strings.Contains(html, "<script>alert(1)</script>") {
		t.Fatalf("finding text was not escaped")
	}
	if !strings.Contains(html, "Root login enabled") || !strings.Contains(html, "PCI_DSS") {
		t.Fatalf("expected findings and compliance in output")
	}
}

func TestRenderConsolePlain(t *testing.T) {
	t.Parallel()

	out, err := (&Reporter{Color: false}).Render(sampleReport(), "console")
	if err != nil {
		t.Fatalf("Render() returned error: %v", err)
	}
	text := string(out)
	for _, want := range []string{"web-01", "[CRITICAL] Root login enabled", "broken: parse error", "2.3"} {
		if !strings.Contains(text, want) {
			t.Fatalf("console output missing %q:\n%s", want, text)
		}
	}
}

func TestRenderUnsupportedFormats(t *testing.T) {
	t.Parallel()

	for _, format := range []string{"pdf", "xml"} {
		if _, err := (&Reporter{}).Render(sampleReport(), format); !errors.Is(err, ErrUnsupportedFormat) {
			t.Fatalf("%s: expected ErrUnsupportedFormat, got %v", format, err)
		}
	}
}
