package reporter

import (
	"bytes"
	"encoding/csv"
	"strings"

	"bytemomo/warden/internal/domain"
)

var csvHeader = []string{"severity", "category", "checker", "title", "description", "recommendation", "framework_tags", "kind"}

// renderCSV writes one row per finding, then one row per checker fault so a
// spreadsheet shows which checkers never reported.

func renderCSV(report *domain.Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	for _, f := range report.Findings {
		row := []string{
			string(f.Severity),
			f.Category,
			f.Checker,
			f.Title,
			f.Description,
			f.Recommendation,
			strings.Join(f.FrameworkTags, ";"),
			string(kindOf(f)),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	for _, c := range report.Faults() {
		row := []string{
			"",
			domain.CategoryCheckerHealth,
			c.Name,
			"Checker failed",
			c.Error,
			"Fix the checker or its plugin and rescan",
			"",
			string(domain.KindFault),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func kindOf(f domain.Finding) domain.FindingKind {
	if f.Kind == "" {
		return domain.KindObservation
	}
	return f.Kind
}
