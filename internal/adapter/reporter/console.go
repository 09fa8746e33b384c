package reporter

import (
	"fmt"
	"sort"
	"strings"

	"bytemomo/warden/internal/domain"

	"github.com/charmbracelet/lipgloss"
)

var (
	styleTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	styleDim   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	stylePass  = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))

	severityStyles = map[domain.Severity]lipgloss.Style{
		domain.SeverityCritical: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF0000")),
		domain.SeverityHigh:     lipgloss.NewStyle().Foreground(lipgloss.Color("#FF8C00")),
		domain.SeverityMedium:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD700")),
		domain.SeverityLow:      lipgloss.NewStyle().Foreground(lipgloss.Color("#32CD32")),
		domain.SeverityInfo:     lipgloss.NewStyle().Foreground(lipgloss.Color("#6C757D")),
	}

	statusStyles = map[domain.ControlStatus]lipgloss.Style{
		domain.ControlPass:    stylePass,
		domain.ControlFail:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		domain.ControlPartial: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA500")),
		domain.ControlSkipped: styleDim,
	}
)

type painter bool

func (p painter) paint(s lipgloss.Style, text string) string {
	if !p {
		return text
	}
	return s.Render(text)
}

func renderConsole(report *domain.Report, color bool) []byte {
	p := painter(color)
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n", p.paint(styleTitle, "Security audit: "+report.Target))
	fmt.Fprintf(&b, "%s\n\n", p.paint(styleDim, fmt.Sprintf("scan %s  started %s  duration %s",
		orDash(report.ScanID), report.StartedAt.UTC().Format("2006-01-02 15:04:05 UTC"), report.Duration().Round(1e6))))

	summary := report.Summary()
	fmt.Fprintf(&b, "Findings: %d  Risk score: %d/100\n", summary.Total, report.RiskScore())
	for _, sev := range domain.Severities {
		fmt.Fprintf(&b, "  %-9s %d\n", p.paint(severityStyles[sev], string(sev)), summary.BySeverity[sev])
	}
	b.WriteString("\n")

	if len(report.Findings) == 0 {
		fmt.Fprintf(&b, "%s\n", p.paint(stylePass, "No findings."))
	}
	for i, f := range report.Findings {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, p.paint(severityStyles[f.Severity], string(f.Severity)), f.Title)
		fmt.Fprintf(&b, "   %s\n", p.paint(styleDim, f.Category+" / "+f.Checker))
		if f.Description != "" {
			fmt.Fprintf(&b, "   %s\n", f.Description)
		}
		if f.Recommendation != "" {
			fmt.Fprintf(&b, "   Fix: %s\n", f.Recommendation)
		}
	}

	if faults := report.Faults(); len(faults) > 0 {
		fmt.Fprintf(&b, "\n%s\n", p.paint(styleTitle, "Checker errors"))
		for _, c := range faults {
			fmt.Fprintf(&b, "  %s: %s\n", c.Name, c.Error)
		}
	}

	if len(report.Compliance) > 0 {
		fmt.Fprintf(&b, "\n%s\n", p.paint(styleTitle, "Compliance"))
		for _, name := range sortedKeys(report.Compliance) {
			cov := report.Coverage[name]
			fmt.Fprintf(&b, "  %s: %s (pass %d, fail %d, partial %d, skipped %d)\n",
				name, cov.Level, cov.Passed, cov.Failed, cov.Partial, cov.Skipped)
			controls := report.Compliance[name]
			for _, id := range sortedKeys(controls) {
				if controls[id] == domain.ControlPass {
					continue
				}
				fmt.Fprintf(&b, "    %-10s %s\n", id, p.paint(statusStyles[controls[id]], string(controls[id])))
			}
		}
	}

	return []byte(b.String())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
