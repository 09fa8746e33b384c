package reporter

import (
	"bytes"
	"html/template"
	"strings"

	"bytemomo/warden/internal/domain"
)

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"lower": func(s domain.Severity) string { return strings.ToLower(string(s)) },
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Security audit: {{.Report.Target}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; width: 100%; }
td, th { border: 1px solid #ddd; padding: 4px 8px; text-align: left; }
.critical { color: #ff0000; font-weight: bold; }
.high { color: #ff8c00; }
.medium { color: #b8860b; }
.low { color: #32cd32; }
.info { color: #6c757d; }
</style>
</head>
<body>
<h1>Security audit: {{.Report.Target}}</h1>
<p>Scan {{.Report.ScanID}} started {{.Report.StartedAt.UTC.Format "2006-01-02 15:04:05 UTC"}}. Risk score {{.Report.RiskScore}}/100.</p>
<h2>Summary</h2>
<table>
<tr>{{range .Severities}}<th class="{{lower .}}">{{.}}</th>{{end}}<th>Total</th></tr>
<tr>{{range .Severities}}<td>{{index $.Summary.BySeverity .}}</td>{{end}}<td>{{.Summary.Total}}</td></tr>
</table>
<h2>Findings</h2>
{{if .Report.Findings}}<table>
<tr><th>Severity</th><th>Category</th><th>Title</th><th>Description</th><th>Recommendation</th></tr>
{{range .Report.Findings}}<tr><td class="{{lower .Severity}}">{{.Severity}}</td><td>{{.Category}}</td><td>{{.Title}}</td><td>{{.Description}}</td><td>{{.Recommendation}}</td></tr>
{{end}}</table>{{else}}<p>No findings.</p>{{end}}
{{with .Faults}}<h2>Checker errors</h2>
<ul>{{range .}}<li>{{.Name}}: {{.Error}}</li>{{end}}</ul>{{end}}
{{if .Report.Compliance}}<h2>Compliance</h2>
{{range $name, $controls := .Report.Compliance}}<h3>{{$name}} ({{(index $.Report.Coverage $name).Level}})</h3>
<table>
<tr><th>Control</th><th>Status</th></tr>
{{range $id, $status := $controls}}<tr><td>{{$id}}</td><td>{{$status}}</td></tr>
{{end}}</table>
{{end}}{{end}}
</body>
</html>
`))

func renderHTML(report *domain.Report) ([]byte, error) {
	var buf bytes.Buffer
	err := htmlTemplate.Execute(&buf, struct {
		Report     *domain.Report
		Summary    domain.Summary
		Severities []domain.Severity
		Faults     []domain.CheckerRun
	}{
		Report:     report,
		Summary:    report.Summary(),
		Severities: domain.Severities,
		Faults:     report.Faults(),
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
