package reporter

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"bytemomo/warden/internal/domain"

	"github.com/mattn/go-isatty"
)

// ErrUnsupportedFormat is returned for formats this build cannot render.
var ErrUnsupportedFormat = errors.New("unsupported report format")

// Formats lists the formats Render accepts.
var Formats = []string{"console", "json", "csv", "html"}

// Reporter renders reports. Findings below Filter are hidden from the output;
// the report itself is not changed.
type Reporter struct {
	Filter domain.Severity
	Color  bool
}

var _ domain.ReportWriter = (*Reporter)(nil)

// New returns a reporter hiding findings below filter. Console colour is
// enabled when stdout is a terminal.
func New(filter domain.Severity) *Reporter {
	fd := os.Stdout.Fd()
	return &Reporter{
		Filter: filter,
		Color:  isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
	}
}

// Render produces the report in format.
func (r *Reporter) Render(report *domain.Report, format string) ([]byte, error) {
	if report == nil {
		return nil, fmt.Errorf("render: report is nil")
	}
	view := report
	if r.Filter.Valid() {
		view = report.Filtered(r.Filter)
	}

	switch strings.ToLower(format) {
	case "", "console", "text":
		return renderConsole(view, r.Color), nil
	case "json":
		return renderJSON(view)
	case "csv":
		return renderCSV(view)
	case "html":
		return renderHTML(view)
	case "pdf":
		return nil, fmt.Errorf("%w: pdf", ErrUnsupportedFormat)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// ContentType is the MIME type served for format.
func ContentType(format string) string {
	switch strings.ToLower(format) {
	case "json":
		return "application/json"
	case "csv":
		return "text/csv; charset=utf-8"
	case "html":
		return "text/html; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Extension is the file suffix used when writing format to disk.
func Extension(format string) string {
	switch strings.ToLower(format) {
	case "json", "csv", "html":
		return "." + strings.ToLower(format)
	default:
		return ".txt"
	}
}
