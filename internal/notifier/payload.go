package notifier

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bytemomo/warden/internal/adapter/reporter"
	"bytemomo/warden/internal/domain"
)

// Message is what the orchestrator asks the notifier to deliver.
type Message struct {
	Event domain.Event
	// Scan is nil for test deliveries.
	Scan *domain.Scan
	// Artifacts maps a format to where the rendered report can be fetched.
	Artifacts map[string]string
	At        time.Time
}

// Payload is the JSON body of webhook and MQTT deliveries. The canonical
// report fields are inlined when the scan has a report.
type Payload struct {
	Event      domain.Event      `json:"event"`
	DeliveryID string            `json:"delivery_id"`
	Timestamp  string            `json:"timestamp"`
	ScanID     string            `json:"scan_id,omitempty"`
	Target     string            `json:"target,omitempty"`
	Status     domain.ScanState  `json:"status,omitempty"`
	Error      string            `json:"error,omitempty"`
	Message    string            `json:"message,omitempty"`
	Truncated  bool              `json:"truncated,omitempty"`
	Artifacts  map[string]string `json:"artifacts,omitempty"`

	*reporter.Canonical
}

// Envelope is an encoded payload ready for a transport.
type Envelope struct {
	DeliveryID  string
	Event       domain.Event
	Attempt     int
	Subject     string
	ContentType string
	Body        []byte
}

// BuildPayload assembles the payload for msg, keeping at most maxFindings findings.
func BuildPayload(msg Message, deliveryID string, maxFindings int) Payload {
	at := msg.At
	if at.IsZero() {
		at = time.Now()
	}
	p := Payload{
		Event:      msg.Event,
		DeliveryID: deliveryID,
		Timestamp:  at.UTC().Format(time.RFC3339),
		Artifacts:  msg.Artifacts,
	}
	if msg.Event == domain.EventTest {
		p.Message = "This is a test delivery from " + domain.ToolName
	}

	s := msg.Scan
	if s == nil {
		return p
	}
	p.ScanID = s.ID
	p.Target = s.Target.String()
	p.Status = s.State
	if s.Error != nil {
		p.Error = s.Error.Error()
	}
	if s.Report != nil {
		doc := reporter.NewCanonical(s.Report)
		if maxFindings > 0 && len(doc.Findings) > maxFindings {
			doc.Findings = doc.Findings[:maxFindings]
			p.Truncated = true
		}
		p.Canonical = &doc
	}
	return p
}

// Encode renders p in the format sink expects.
func Encode(sink domain.Sink, p Payload) (Envelope, error) {
	env := Envelope{
		DeliveryID:  p.DeliveryID,
		Event:       p.Event,
		Subject:     subject(p),
		ContentType: "application/json",
	}

	var body any
	switch sink.Type {
	case domain.SinkWebhook, domain.SinkMQTT:
		body = p
	case domain.SinkSlack:
		body = slackBody(p)
	case domain.SinkTeams:
		body = teamsBody(p)
	case domain.SinkDiscord:
		body = discordBody(p)
	case domain.SinkEmail:
		env.ContentType = "text/plain; charset=utf-8"
		env.Body = []byte(plainText(p))
		return env, nil
	default:
		return env, fmt.Errorf("unknown sink type %q", sink.Type)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return env, fmt.Errorf("failed to marshal payload: %w", err)
	}
	env.Body = data
	return env, nil
}

func counts(p Payload) (critical, high, total int) {
	if p.Canonical == nil {
		return 0, 0, 0
	}
	by := p.Canonical.Summary.BySeverity
	return by[string(domain.SeverityCritical)], by[string(domain.SeverityHigh)], p.Canonical.Summary.Total
}

func eventLabel(e domain.Event) string {
	label := strings.TrimPrefix(string(e), "scan.")
	label = strings.ReplaceAll(label, ".", " ")
	if label == "" {
		return ""
	}
	return strings.ToUpper(label[:1]) + label[1:]
}

func statusLabel(p Payload) string {
	if p.Status == "" {
		return "N/A"
	}
	s := string(p.Status)
	return strings.ToUpper(s[:1]) + s[1:]
}

func targetLabel(p Payload) string {
	if p.Target == "" {
		return "N/A"
	}
	return p.Target
}

func subject(p Payload) string {
	critical, high, _ := counts(p)
	s := fmt.Sprintf("[%s] Security scan %s: %s", domain.ToolName, eventLabel(p.Event), targetLabel(p))
	if critical+high > 0 {
		s += fmt.Sprintf(" (%d critical, %d high)", critical, high)
	}
	return s
}

func plainText(p Payload) string {
	critical, high, total := counts(p)
	var b strings.Builder
	fmt.Fprintf(&b, "Event:     %s\n", p.Event)
	fmt.Fprintf(&b, "Delivery:  %s\n", p.DeliveryID)
	fmt.Fprintf(&b, "Time:      %s\n", p.Timestamp)
	if p.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", p.Message)
		return b.String()
	}
	fmt.Fprintf(&b, "Scan:      %s\n", p.ScanID)
	fmt.Fprintf(&b, "Target:    %s\n", targetLabel(p))
	fmt.Fprintf(&b, "Status:    %s\n", statusLabel(p))
	if p.Error != "" {
		fmt.Fprintf(&b, "Error:     %s\n", p.Error)
	}
	fmt.Fprintf(&b, "Findings:  %d (%d critical, %d high)\n", total, critical, high)
	if p.Canonical != nil {
		b.WriteString("\n")
		for _, f := range p.Canonical.Findings {
			fmt.Fprintf(&b, "- [%s] %s (%s)\n", f.Severity, f.Title, f.Category)
		}
		if p.Truncated {
			b.WriteString("- ...\n")
		}
	}
	for format, loc := range p.Artifacts {
		fmt.Fprintf(&b, "Report (%s): %s\n", format, loc)
	}
	return b.String()
}

func slackBody(p Payload) map[string]any {
	critical, high, _ := counts(p)
	color := "#6c757d"
	switch {
	case critical > 0:
		color = "#ff0000"
	case high > 0:
		color = "#ff8c00"
	case p.Status == domain.ScanCompleted:
		color = "#28a745"
	}
	return map[string]any{
		"text": "Security scan " + eventLabel(p.Event),
		"attachments": []map[string]any{{
			"color": color,
			"fields": []map[string]any{
				{"title": "Target", "value": targetLabel(p), "short": true},
				{"title": "Status", "value": statusLabel(p), "short": true},
				{"title": "Critical Issues", "value": fmt.Sprint(critical), "short": true},
				{"title": "High Issues", "value": fmt.Sprint(high), "short": true},
			},
		}},
	}
}

func teamsBody(p Payload) map[string]any {
	critical, high, _ := counts(p)
	color := "28A745"
	switch {
	case critical > 0:
		color = "FF0000"
	case high > 0:
		color = "FFA500"
	}
	return map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": color,
		"summary":    "Security scan " + string(p.Event),
		"sections": []map[string]any{{
			"activityTitle":    "Security Scan",
			"activitySubtitle": "Event: " + eventLabel(p.Event),
			"facts": []map[string]string{
				{"name": "Target", "value": targetLabel(p)},
				{"name": "Status", "value": statusLabel(p)},
				{"name": "Critical Issues", "value": fmt.Sprint(critical)},
				{"name": "High Issues", "value": fmt.Sprint(high)},
				{"name": "Timestamp", "value": p.Timestamp},
			},
		}},
	}
}

func discordBody(p Payload) map[string]any {
	critical, high, _ := counts(p)
	color := 7105644
	switch {
	case critical > 0:
		color = 16711680
	case high > 0:
		color = 16753920
	case p.Status == domain.ScanCompleted:
		color = 2664261
	}
	return map[string]any{
		"embeds": []map[string]any{{
			"title":       "Security Scan",
			"description": "Event: " + eventLabel(p.Event),
			"color":       color,
			"fields": []map[string]any{
				{"name": "Target", "value": targetLabel(p), "inline": true},
				{"name": "Status", "value": statusLabel(p), "inline": true},
				{"name": "Critical Issues", "value": fmt.Sprint(critical), "inline": true},
				{"name": "High Issues", "value": fmt.Sprint(high), "inline": true},
			},
			"timestamp": p.Timestamp,
			"footer":    map[string]string{"text": domain.ToolName},
		}},
	}
}
