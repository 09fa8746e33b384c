package domain

import (
	"fmt"
	"net/url"
	"slices"
	"time"
)

// SinkType selects how a notification is encoded and transported.
type SinkType string

const (
	SinkWebhook SinkType = "webhook"
	SinkSlack   SinkType = "slack"
	SinkTeams   SinkType = "teams"
	SinkDiscord SinkType = "discord"
	SinkEmail   SinkType = "email"
	SinkMQTT    SinkType = "mqtt"
)

// Event is what triggers a delivery.
type Event string

const (
	EventScanStarted     Event = "scan.started"
	EventScanCompleted   Event = "scan.completed"
	EventScanFailed      Event = "scan.failed"
	EventScanCancelled   Event = "scan.cancelled"
	EventCriticalFinding Event = "finding.critical"
	EventHighFinding     Event = "finding.high"
	EventTest            Event = "webhook.test"
)

// Sink is a registered delivery destination.
type Sink struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	Type       SinkType          `json:"type" yaml:"type"`
	URL        string            `json:"url" yaml:"url"`
	Events     []Event           `json:"events" yaml:"events"`
	Timeout    time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Secret     string            `json:"-" yaml:"secret,omitempty"`
	Headers    map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Email sinks
	From       string   `json:"from,omitempty" yaml:"from,omitempty"`
	Recipients []string `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password   string   `json:"-" yaml:"password,omitempty"`

	// MQTT sinks
	Topic string `json:"topic,omitempty" yaml:"topic,omitempty"`
	QoS   byte   `json:"qos,omitempty" yaml:"qos,omitempty"`

	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Matches reports whether the sink wants deliveries for e. Test events always
// match an enabled sink.
func (s Sink) Matches(e Event) bool {
	if s.Disabled {
		return false
	}
	if e == EventTest {
		return true
	}
	return slices.Contains(s.Events, e)
}

// Validate checks the fields required by the sink's type.
func (s Sink) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("sink: id is required")
	}
	switch s.Type {
	case SinkWebhook, SinkSlack, SinkTeams, SinkDiscord:
		u, err := url.Parse(s.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("sink %s: invalid url %q", s.ID, s.URL)
		}
	case SinkEmail:
		if s.URL == "" {
			return fmt.Errorf("sink %s: smtp address is required", s.ID)
		}
		if len(s.Recipients) == 0 {
			return fmt.Errorf("sink %s: at least one recipient is required", s.ID)
		}
	case SinkMQTT:
		if s.URL == "" || s.Topic == "" {
			return fmt.Errorf("sink %s: broker url and topic are required", s.ID)
		}
		if s.QoS > 2 {
			return fmt.Errorf("sink %s: qos must be 0, 1 or 2", s.ID)
		}
	default:
		return fmt.Errorf("sink %s: unknown type %q", s.ID, s.Type)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("sink %s: max_retries must not be negative", s.ID)
	}
	return nil
}

// DeliveryStatus is the final outcome of delivering to one sink.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryAttempt records one try against a sink.
type DeliveryAttempt struct {
	Attempt    int           `json:"attempt"`
	At         time.Time     `json:"at"`
	Duration   time.Duration `json:"duration"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Succeeded reports whether the attempt was accepted by the sink.
func (a DeliveryAttempt) Succeeded() bool { return a.Error == "" }

// DeliveryResult is what the notifier reports for one sink. Failures are data,
// never errors returned to the caller.
type DeliveryResult struct {
	DeliveryID string            `json:"delivery_id"`
	SinkID     string            `json:"sink_id"`
	SinkType   SinkType          `json:"sink_type"`
	Event      Event             `json:"event"`
	ScanID     string            `json:"scan_id,omitempty"`
	Status     DeliveryStatus    `json:"status"`
	Attempts   []DeliveryAttempt `json:"attempts"`
	Error      string            `json:"error,omitempty"`
}

// Delivered reports whether one attempt succeeded.
func (d DeliveryResult) Delivered() bool { return d.Status == DeliveryDelivered }

// FailedAttempts counts attempts that did not succeed.
func (d DeliveryResult) FailedAttempts() int {
	n := 0
	for _, a := range d.Attempts {
		if !a.Succeeded() {
			n++
		}
	}
	return n
}

// SinkStats accumulates delivery outcomes per sink.
type SinkStats struct {
	SinkID        string     `json:"sink_id"`
	Deliveries    int        `json:"total_deliveries"`
	Successes     int        `json:"successful_deliveries"`
	Failures      int        `json:"failed_deliveries"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
}

// SuccessRate is the percentage of successful deliveries, 100 when none were made.
func (s SinkStats) SuccessRate() float64 {
	if s.Deliveries == 0 {
		return 100
	}
	return float64(s.Successes) / float64(s.Deliveries) * 100
}
