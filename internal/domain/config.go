package domain

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full set of recognised options. Zero values mean "use the
// default"; call Merge(DefaultConfig()) before use.
type Config struct {
	// MaxConcurrentScans bounds scans in the Running state.
	// Default: 5
	MaxConcurrentScans int `yaml:"max_concurrent_scans,omitempty"`

	// MaxQueue bounds scans waiting in the Queued state.
	// Default: 100
	MaxQueue int `yaml:"max_queue,omitempty"`

	// DefaultTimeout is the per-scan limit enforced by the reaper.
	// Default: 300s
	DefaultTimeout time.Duration `yaml:"default_timeout,omitempty"`

	// CommandTimeout is the per-checker limit.
	// Default: 30s
	CommandTimeout time.Duration `yaml:"command_timeout,omitempty"`

	// MaxWorkers bounds concurrent checkers inside one scan.
	// Default: 4
	MaxWorkers int `yaml:"max_workers,omitempty"`

	// WebhookTimeout is the per-attempt delivery limit for sinks without one.
	// Default: 30s
	WebhookTimeout time.Duration `yaml:"webhook_timeout,omitempty"`

	// MaxRetries is the total attempt budget for sinks without one.
	// Default: 3
	MaxRetries int `yaml:"max_retries,omitempty"`

	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	// Default: 1s
	RetryBaseDelay time.Duration `yaml:"retry_base_delay,omitempty"`

	// RetryMaxDelay caps a single backoff delay.
	// Default: 30s
	RetryMaxDelay time.Duration `yaml:"retry_max_delay,omitempty"`

	// MaxFindings truncates the finding list carried in webhook payloads.
	// Default: 50
	MaxFindings int `yaml:"max_findings,omitempty"`

	// SeverityFilter hides findings below it in rendered output only.
	// Default: INFO
	SeverityFilter Severity `yaml:"severity_filter,omitempty"`

	// ExcludedChecks are never executed.
	ExcludedChecks []string `yaml:"excluded_checks,omitempty"`

	// Frameworks enables or disables compliance frameworks by name. Absent
	// frameworks are enabled.
	Frameworks map[string]bool `yaml:"frameworks,omitempty"`

	// FrameworksDir holds extra framework tables in YAML.
	FrameworksDir string `yaml:"frameworks_dir,omitempty"`

	// ComplianceThreshold is the lowest severity that fails a control.
	// Default: LOW
	ComplianceThreshold Severity `yaml:"compliance_threshold,omitempty"`

	// Checkers carries per-checker parameters keyed by checker name.
	Checkers map[string]map[string]any `yaml:"checkers,omitempty"`

	// Remote declares checkers served by gRPC plugins.
	Remote []RemoteChecker `yaml:"remote_checkers,omitempty"`

	Sinks   []Sink        `yaml:"sinks,omitempty"`
	Storage StorageConfig `yaml:"storage,omitempty"`
	API     APIConfig     `yaml:"api,omitempty"`
	Log     LogConfig     `yaml:"log,omitempty"`
}

// Plugin transports.
const (
	TransportGRPC = "grpc"
	TransportCLI  = "cli"
)

// RemoteChecker is a checker implemented out of process, either by a gRPC
// plugin server or by an executable speaking JSON on stdout.
type RemoteChecker struct {
	Name string `yaml:"name"`
	// Transport is "grpc" (default) or "cli".
	Transport  string         `yaml:"transport,omitempty"`
	Categories []string       `yaml:"categories"`
	Params     map[string]any `yaml:"params,omitempty"`

	// gRPC plugins
	Server      string        `yaml:"server,omitempty"`
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty"`

	// CLI plugins
	Command string   `yaml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty"`
}

// TransportOrDefault returns Transport, defaulting to gRPC.
func (r RemoteChecker) TransportOrDefault() string {
	if r.Transport == "" {
		return TransportGRPC
	}
	return strings.ToLower(r.Transport)
}

// StorageConfig selects where scan records are persisted. An empty Dir keeps
// scans in memory only.
type StorageConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// APIConfig controls the service listener.
type APIConfig struct {
	// Listen address. Default: 127.0.0.1:8080
	Listen string `yaml:"listen,omitempty"`
	// MaxConnections bounds concurrent client connections. Default: 64
	MaxConnections int `yaml:"max_connections,omitempty"`
}

// LogConfig controls logrus.
type LogConfig struct {
	Level string `yaml:"level,omitempty"`
	File  string `yaml:"file,omitempty"`
}

// DefaultConfig returns the defaults used when a value is not set.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentScans:  5,
		MaxQueue:            100,
		DefaultTimeout:      300 * time.Second,
		CommandTimeout:      30 * time.Second,
		MaxWorkers:          4,
		WebhookTimeout:      30 * time.Second,
		MaxRetries:          3,
		RetryBaseDelay:      time.Second,
		RetryMaxDelay:       30 * time.Second,
		MaxFindings:         50,
		SeverityFilter:      SeverityInfo,
		ComplianceThreshold: SeverityLow,
		API: APIConfig{
			Listen:         "127.0.0.1:8080",
			MaxConnections: 64,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Merge combines this config with defaults, preferring explicit values.
func (c *Config) Merge(defaults Config) Config {
	result := *c

	if result.MaxConcurrentScans <= 0 {
		result.MaxConcurrentScans = defaults.MaxConcurrentScans
	}
	if result.MaxQueue <= 0 {
		result.MaxQueue = defaults.MaxQueue
	}
	if result.DefaultTimeout <= 0 {
		result.DefaultTimeout = defaults.DefaultTimeout
	}
	if result.CommandTimeout <= 0 {
		result.CommandTimeout = defaults.CommandTimeout
	}
	if result.MaxWorkers <= 0 {
		result.MaxWorkers = defaults.MaxWorkers
	}
	if result.WebhookTimeout <= 0 {
		result.WebhookTimeout = defaults.WebhookTimeout
	}
	if result.MaxRetries <= 0 {
		result.MaxRetries = defaults.MaxRetries
	}
	if result.RetryBaseDelay <= 0 {
		result.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if result.RetryMaxDelay <= 0 {
		result.RetryMaxDelay = defaults.RetryMaxDelay
	}
	if result.MaxFindings <= 0 {
		result.MaxFindings = defaults.MaxFindings
	}
	if result.SeverityFilter == "" {
		result.SeverityFilter = defaults.SeverityFilter
	}
	if result.ComplianceThreshold == "" {
		result.ComplianceThreshold = defaults.ComplianceThreshold
	}
	if result.API.Listen == "" {
		result.API.Listen = defaults.API.Listen
	}
	if result.API.MaxConnections <= 0 {
		result.API.MaxConnections = defaults.API.MaxConnections
	}
	if result.Log.Level == "" {
		result.Log.Level = defaults.Log.Level
	}

	for i := range result.Sinks {
		if result.Sinks[i].Timeout <= 0 {
			result.Sinks[i].Timeout = result.WebhookTimeout
		}
		if result.Sinks[i].MaxRetries <= 0 {
			result.Sinks[i].MaxRetries = result.MaxRetries
		}
	}

	return result
}

// Validate checks cross-field constraints. It expects a merged config.
func (c *Config) Validate() error {
	if c.MaxConcurrentScans < 1 {
		return fmt.Errorf("max_concurrent_scans must be at least 1")
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1")
	}
	if c.CommandTimeout >= c.DefaultTimeout {
		return fmt.Errorf("command_timeout (%s) must be shorter than default_timeout (%s)", c.CommandTimeout, c.DefaultTimeout)
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry_max_delay must not be shorter than retry_base_delay")
	}
	if !c.SeverityFilter.Valid() {
		return fmt.Errorf("invalid severity_filter %q", c.SeverityFilter)
	}
	if !c.ComplianceThreshold.Valid() {
		return fmt.Errorf("invalid compliance_threshold %q", c.ComplianceThreshold)
	}

	seen := map[string]struct{}{}
	for _, s := range c.Sinks {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate sink id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	for i, r := range c.Remote {
		if r.Name == "" {
			return fmt.Errorf("remote_checkers[%d]: name is required", i)
		}
		switch r.TransportOrDefault() {
		case TransportGRPC:
			if r.Server == "" {
				return fmt.Errorf("remote_checkers[%d]: server is required", i)
			}
		case TransportCLI:
			if r.Command == "" {
				return fmt.Errorf("remote_checkers[%d]: command is required", i)
			}
		default:
			return fmt.Errorf("remote_checkers[%d]: unknown transport %q", i, r.Transport)
		}
	}
	return nil
}

// FrameworkEnabled reports whether name is enabled. Frameworks not listed are on.
func (c *Config) FrameworkEnabled(name string) bool {
	enabled, ok := c.Frameworks[name]
	return !ok || enabled
}

// CheckerParams returns the parameter map configured for a checker.
func (c *Config) CheckerParams(name string) map[string]any {
	if p, ok := c.Checkers[name]; ok && p != nil {
		return p
	}
	return map[string]any{}
}
