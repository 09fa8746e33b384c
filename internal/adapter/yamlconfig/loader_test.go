package yamlconfig

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"bytemomo/warden/internal/domain"

	"github.com/sirupsen/logrus"
)

const sample = `
max_concurrent_scans: 2
command_timeout: 10s
severity_filter: medium
excluded_checks: [network_ports]
frameworks:
  SOC_2: false
frameworks_dir: frameworks
storage:
  dir: /var/lib/warden
checkers:
  web_server:
    url: https://intranet.local
sinks:
  - id: ops
    type: webhook
    url: https://hooks.example.com/warden
    secret: ${WARDEN_TEST_SECRET}
    events: [scan.completed, finding.critical]
`

func TestParseAppliesDefaultsAndEnv(t *testing.T) {
	t.Setenv("WARDEN_TEST_SECRET", "s3cret")

	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse() returned error: %v", err)
	}

	if cfg.MaxConcurrentScans != 2 || cfg.CommandTimeout != 10*time.Second {
		t.Fatalf("explicit values lost: %+v", cfg)
	}
	if cfg.MaxQueue != 100 || cfg.DefaultTimeout != 300*time.Second || cfg.MaxWorkers != 4 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.SeverityFilter != domain.SeverityMedium {
		t.Fatalf("severity not parsed case-insensitively: %q", cfg.SeverityFilter)
	}
	if cfg.FrameworkEnabled("SOC_2") || !cfg.FrameworkEnabled("PCI_DSS") {
		t.Fatalf("framework flags wrong: %v", cfg.Frameworks)
	}
	if len(cfg.Sinks) != 1 || cfg.Sinks[0].Secret != "s3cret" {
		t.Fatalf("env not expanded in sinks: %+v", cfg.Sinks)
	}
	if cfg.Sinks[0].MaxRetries != 3 || cfg.Sinks[0].Timeout != 30*time.Second {
		t.Fatalf("sink defaults not applied: %+v", cfg.Sinks[0])
	}
	if cfg.CheckerParams("web_server")["url"] != "https://intranet.local" {
		t.Fatalf("checker params lost: %v", cfg.Checkers)
	}
}

func TestParseEmptyYieldsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse() returned error: %v", err)
	}
	if cfg.MaxConcurrentScans != domain.DefaultConfig().MaxConcurrentScans {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"unknown key":       "max_concurent_scans: 3\n",
		"bad severity":      "severity_filter: urgent\n",
		"timeouts inverted": "command_timeout: 10m\ndefault_timeout: 1m\n",
		"bad sink":          "sinks:\n  - id: x\n    type: pager\n",
		"duplicate sinks":   "sinks:\n  - {id: a, type: webhook, url: 'http://a'}\n  - {id: a, type: webhook, url: 'http://b'}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Fatalf("expected error for %q", doc)
			}
		})
	}
}

func TestLoadResolvesRelativeDirs(t *testing.T) {
	t.Setenv("WARDEN_TEST_SECRET", "x")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "warden.yaml"), []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader(dir).Load("warden.yaml")
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.FrameworksDir != filepath.Join(dir, "frameworks") {
		t.Fatalf("frameworks_dir not resolved: %s", cfg.FrameworksDir)
	}
	if cfg.Storage.Dir != "/var/lib/warden" {
		t.Fatalf("absolute storage dir changed: %s", cfg.Storage.Dir)
	}

	if _, err := NewLoader(dir).Load("missing.yaml"); err == nil || !strings.Contains(err.Error(), "missing.yaml") {
		t.Fatalf("expected read error naming the file, got %v", err)
	}
}

func TestWatcherReloadsValidRevisions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "warden.yaml")
	if err := os.WriteFile(path, []byte("max_workers: 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	changes := make(chan domain.Config, 16)
	w := &Watcher{
		Path:     path,
		Debounce: 20 * time.Millisecond,
		OnChange: func(cfg domain.Config) { changes <- cfg },
		Log:      logrus.NewEntry(logger),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("max_workers: [\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("max_workers: 7\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for reloaded := false; !reloaded; {
		select {
		case cfg := <-changes:
			reloaded = cfg.MaxWorkers == 7
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
}
