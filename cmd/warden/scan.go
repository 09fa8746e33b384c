package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"bytemomo/warden/internal/adapter/reporter"
	"bytemomo/warden/internal/domain"
	"bytemomo/warden/internal/engine"
	"bytemomo/warden/internal/notifier"
	"bytemomo/warden/internal/orchestrator"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Exit codes of `warden scan`.
const (
	exitClean    = 0
	exitFailure  = 1
	exitFindings = 2
)

type scanOptions struct {
	target     string
	address    string
	root       string
	format     string
	out        string
	exclude    []string
	include    []string
	frameworks []string
	timeout    time.Duration
}

func newScanCmd() *cobra.Command {
	var opts scanOptions
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a one-shot scan and print the report",
		Long: `Run every enabled checker against one target and render the report.

Exit status is 0 when no CRITICAL or HIGH finding was raised, 2 when at least
one was, and 1 when the scan itself failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.target, "target", "t", "localhost", "Target name used in reports")
	f.StringVar(&opts.address, "address", "", "Host or IP for network checkers (default: --target)")
	f.StringVar(&opts.root, "root", "/", "Filesystem root for local checkers")
	f.StringVarP(&opts.format, "format", "f", "console", "Report format: "+strings.Join(reporter.Formats, ", "))
	f.StringVarP(&opts.out, "out", "o", "", "Write the report to this file instead of stdout")
	f.StringSliceVar(&opts.exclude, "exclude", nil, "Checkers to skip")
	f.StringSliceVar(&opts.include, "only", nil, "Run only these checkers")
	f.StringSliceVar(&opts.frameworks, "frameworks", nil, "Compliance frameworks to evaluate (default: all enabled)")
	f.DurationVar(&opts.timeout, "timeout", 0, "Overall scan timeout (default: from config)")
	return cmd
}

func runScan(cmd *cobra.Command, opts scanOptions) error {
	if !slices.Contains(reporter.Formats, strings.ToLower(opts.format)) {
		return &exitError{code: exitFailure, err: fmt.Errorf("%w: %q", reporter.ErrUnsupportedFormat, opts.format)}
	}

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}
	closeLog, err := setupLogging(cfg, false)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}
	defer closeLog()

	address := opts.address
	if address == "" {
		address = opts.target
	}
	target := domain.Target{Name: opts.target, Address: address, Root: opts.root}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scan, err := executeScan(ctx, cfg, target, opts)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}
	if scan.Report == nil {
		msg := fmt.Sprintf("scan %s", scan.State)
		if scan.Error != nil {
			msg += ": " + scan.Error.Error()
		}
		return &exitError{code: exitFailure, err: errors.New(msg)}
	}

	rep := reporter.New(cfg.SeverityFilter)
	if opts.out != "" {
		rep.Color = false
	}
	data, err := rep.Render(scan.Report, opts.format)
	if err != nil {
		return &exitError{code: exitFailure, err: err}
	}
	if opts.out == "" {
		_, err = cmd.OutOrStdout().Write(data)
	} else {
		err = os.WriteFile(opts.out, data, 0o644)
	}
	if err != nil {
		return &exitError{code: exitFailure, err: fmt.Errorf("write report: %w", err)}
	}

	if scan.State != domain.ScanCompleted {
		return &exitError{code: exitFailure, err: fmt.Errorf("scan %s", scan.State)}
	}
	if sev := scan.Report.HighestSeverity(); sev == domain.SeverityCritical || sev == domain.SeverityHigh {
		return &exitError{code: exitFindings}
	}
	return nil
}

// executeScan runs one scan through a single-slot orchestrator so the CLI
// shares the service's timeout, compliance and notification handling.
func executeScan(ctx context.Context, cfg domain.Config, target domain.Target, opts scanOptions) (*domain.Scan, error) {
	cfg.ExcludedChecks = append(cfg.ExcludedChecks, opts.exclude...)
	cfg.MaxConcurrentScans = 1

	reg, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}
	catalog, err := buildCatalog(cfg)
	if err != nil {
		return nil, err
	}
	n, err := notifier.New(log.WithField("component", "notifier"), cfg)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(log.WithField("component", "orchestrator"), cfg, engine.New(log.WithField("component", "engine"), cfg), reg)
	orch.Catalog = catalog
	orch.Notifier = n
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.WebhookTimeout*time.Duration(max(1, cfg.MaxRetries))+5*time.Second)
		defer cancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Notifications still pending at exit")
		}
	}()

	scan, err := orch.Submit(ctx, orchestrator.Request{
		Target:     target,
		Filter:     domain.CheckerFilter{Include: opts.include},
		Frameworks: opts.frameworks,
		CreatedBy:  currentUser(),
		Timeout:    opts.timeout,
	})
	if err != nil {
		return nil, err
	}

	done, err := orch.Wait(ctx, scan.ID)
	if err != nil {
		// Interrupted: cancel and collect the partial report.
		if _, cerr := orch.Cancel(scan.ID); cerr != nil && !errors.Is(cerr, domain.ErrInvalidTransition) {
			return nil, cerr
		}
		return orch.Get(scan.ID)
	}
	return done, nil
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}
