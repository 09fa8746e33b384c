package grpcchecker

import (
	"context"
	"errors"
	"io"
	"net"
	"slices"
	"testing"
	"time"

	"bytemomo/warden/internal/checker"
	"bytemomo/warden/internal/domain"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func serve(t *testing.T, checkers ...domain.Checker) grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	Register(s, quietLogger(), checkers...)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func remote(name string, dialer grpc.DialOption) *Checker {
	return New(domain.RemoteChecker{
		Name:       name,
		Server:     "passthrough:///bufnet",
		Categories: []string{"Kernel"},
		Params:     map[string]any{"min_version": "5.10"},
	}, dialer)
}

var kernel = checker.Func{
	ID:          "kernel",
	Cats:        []string{"Kernel"},
	Description: "Checks the running kernel",
	Fn: func(ctx context.Context, target domain.Target) ([]domain.Finding, error) {
		return []domain.Finding{{
			Category: "Kernel",
			Severity: domain.SeverityHigh,
			Title:    "Outdated kernel on " + target.String(),
			Evidence: map[string]any{
				"min_version": Params(ctx)["min_version"],
				"modules":     []string{"nf_tables", "overlay"},
			},
			References: []string{"CVE-2024-1086"},
		}}, nil
	},
}

func TestRemoteRunRoundTrip(t *testing.T) {
	t.Parallel()

	c := remote("kernel", serve(t, kernel))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	findings, err := c.Run(ctx, domain.Target{Name: "db-1", Address: "10.0.0.7"})
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %+v", findings)
	}
	f := findings[0]
	if f.Severity != domain.SeverityHigh || f.Title != "Outdated kernel on db-1" {
		t.Fatalf("unexpected finding %+v", f)
	}
	if f.Evidence["min_version"] != "5.10" {
		t.Fatalf("params not forwarded: %v", f.Evidence)
	}
	if !slices.Equal(f.References, []string{"CVE-2024-1086"}) {
		t.Fatalf("references lost: %v", f.References)
	}
}

func TestRemoteErrorsMapToCheckerOutcomes(t *testing.T) {
	t.Parallel()

	missing := checker.Func{ID: "missing", Fn: func(context.Context, domain.Target) ([]domain.Finding, error) {
		return nil, domain.Unavailable("missing", "auditd is not installed")
	}}
	broken := checker.Func{ID: "broken", Fn: func(context.Context, domain.Target) ([]domain.Finding, error) {
		return nil, errors.New("parse failure")
	}}
	slow := checker.Func{ID: "slow", Fn: func(ctx context.Context, _ domain.Target) ([]domain.Finding, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	dialer := serve(t, missing, broken, slow)

	_, err := remote("missing", dialer).Run(context.Background(), domain.Target{Name: "x"})
	var u *domain.CheckerUnavailableError
	if !errors.As(err, &u) || u.Reason != "auditd is not installed" {
		t.Fatalf("expected unavailable, got %v", err)
	}

	_, err = remote("broken", dialer).Run(context.Background(), domain.Target{Name: "x"})
	if err == nil || domain.IsUnavailable(err) {
		t.Fatalf("expected fault, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = remote("slow", dialer).Run(ctx, domain.Target{Name: "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	_, err = remote("unknown", dialer).Run(context.Background(), domain.Target{Name: "x"})
	if err == nil {
		t.Fatalf("expected error for unserved checker")
	}
}

func TestMetadata(t *testing.T) {
	t.Parallel()

	d, err := remote("kernel", serve(t, kernel)).Metadata(context.Background())
	if err != nil {
		t.Fatalf("Metadata() returned error: %v", err)
	}
	if d.Name != "kernel" || !slices.Equal(d.Categories, []string{"Kernel"}) || d.Description != "Checks the running kernel" {
		t.Fatalf("unexpected description %+v", d)
	}
}

func TestDialTimeout(t *testing.T) {
	t.Parallel()

	refuse := grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})
	c := New(domain.RemoteChecker{Name: "down", Server: "passthrough:///down", DialTimeout: 50 * time.Millisecond}, refuse)

	start := time.Now()
	_, err := c.Run(context.Background(), domain.Target{Name: "x"})
	if err == nil {
		t.Fatal("expected error for unreachable plugin")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("dial timeout not honoured")
	}
}

func TestRegisterRemote(t *testing.T) {
	t.Parallel()

	reg := checker.NewRegistry()
	specs := []domain.RemoteChecker{
		{Name: "kernel", Server: "localhost:50051", Categories: []string{"Kernel"}},
		{Name: "kernel", Server: "localhost:50052"},
		{Name: "audit", Transport: domain.TransportCLI, Command: "/usr/local/bin/audit"},
	}
	if err := RegisterRemote(reg, specs[:1]); err != nil {
		t.Fatalf("RegisterRemote() returned error: %v", err)
	}
	if err := RegisterRemote(reg, specs[1:2]); err == nil {
		t.Fatal("expected duplicate name to fail")
	}
	if err := RegisterRemote(reg, specs[2:]); err != nil {
		t.Fatalf("RegisterRemote() returned error for cli spec: %v", err)
	}
	if _, ok := reg.Get("audit"); ok {
		t.Fatal("cli specs must be left to the cli transport")
	}
	c, ok := reg.Get("kernel")
	if !ok || checker.Describe(c) != "Remote checker served by localhost:50051" {
		t.Fatalf("unexpected registry entry %v", c)
	}
}
