package grpcchecker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bytemomo/warden/internal/checker"
	"bytemomo/warden/internal/domain"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Checker is a domain.Checker whose Run happens on a remote plugin server.
type Checker struct {
	Spec        domain.RemoteChecker
	DialOptions []grpc.DialOption
}

var _ domain.Checker = (*Checker)(nil)

// New returns a remote checker for spec.
func New(spec domain.RemoteChecker, opts ...grpc.DialOption) *Checker {
	return &Checker{Spec: spec, DialOptions: opts}
}

func (c *Checker) Name() string         { return c.Spec.Name }
func (c *Checker) Categories() []string { return c.Spec.Categories }
func (c *Checker) Describe() string     { return "Remote checker served by " + c.Spec.Server }

func (c *Checker) dial() (*grpc.ClientConn, error) {
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, c.DialOptions...)
	conn, err := grpc.NewClient(c.Spec.Server, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.Spec.Server, err)
	}
	return conn, nil
}

// Run sends the target to the plugin server. A plugin that reports the
// facility missing yields a CheckerUnavailableError; transport failures are
// checker faults.
func (c *Checker) Run(ctx context.Context, target domain.Target) ([]domain.Finding, error) {
	conn, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := RunRequest{Checker: c.Spec.Name, Target: target, Params: c.Spec.Params}
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutMs = max(1, time.Until(deadline).Milliseconds())
	}
	in, err := toStruct(req)
	if err != nil {
		return nil, err
	}

	if c.Spec.DialTimeout > 0 {
		// DialTimeout bounds only the wait for the plugin server.
		connectCtx, cancel := context.WithTimeout(ctx, c.Spec.DialTimeout)
		defer cancel()
		conn.Connect()
		if err := waitReady(connectCtx, conn); err != nil {
			return nil, fmt.Errorf("plugin %s not reachable: %w", c.Spec.Server, err)
		}
	}

	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, runMethod, in, out); err != nil {
		if s, ok := status.FromError(err); ok {
			switch s.Code() {
			case codes.DeadlineExceeded:
				return nil, fmt.Errorf("remote run: %w", context.DeadlineExceeded)
			case codes.Canceled:
				return nil, fmt.Errorf("remote run: %w", context.Canceled)
			}
		}
		return nil, fmt.Errorf("remote run: %w", err)
	}

	var resp RunResponse
	if err := fromStruct(out, &resp); err != nil {
		return nil, err
	}
	if resp.Unavailable != "" {
		return nil, domain.Unavailable(c.Spec.Name, resp.Unavailable)
	}
	return resp.Findings, nil
}

// Metadata asks the plugin server to describe the checker.
func (c *Checker) Metadata(ctx context.Context) (Description, error) {
	conn, err := c.dial()
	if err != nil {
		return Description{}, err
	}
	defer conn.Close()

	in, err := structpb.NewStruct(map[string]any{"checker": c.Spec.Name})
	if err != nil {
		return Description{}, err
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, describeMethod, in, out); err != nil {
		return Description{}, fmt.Errorf("describe: %w", err)
	}
	var d Description
	if err := fromStruct(out, &d); err != nil {
		return Description{}, err
	}
	return d, nil
}

// Supports reports whether spec is served over gRPC.
func Supports(spec domain.RemoteChecker) bool {
	return spec.TransportOrDefault() == domain.TransportGRPC
}

// RegisterRemote adds a Checker to reg for every gRPC spec. Specs for other
// transports are skipped.
func RegisterRemote(reg *checker.Registry, specs []domain.RemoteChecker, opts ...grpc.DialOption) error {
	for _, spec := range specs {
		if !Supports(spec) {
			continue
		}
		if err := reg.Register(New(spec, opts...)); err != nil {
			return fmt.Errorf("remote checker %s: %w", spec.Name, err)
		}
	}
	return nil
}

var errShutdown = errors.New("connection shut down")

func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errShutdown
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}
