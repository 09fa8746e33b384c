package cliplugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"time"

	"bytemomo/warden/internal/checker"
	"bytemomo/warden/internal/domain"
)

// Client runs a checker implemented as an executable. Every executable with
// the following interface is accepted:
//
//	./plugin <args> --target <NAME> --address <ADDR> --root <ROOT> <OTHER_PARAMS>
//
// OTHER_PARAMS come from the checker's params field:
//
//	params:
//	  param-flag: param-value
//
// translates into --param-flag param-value. The plugin prints one JSON
// document on stdout: {"findings": [...], "unavailable": "reason"}. A
// non-zero exit status is a checker fault.
type Client struct {
	Spec domain.RemoteChecker
	// WaitDelay bounds how long output pipes are drained after the process
	// is killed. Default: 1s
	WaitDelay time.Duration
}

var _ domain.Checker = (*Client)(nil)

func New(spec domain.RemoteChecker) *Client { return &Client{Spec: spec} }

// Supports reports whether spec is an executable plugin.
func Supports(spec domain.RemoteChecker) bool {
	return spec.TransportOrDefault() == domain.TransportCLI
}

func (c *Client) Name() string         { return c.Spec.Name }
func (c *Client) Categories() []string { return c.Spec.Categories }
func (c *Client) Describe() string     { return "External checker " + c.Spec.Command }

type output struct {
	Findings    []domain.Finding `json:"findings"`
	Unavailable string           `json:"unavailable,omitempty"`
}

func (c *Client) Run(ctx context.Context, target domain.Target) ([]domain.Finding, error) {
	cmd := exec.CommandContext(ctx, c.Spec.Command, c.args(target)...)
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Second
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("plugin %s: %w", c.Spec.Command, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("plugin %s exited with status %d: %s", c.Spec.Command, exitErr.ExitCode(), tail(stderr.String()))
		}
		return nil, fmt.Errorf("failed to start plugin %s: %w", c.Spec.Command, err)
	}

	var out output
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("plugin %s: invalid output: %w", c.Spec.Command, err)
	}
	if out.Unavailable != "" {
		return nil, domain.Unavailable(c.Spec.Name, out.Unavailable)
	}
	return out.Findings, nil
}

func (c *Client) args(target domain.Target) []string {
	args := slices.Clone(c.Spec.Args)
	args = append(args,
		"--target", target.String(),
		"--address", target.Address,
		"--root", target.FSRoot(),
	)

	keys := make([]string, 0, len(c.Spec.Params))
	for k := range c.Spec.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--"+k, paramValue(c.Spec.Params[k]))
	}
	return args
}

func paramValue(v any) string {
	switch v := v.(type) {
	case []any:
		parts := make([]string, len(v))
		for i, p := range v {
			parts[i] = fmt.Sprint(p)
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(v, ",")
	default:
		return fmt.Sprint(v)
	}
}

// tail keeps the last line of stderr, which is usually the error.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return "no output"
	}
	return s
}

// RegisterRemote adds a Client to reg for every cli spec.
func RegisterRemote(reg *checker.Registry, specs []domain.RemoteChecker) error {
	for _, spec := range specs {
		if !Supports(spec) {
			continue
		}
		if err := reg.Register(New(spec)); err != nil {
			return fmt.Errorf("cli checker %s: %w", spec.Name, err)
		}
	}
	return nil
}
