package checks

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"bytemomo/warden/internal/domain"

	"github.com/miekg/dns"
)

// DNSResolverParams configures DNSResolver.
type DNSResolverParams struct {
	// Port of the DNS service. Default: 53.
	Port int `yaml:"port"`
	// ProbeName is an external name the target should not resolve for
	// arbitrary clients. Default: example.com.
	ProbeName string `yaml:"probe_name"`
	// Timeout bounds the query. Default: 5s.
	Timeout time.Duration `yaml:"timeout"`
}

// DNSResolver detects DNS servers that recurse for any client.
type DNSResolver struct {
	Params DNSResolverParams
}

func NewDNSResolver() *DNSResolver { return &DNSResolver{} }

func (c *DNSResolver) Name() string         { return "dns_resolver" }
func (c *DNSResolver) Categories() []string { return []string{CategoryNetwork} }
func (c *DNSResolver) Describe() string     { return "Detects open recursive DNS resolvers" }

func (c *DNSResolver) Run(ctx context.Context, target domain.Target) ([]domain.Finding, error) {
	if target.Address == "" {
		return nil, domain.Unavailable(c.Name(), "target has no network address")
	}
	port := c.Params.Port
	if port == 0 {
		port = 53
	}
	name := c.Params.ProbeName
	if name == "" {
		name = "example.com"
	}
	timeout := c.Params.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	addr := net.JoinHostPort(target.Address, strconv.Itoa(port))

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.RecursionDesired = true

	client := &dns.Client{Timeout: timeout}
	resp, _, err := client.ExchangeContext(ctx, m, addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, net.ErrClosed) {
			return nil, domain.Unavailable(c.Name(), "no DNS service answering on "+addr)
		}
		return nil, fmt.Errorf("query %s: %w", addr, err)
	}

	if resp.Rcode != dns.RcodeSuccess || !resp.RecursionAvailable || len(resp.Answer) == 0 {
		return nil, nil
	}
	return []domain.Finding{{
		Category:       CategoryNetwork,
		Severity:       domain.SeverityHigh,
		Title:          "Open DNS resolver on " + addr,
		Description:    fmt.Sprintf("The server resolved %s recursively for an unauthenticated client and can be abused for amplification attacks.", name),
		Recommendation: "Restrict recursion to trusted networks (allow-recursion / access-control).",
		Evidence: map[string]any{
			"server":  addr,
			"query":   dns.Fqdn(name),
			"answers": len(resp.Answer),
		},
	}}, nil
}
