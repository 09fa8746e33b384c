package checks

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"bytemomo/warden/internal/domain"

	nmap "github.com/Ullaakut/nmap/v3"
	log "github.com/sirupsen/logrus"
)

// OpenPort is one open TCP port reported by a PortScanner.
type OpenPort struct {
	Port    int
	Service string
	Product string
}

// PortScanner lists open ports on host among the given port spec.
type PortScanner func(ctx context.Context, host string, ports string) ([]OpenPort, error)

// riskyServices maps well-known ports to the severity of exposing them.
var riskyServices = map[int]struct {
	Name     string
	Severity domain.Severity
}{
	21:    {"FTP", domain.SeverityMedium},
	23:    {"Telnet", domain.SeverityHigh},
	25:    {"SMTP", domain.SeverityLow},
	110:   {"POP3", domain.SeverityMedium},
	135:   {"MS RPC", domain.SeverityHigh},
	139:   {"NetBIOS", domain.SeverityHigh},
	445:   {"SMB", domain.SeverityHigh},
	1433:  {"MSSQL", domain.SeverityHigh},
	3306:  {"MySQL", domain.SeverityHigh},
	3389:  {"RDP", domain.SeverityHigh},
	5432:  {"PostgreSQL", domain.SeverityHigh},
	5900:  {"VNC", domain.SeverityHigh},
	6379:  {"Redis", domain.SeverityHigh},
	9200:  {"Elasticsearch", domain.SeverityHigh},
	11211: {"Memcached", domain.SeverityHigh},
	27017: {"MongoDB", domain.SeverityHigh},
}

const defaultPortSpec = "21,22,23,25,80,110,135,139,443,445,1433,3306,3389,5432,5900,6379,8080,9200,11211,27017"

// NetworkPortsParams configures NetworkPorts.
type NetworkPortsParams struct {
	// Ports is an nmap port spec. Default: common service ports.
	Ports string `yaml:"ports"`
	// Allowed ports never produce findings.
	Allowed []int `yaml:"allowed"`
	// Timeout bounds the nmap run. Default: the checker timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// NetworkPorts reports exposed services found by a TCP port scan.
type NetworkPorts struct {
	Params NetworkPortsParams
	Scan   PortScanner
}

func NewNetworkPorts() *NetworkPorts { return &NetworkPorts{Scan: NmapScan} }

func (c *NetworkPorts) Name() string         { return "network_ports" }
func (c *NetworkPorts) Categories() []string { return []string{CategoryNetwork} }
func (c *NetworkPorts) Describe() string {
	return "Scans common service ports and flags exposed services"
}

func (c *NetworkPorts) Run(ctx context.Context, target domain.Target) ([]domain.Finding, error) {
	if target.Address == "" {
		return nil, domain.Unavailable(c.Name(), "target has no network address")
	}
	spec := c.Params.Ports
	if spec == "" {
		spec = defaultPortSpec
	}
	if _, err := parsePorts(spec); err != nil {
		return nil, fmt.Errorf("ports: %w", err)
	}
	if c.Params.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Params.Timeout)
		defer cancel()
	}

	open, err := c.Scan(ctx, target.Address, spec)
	if err != nil {
		return nil, err
	}

	var out []domain.Finding
	for _, p := range open {
		if slices.Contains(c.Params.Allowed, p.Port) {
			continue
		}
		name := p.Service
		sev := domain.SeverityInfo
		if risky, ok := riskyServices[p.Port]; ok {
			name, sev = risky.Name, risky.Severity
		}
		if name == "" {
			name = "unknown service"
		}
		out = append(out, domain.Finding{
			Category:       CategoryNetwork,
			Severity:       sev,
			Title:          fmt.Sprintf("Port %d/tcp open (%s)", p.Port, name),
			Description:    fmt.Sprintf("%s exposes %s on port %d.", target.Address, name, p.Port),
			Recommendation: "Close the port or restrict it with a firewall if the service is not meant to be reachable.",
			Evidence: map[string]any{
				"host":    target.Address,
				"port":    p.Port,
				"service": p.Service,
				"product": p.Product,
			},
		})
	}
	return out, nil
}

// NmapScan runs a TCP connect scan with the nmap binary.
func NmapScan(ctx context.Context, host string, ports string) ([]OpenPort, error) {
	scanner, err := nmap.NewScanner(ctx,
		nmap.WithTargets(host),
		nmap.WithPorts(ports),
		nmap.WithConnectScan(),
		nmap.WithOpenOnly(),
		nmap.WithSkipHostDiscovery(),
		nmap.WithServiceInfo(),
		nmap.WithVersionLight(),
		nmap.WithDisabledDNSResolution(),
	)
	if errors.Is(err, nmap.ErrNmapNotInstalled) {
		return nil, domain.Unavailable("network_ports", "nmap binary not found")
	}
	if err != nil {
		return nil, fmt.Errorf("create nmap scanner: %w", err)
	}

	result, warnings, err := scanner.Run()
	if err != nil {
		return nil, fmt.Errorf("run nmap: %w", err)
	}
	if warnings != nil && len(*warnings) > 0 {
		log.WithField("warnings", *warnings).Warn("Nmap scan produced warnings")
	}

	var out []OpenPort
	for _, h := range result.Hosts {
		for _, p := range h.Ports {
			if !strings.HasPrefix(strings.ToLower(p.State.State), "open") {
				continue
			}
			out = append(out, OpenPort{
				Port:    int(p.ID),
				Service: p.Service.Name,
				Product: strings.TrimSpace(p.Service.Product + " " + p.Service.Version),
			})
		}
	}
	slices.SortFunc(out, func(a, b OpenPort) int { return a.Port - b.Port })
	return out, nil
}

// parsePorts expands a comma-separated list of ports and ranges.
func parsePorts(spec string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", part)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(hi); err != nil {
				return nil, fmt.Errorf("invalid port range %q", part)
			}
		}
		if a < 1 || b > 65535 || a > b {
			return nil, fmt.Errorf("port %q out of range", part)
		}
		for p := a; p <= b; p++ {
			out = append(out, p)
		}
	}
	return out, nil
}
