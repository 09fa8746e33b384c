package checks

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"bytemomo/warden/internal/domain"
)

// sshdDefaults are the OpenSSH values in effect when a directive is absent.
var sshdDefaults = map[string]string{
	"permitrootlogin":         "prohibit-password",
	"passwordauthentication":  "yes",
	"permitemptypasswords":    "no",
	"x11forwarding":           "no",
	"maxauthtries":            "6",
	"protocol":                "2",
	"hostbasedauthentication": "no",
	"ignorerhosts":            "yes",
}

type sshRule struct {
	Directive      string
	Bad            func(value string) bool
	Severity       domain.Severity
	Title          string
	Recommendation string
}

var sshRules = []sshRule{
	{
		Directive:      "PermitRootLogin",
		Bad:            func(v string) bool { return v == "yes" },
		Severity:       domain.SeverityHigh,
		Title:          "Root login over SSH is permitted",
		Recommendation: "Set PermitRootLogin no (or prohibit-password) in sshd_config.",
	},
	{
		Directive:      "PermitEmptyPasswords",
		Bad:            func(v string) bool { return v == "yes" },
		Severity:       domain.SeverityCritical,
		Title:          "SSH accepts empty passwords",
		Recommendation: "Set PermitEmptyPasswords no in sshd_config.",
	},
	{
		Directive:      "PasswordAuthentication",
		Bad:            func(v string) bool { return v == "yes" },
		Severity:       domain.SeverityMedium,
		Title:          "SSH password authentication is enabled",
		Recommendation: "Use key-based authentication and set PasswordAuthentication no.",
	},
	{
		Directive:      "Protocol",
		Bad:            func(v string) bool { return strings.Contains(v, "1") },
		Severity:       domain.SeverityCritical,
		Title:          "SSH protocol version 1 is enabled",
		Recommendation: "Remove protocol 1 support; set Protocol 2.",
	},
	{
		Directive:      "HostbasedAuthentication",
		Bad:            func(v string) bool { return v == "yes" },
		Severity:       domain.SeverityMedium,
		Title:          "SSH host-based authentication is enabled",
		Recommendation: "Set HostbasedAuthentication no in sshd_config.",
	},
	{
		Directive:      "IgnoreRhosts",
		Bad:            func(v string) bool { return v == "no" },
		Severity:       domain.SeverityMedium,
		Title:          "SSH honours .rhosts files",
		Recommendation: "Set IgnoreRhosts yes in sshd_config.",
	},
	{
		Directive:      "X11Forwarding",
		Bad:            func(v string) bool { return v == "yes" },
		Severity:       domain.SeverityLow,
		Title:          "SSH X11 forwarding is enabled",
		Recommendation: "Set X11Forwarding no unless remote X11 is required.",
	},
	{
		Directive: "MaxAuthTries",
		Bad: func(v string) bool {
			n, err := strconv.Atoi(v)
			return err == nil && n > 4
		},
		Severity:       domain.SeverityLow,
		Title:          "SSH allows many authentication attempts",
		Recommendation: "Set MaxAuthTries 4 or lower.",
	},
}

// SSHConfigParams configures SSHConfig.
type SSHConfigParams struct {
	// Path of sshd_config relative to the target root. Default: etc/ssh/sshd_config.
	Path string `yaml:"path"`
}

// SSHConfig reviews the effective sshd_config directives.
type SSHConfig struct {
	Params SSHConfigParams
}

func NewSSHConfig() *SSHConfig { return &SSHConfig{} }

func (c *SSHConfig) Name() string         { return "ssh_config" }
func (c *SSHConfig) Categories() []string { return []string{CategorySSH} }
func (c *SSHConfig) Describe() string     { return "Reviews sshd_config authentication settings" }

func (c *SSHConfig) Run(ctx context.Context, target domain.Target) ([]domain.Finding, error) {
	rel := c.Params.Path
	if rel == "" {
		rel = "etc/ssh/sshd_config"
	}
	path := filepath.Join(target.FSRoot(), rel)

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, domain.Unavailable(c.Name(), "sshd_config not found; SSH server is not installed")
	}
	if err != nil {
		return nil, fmt.Errorf("open sshd_config: %w", err)
	}
	defer f.Close()

	directives, err := parseSSHDConfig(f)
	if err != nil {
		return nil, fmt.Errorf("parse sshd_config: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []domain.Finding
	for _, rule := range sshRules {
		key := strings.ToLower(rule.Directive)
		value, explicit := directives[key]
		if !explicit {
			value = sshdDefaults[key]
		}
		if !rule.Bad(value) {
			continue
		}
		out = append(out, domain.Finding{
			Category:       CategorySSH,
			Severity:       rule.Severity,
			Title:          rule.Title,
			Description:    fmt.Sprintf("%s is %q%s.", rule.Directive, value, defaultNote(explicit)),
			Recommendation: rule.Recommendation,
			Evidence: map[string]any{
				"file":      "/" + filepath.ToSlash(rel),
				"directive": rule.Directive,
				"value":     value,
				"explicit":  explicit,
			},
		})
	}
	return out, nil
}

func defaultNote(explicit bool) string {
	if explicit {
		return ""
	}
	return " (OpenSSH default)"
}

// parseSSHDConfig returns the effective global directives, keyed in lower
// case. sshd uses the first value it sees; Match blocks are ignored.
func parseSSHDConfig(r io.Reader) (map[string]string, error) {
	out := make(map[string]string)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			key, value, ok = strings.Cut(line, "\t")
		}
		if !ok {
			key, value, _ = strings.Cut(line, "=")
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.ToLower(strings.Trim(strings.TrimSpace(value), "=\" "))
		if key == "match" {
			break
		}
		if _, seen := out[key]; !seen {
			out[key] = value
		}
	}
	return out, sc.Err()
}
