// Package checks holds the builtin checkers. Each one inspects a single
// facility of the target and reports deviations as findings; none of them
// modify the host.
package checks

import (
	"fmt"

	"bytemomo/warden/internal/checker"
	"bytemomo/warden/internal/domain"

	"gopkg.in/yaml.v3"
)

// Finding categories produced by the builtin checkers. Compliance frameworks
// map controls onto these names.
const (
	CategoryFilePermissions = "File Permissions"
	CategorySSH             = "SSH"
	CategoryUserAccounts    = "User Accounts"
	CategoryWebServer       = "Web Server"
	CategoryWebApplication  = "Web Application"
	CategoryTLS             = "SSL/TLS"
	CategoryNetwork         = "Network Security"
)

// Builtin returns the default checkers, in execution order, configured with
// the per-checker parameters found in cfg.
func Builtin(cfg domain.Config) ([]domain.Checker, error) {
	filePerms := NewFilePermissions()
	ssh := NewSSHConfig()
	accounts := NewUserAccounts()
	web := NewWebServer()
	ports := NewNetworkPorts()
	resolver := NewDNSResolver()

	for _, c := range []struct {
		name string
		into any
	}{
		{filePerms.Name(), &filePerms.Params},
		{ssh.Name(), &ssh.Params},
		{accounts.Name(), &accounts.Params},
		{web.Name(), &web.Params},
		{ports.Name(), &ports.Params},
		{resolver.Name(), &resolver.Params},
	} {
		if err := decodeParams(cfg.CheckerParams(c.name), c.into); err != nil {
			return nil, fmt.Errorf("checkers.%s: %w", c.name, err)
		}
	}

	return []domain.Checker{filePerms, ssh, accounts, web, ports, resolver}, nil
}

// Register adds the builtin checkers to reg.
func Register(reg *checker.Registry, cfg domain.Config) error {
	all, err := Builtin(cfg)
	if err != nil {
		return err
	}
	for _, c := range all {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// decodeParams round-trips a loosely typed parameter map through YAML into a
// typed struct, so checkers get the same duration and list handling as the
// config file itself. Checkers treat zero-valued fields as "use the default".
func decodeParams(raw map[string]any, out any) error {
	if len(raw) == 0 {
		return nil
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
