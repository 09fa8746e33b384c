package main

import (
	"fmt"

	"bytemomo/warden/internal/adapter/cliplugin"
	"bytemomo/warden/internal/adapter/grpcchecker"
	"bytemomo/warden/internal/adapter/logger"
	"bytemomo/warden/internal/adapter/yamlconfig"
	"bytemomo/warden/internal/checker"
	"bytemomo/warden/internal/checks"
	"bytemomo/warden/internal/compliance"
	"bytemomo/warden/internal/domain"

	"github.com/spf13/cobra"
)

// loadConfig reads --config (defaults when unset) and applies --log-level.
func loadConfig(cmd *cobra.Command) (domain.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := yamlconfig.NewLoader("").Load(path)
	if err != nil {
		return domain.Config{}, "", err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, path, nil
}

func setupLogging(cfg domain.Config, structured bool) (func(), error) {
	closeLog, err := logger.Configure(cfg.Log, structured)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}
	return closeLog, nil
}

// buildRegistry registers the built-in checkers and any gRPC or executable
// plugins.
func buildRegistry(cfg domain.Config) (*checker.Registry, error) {
	reg := checker.NewRegistry()
	if err := checks.Register(reg, cfg); err != nil {
		return nil, err
	}
	if err := grpcchecker.RegisterRemote(reg, cfg.Remote); err != nil {
		return nil, err
	}
	if err := cliplugin.RegisterRemote(reg, cfg.Remote); err != nil {
		return nil, err
	}
	return reg, nil
}

// buildCatalog loads the embedded frameworks plus cfg.FrameworksDir.
func buildCatalog(cfg domain.Config) (*compliance.Catalog, error) {
	catalog, err := compliance.Builtin()
	if err != nil {
		return nil, err
	}
	if cfg.FrameworksDir != "" {
		if err := catalog.LoadDir(cfg.FrameworksDir); err != nil {
			return nil, fmt.Errorf("load frameworks from %s: %w", cfg.FrameworksDir, err)
		}
	}
	return catalog, nil
}
