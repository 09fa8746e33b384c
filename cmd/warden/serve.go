package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bytemomo/warden/internal/adapter/filestore"
	"bytemomo/warden/internal/adapter/reporter"
	"bytemomo/warden/internal/adapter/yamlconfig"
	"bytemomo/warden/internal/api"
	"bytemomo/warden/internal/domain"
	"bytemomo/warden/internal/engine"
	"bytemomo/warden/internal/metrics"
	"bytemomo/warden/internal/notifier"
	"bytemomo/warden/internal/orchestrator"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var (
		listen    string
		publicURL string
		watch     bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scan service and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}
			if publicURL == "" {
				publicURL = "http://" + cfg.API.Listen
			}
			closeLog, err := setupLogging(cfg, true)
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, path, publicURL, watch)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default: api.listen from config)")
	cmd.Flags().StringVar(&publicURL, "public-url", "", "Base URL used for report links in notifications")
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload the config file when it changes")
	return cmd
}

func serve(ctx context.Context, cfg domain.Config, configPath, publicURL string, watch bool) error {
	l := log.WithFields(log.Fields{"version": version, "listen": cfg.API.Listen})
	l.Info("Starting warden service")

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	catalog, err := buildCatalog(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	eng := engine.New(log.WithField("component", "engine"), cfg)
	eng.Observer = m

	n, err := notifier.New(log.WithField("component", "notifier"), cfg)
	if err != nil {
		return err
	}
	n.Observer = m

	orch := orchestrator.New(log.WithField("component", "orchestrator"), cfg, eng, reg)
	orch.Catalog = catalog
	orch.Notifier = n
	orch.Observer = m
	orch.Artifacts = api.ArtifactLinks(publicURL)

	if cfg.Storage.Dir != "" {
		store, err := filestore.New(cfg.Storage.Dir)
		if err != nil {
			return err
		}
		orch.Store = store
		if err := orch.Restore(ctx); err != nil {
			return fmt.Errorf("restore scans: %w", err)
		}
	}
	if err := m.WatchScans(func() map[domain.ScanState]int { return orch.Stats().ByState }); err != nil {
		return err
	}

	srv := api.New(log.WithField("component", "api"), orch, n, reporter.New(cfg.SeverityFilter), m)
	srv.MaxConnections = cfg.API.MaxConnections

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.API.Listen)
	})
	if watch && configPath != "" {
		w := &yamlconfig.Watcher{
			Path: configPath,
			Log:  log.WithField("component", "config"),
			OnChange: func(next domain.Config) {
				orch.UpdateRegistry(orchestrator.SettingsFrom(next))
				if lvl, err := log.ParseLevel(next.Log.Level); err == nil {
					log.SetLevel(lvl)
				}
			},
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := orch.Shutdown(shutdownCtx); serr != nil {
		l.WithError(serr).Warn("Shutdown did not complete cleanly")
	}
	l.Info("Warden service stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
