package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pagewatch/internal/browser"
	"pagewatch/internal/config"
	"pagewatch/internal/database"
	"pagewatch/internal/metrics"
	"pagewatch/internal/monitoring"
	"pagewatch/internal/notifications"
	"pagewatch/internal/web"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the monitoring engine and web server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), opts.configFile, cfg)
		},
	}
}

func run(ctx context.Context, configFile string, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}

	logrus.WithFields(logrus.Fields{
		"config_file": configFile,
		"port":        cfg.Server.Port,
		"driver":      cfg.Browser.Driver,
		"targets":     len(cfg.Targets),
		"rules":       len(cfg.Rules),
	}).Info("Starting pagewatch")

	store, err := database.NewBoltStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	metricsCollector := metrics.NewCollector(store)
	store.SetObserver(metricsCollector.RecordDatabaseOperation)

	driver, err := browser.New(cfg.Browser)
	if err != nil {
		return fmt.Errorf("failed to start browser driver: %w", err)
	}
	defer driver.Close()

	notificationService, err := notifications.NewNotificationService(&cfg.Notifications)
	if err != nil {
		return fmt.Errorf("failed to initialize notifications: %w", err)
	}

	collab := monitoring.Collaborators{Driver: driver}
	if notificationService.Enabled() {
		collab.Notifier = notificationService
		collab.Throttle = notificationService.Throttle()
	}

	engine, err := monitoring.NewEngine(cfg, store, metricsCollector, collab)
	if err != nil {
		return fmt.Errorf("failed to initialize monitoring engine: %w", err)
	}

	webServer := web.NewServer(cfg, engine, metricsCollector)
	reload := func(ctx context.Context) error {
		newCfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		return engine.Reload(ctx, newCfg)
	}
	webServer.SetReloader(reload)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start monitoring engine: %w", err)
	}
	if err := webServer.Start(ctx); err != nil {
		engine.Stop()
		return fmt.Errorf("failed to start web server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			logrus.Info("Received SIGHUP, reloading configuration")
			if err := reload(ctx); err != nil {
				logrus.WithError(err).Error("Configuration reload failed, keeping current configuration")
			}
			continue
		}
		logrus.WithField("signal", sig).Info("Received shutdown signal")
		break
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := webServer.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Web server shutdown incomplete")
	}

	cancel()
	engine.Stop()
	logrus.Info("Shutdown complete")
	return nil
}
