package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/pkgstats/pkg/app"
	"github.com/platinummonkey/pkgstats/pkg/config"
	"github.com/platinummonkey/pkgstats/pkg/observability"
)

var (
	configFile = flag.String("config", os.Getenv("PKGSTATS_CONFIG_FILE"), "Path to a YAML config file")
	schedule   = flag.String("schedule", "", "Cron schedule for warm passes (overrides the configured schedule)")
	runOnce    = flag.Bool("run-once", false, "Run one warm pass, wait for it to finish and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfigFile(*configFile)
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}
	if *schedule != "" {
		cfg.Aggregator.Schedule = *schedule
	}

	logger := observability.NewLogger(observability.ParseLogLevel(cfg.Observability.LogLevel), os.Stdout).
		WithField("service", "pkgstats-aggregator")

	targets, err := app.ParseTargets(cfg.Aggregator.Projects)
	if err != nil {
		logger.WithError(err).Error("Invalid project list")
		os.Exit(1)
	}
	if len(targets) == 0 {
		logger.Error("No projects configured, set aggregator.projects or PKGSTATS_AGGREGATOR_PROJECTS")
		os.Exit(1)
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize")
		os.Exit(1)
	}

	warm := app.WarmPass(ctx, a.Service, targets, cfg.Aggregator.Concurrency, logger)

	// Run once mode (for testing or backfilling)
	if *runOnce {
		logger.Infof("Warming %d records", len(targets))
		warm()

		// Closing drains the queued aggregation runs
		closeCtx, cancel := context.WithTimeout(ctx, cfg.Stats.JobTimeout+cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			logger.WithError(err).Error("Warm pass did not finish cleanly")
			os.Exit(1)
		}
		logger.Info("Warm pass completed")
		return
	}

	// Scheduled mode
	c := cron.New()
	if _, err := c.AddFunc(cfg.Aggregator.Schedule, warm); err != nil {
		logger.WithError(err).Errorf("Failed to schedule warm pass %q", cfg.Aggregator.Schedule)
		a.Close(ctx)
		os.Exit(1)
	}

	c.Start()
	logger.WithFields(map[string]interface{}{
		"schedule": cfg.Aggregator.Schedule,
		"records":  len(targets),
	}).Info("pkgstats aggregator started")

	// Wait for termination signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down gracefully...")

	// Wait for a running pass to finish queueing, then drain the pool
	<-c.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Close(shutdownCtx); err != nil {
		logger.WithError(err).Error("Shutdown failed")
		os.Exit(1)
	}

	logger.Info("Aggregator stopped")
}

