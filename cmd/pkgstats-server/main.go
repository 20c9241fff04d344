package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/pkgstats/pkg/api"
	"github.com/platinummonkey/pkgstats/pkg/app"
	"github.com/platinummonkey/pkgstats/pkg/config"
	"github.com/platinummonkey/pkgstats/pkg/middleware"
	"github.com/platinummonkey/pkgstats/pkg/observability"
)

var (
	configFile = flag.String("config", os.Getenv("PKGSTATS_CONFIG_FILE"), "Path to a YAML config file")
	version    = "dev"
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfigFile(*configFile)
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.ParseLogLevel(cfg.Observability.LogLevel), os.Stdout).
		WithField("service", "pkgstats-server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize")
		os.Exit(1)
	}

	opts := []api.ServerOption{api.WithLogger(logger), api.WithMetrics(a.Metrics)}
	if cfg.Server.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(a.Cache.Client(), cfg.Server.RateLimit, logger, a.Metrics)
		opts = append(opts, api.WithRateLimiter(limiter))
	}

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewServer(a.Service, opts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for k8s probes
	healthRouter := mux.NewRouter()
	observability.RegisterHealthRoutes(healthRouter, a.HealthChecker(version))
	if a.Metrics != nil {
		observability.RegisterMetricsEndpoint(healthRouter, a.Registry)
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthRouter,
	}

	shutdown := observability.NewShutdownManager(logger, apiServer, cfg.Server.ShutdownTimeout)
	shutdown.Register("health-server", healthServer.Shutdown)
	shutdown.Register("stats", a.Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Starting pkgstats API server on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Infof("Starting health server on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Starting graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return shutdown.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Server stopped with error")
		os.Exit(1)
	}
	logger.Info("Server stopped")
}
