// Package app assembles the pkgstats components from configuration. Both
// binaries share it so the server and the cache warmer run identical stacks.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/platinummonkey/pkgstats/pkg/analytics"
	"github.com/platinummonkey/pkgstats/pkg/async"
	"github.com/platinummonkey/pkgstats/pkg/config"
	"github.com/platinummonkey/pkgstats/pkg/observability"
	"github.com/platinummonkey/pkgstats/pkg/stats"
	"github.com/platinummonkey/pkgstats/pkg/storage"
)

// App holds the wired components of a pkgstats process
type App struct {
	Config   *config.Config
	Logger   *observability.Logger
	Registry *prometheus.Registry
	// Metrics is nil when metrics are disabled
	Metrics *observability.Metrics

	Cache   *storage.RedisStore
	Engine  *analytics.SQLEngine
	Query   *analytics.Client
	Pool    *async.WorkerPool
	Service *stats.Service

	tracer *sdktrace.TracerProvider
}

// New connects to Redis and the warehouse and builds the stat service.
// On error everything opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*App, error) {
	a := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	if cfg.Observability.MetricsEnabled {
		a.Metrics = observability.NewMetrics(a.Registry)
	}

	tp, err := observability.InitTracing(ctx, cfg.Observability.Tracing(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracer = tp

	a.Cache, err = storage.NewRedisStore(cfg.Storage, a.Metrics)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}

	a.Engine, err = analytics.OpenSQLEngine(cfg.Warehouse.Driver, cfg.Warehouse.DSN, cfg.Warehouse.Engine, logger)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("failed to initialize warehouse: %w", err)
	}

	a.Query = analytics.NewClient(a.Engine, cfg.Query,
		analytics.WithLogger(logger.WithField("component", "analytics_client")),
		analytics.WithMetrics(a.Metrics),
	)

	windows, err := stats.NewWindowCalculator(a.Query, cfg.Warehouse.Table, clockwork.NewRealClock())
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.Pool = async.NewWorkerPool(context.Background(), async.PoolConfig{
		Name:        "stats",
		Workers:     cfg.Stats.Workers,
		QueueSize:   cfg.Stats.QueueSize,
		TaskTimeout: cfg.Stats.JobTimeout,
	}, logger)

	a.Service, err = stats.NewDownloadStatService(stats.Dependencies{
		Cache:   a.Cache,
		Pool:    a.Pool,
		Windows: windows,
		Config:  cfg.Stats.Config,
		Logger:  logger,
		Metrics: a.Metrics,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	return a, nil
}

// HealthChecker returns a checker over the app's cache and warehouse
func (a *App) HealthChecker(version string) *observability.HealthChecker {
	return observability.NewHealthChecker(a.Engine.DB(), a.Cache.Client(), version)
}

// Close drains queued aggregation work and then releases the warehouse, the
// cache and the tracer, in that order.
func (a *App) Close(ctx context.Context) error {
	var errs []error

	if a.Pool != nil {
		if err := a.Pool.ShutdownContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("worker pool: %w", err))
		}
	}
	if a.Engine != nil {
		if err := a.Engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("warehouse: %w", err))
		}
	}
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	if err := observability.ShutdownTracing(ctx, a.tracer); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
