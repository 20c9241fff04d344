package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/pkgstats/pkg/async"
	"github.com/platinummonkey/pkgstats/pkg/observability"
	"github.com/platinummonkey/pkgstats/pkg/storage"
)

const tracerName = "github.com/platinummonkey/pkgstats/pkg/stats"

// Config holds the cache lifetimes used by aggregation
type Config struct {
	// LeaseTTL bounds how long a crashed run blocks recomputation
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	// RecordTTL is how long computed records stay fresh
	RecordTTL time.Duration `yaml:"record_ttl"`
}

// DefaultConfig returns the production lifetimes
func DefaultConfig() Config {
	return Config{
		LeaseTTL:  30 * time.Second,
		RecordTTL: 15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	if c.RecordTTL <= 0 {
		c.RecordTTL = d.RecordTTL
	}
	return c
}

// Coordinator runs aggregations: it takes the processing lease for a key,
// computes every window concurrently on the pool and stores the combined
// record once all of them succeeded.
type Coordinator struct {
	cache   storage.CacheStore
	pool    *async.WorkerPool
	windows WindowComputer
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewCoordinator creates a coordinator
func NewCoordinator(cache storage.CacheStore, pool *async.WorkerPool, windows WindowComputer, cfg Config,
	logger *observability.Logger, metrics *observability.Metrics) *Coordinator {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Coordinator{
		cache:   cache,
		pool:    pool,
		windows: windows,
		cfg:     cfg.withDefaults(),
		logger:  logger.WithField("component", "aggregation"),
		metrics: metrics,
		tracer:  otel.Tracer(tracerName),
	}
}

// BeginAggregation starts computing the record for project (and version) in
// the background. It returns as soon as the work is queued, waiting for queue
// space until ctx is done, and does nothing if another run already holds the
// lease for the key.
func (c *Coordinator) BeginAggregation(ctx context.Context, project string, version *string) error {
	key, err := NewStatKey(project, version)
	if err != nil {
		return err
	}
	return c.begin(ctx, key, true)
}

// begin takes the lease for key and queues its window jobs. Without wait a
// full queue defers the run: the lease is kept until it expires, so the key
// is retried by a later miss instead of by every request in between.
func (c *Coordinator) begin(ctx context.Context, key StatKey, wait bool) error {
	ctx, span := c.tracer.Start(ctx, "stats.BeginAggregation",
		trace.WithAttributes(attribute.String("stats.key", key.String())))
	defer span.End()

	logger := c.logger.WithField("key", key.String())
	lease := key.Lease().String()
	owner := []byte(uuid.NewString())

	acquired, err := c.cache.SetNX(ctx, lease, owner, c.cfg.LeaseTTL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("acquiring aggregation lease %s: %w", lease, err)
	}
	if !acquired {
		c.metrics.RecordAggregation("skipped")
		span.SetAttributes(attribute.Bool("stats.lease_acquired", false))
		logger.Debug("aggregation already in progress")
		return nil
	}
	c.metrics.RecordAggregation("started")
	span.SetAttributes(attribute.Bool("stats.lease_acquired", true))

	parent := span.SpanContext()
	jobs := make([]async.Job[int64], len(Windows))
	for i, w := range Windows {
		w := w
		jobs[i] = func(ctx context.Context) (int64, error) {
			return c.computeWindow(trace.ContextWithSpanContext(ctx, parent), key, w)
		}
	}

	join := func(ctx context.Context, counts []int64) error {
		return c.store(trace.ContextWithSpanContext(ctx, parent), key, owner, recordFromWindows(counts))
	}
	name := "aggregate " + key.String()
	if wait {
		err = async.ChordWait(ctx, c.pool, name, jobs, join)
	} else {
		err = async.Chord(c.pool, name, jobs, join)
	}
	if !wait && errors.Is(err, async.ErrQueueFull) {
		c.metrics.RecordAggregation("deferred")
		span.SetAttributes(attribute.Bool("stats.deferred", true))
		logger.WithError(err).Warn("worker queue full, aggregation deferred until the lease expires")
		return nil
	}
	if err != nil {
		c.metrics.RecordAggregation("failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		// No job was queued, so the lease is ours to drop. ctx may be the
		// deadline that stopped the wait.
		if _, derr := c.cache.DeleteIfValue(context.WithoutCancel(ctx), lease, owner); derr != nil {
			logger.WithError(derr).Warn("failed to release aggregation lease")
		}
		return fmt.Errorf("dispatching aggregation for %s: %w", key, err)
	}

	logger.Debug("aggregation started")
	return nil
}

func (c *Coordinator) computeWindow(ctx context.Context, key StatKey, w Window) (int64, error) {
	ctx, span := c.tracer.Start(ctx, "stats.ComputeWindow", trace.WithAttributes(
		attribute.String("stats.key", key.String()),
		attribute.String("stats.window", w.Name),
	))
	defer span.End()

	start := time.Now()
	count, err := c.windows.Compute(ctx, w.Days, key.Project, key.Version)
	c.metrics.RecordWindowJob(w.Name, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.WithError(err).WithFields(map[string]interface{}{
			"key":    key.String(),
			"window": w.Name,
		}).Warn("window computation failed, record will not be stored")
		return 0, fmt.Errorf("%s window: %w", w.Name, err)
	}
	return count, nil
}

// store writes the record with its TTL, then releases the lease if this run still owns it
func (c *Coordinator) store(ctx context.Context, key StatKey, owner []byte, record StatRecord) error {
	ctx, span := c.tracer.Start(ctx, "stats.StoreRecord", trace.WithAttributes(attribute.String("stats.key", key.String())))
	defer span.End()

	data, err := record.MarshalBinary()
	if err != nil {
		c.metrics.RecordAggregation("failed")
		return err
	}
	if err := c.cache.SetEX(ctx, key.String(), data, c.cfg.RecordTTL); err != nil {
		c.metrics.RecordAggregation("failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("storing stat record %s: %w", key, err)
	}

	if _, err := c.cache.DeleteIfValue(ctx, key.Lease().String(), owner); err != nil {
		// the record is stored; the lease simply expires
		c.logger.WithError(err).WithField("key", key.String()).Warn("failed to release aggregation lease")
	}

	c.metrics.RecordAggregation("stored")
	c.logger.WithFields(map[string]interface{}{
		"key":     key.String(),
		"daily":   record.Daily,
		"weekly":  record.Weekly,
		"monthly": record.Monthly,
		"yearly":  record.Yearly,
	}).Info("stat record stored")
	return nil
}
