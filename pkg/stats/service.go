package stats

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/pkgstats/pkg/async"
	"github.com/platinummonkey/pkgstats/pkg/observability"
	"github.com/platinummonkey/pkgstats/pkg/storage"
)

// DownloadStatService answers download statistics queries from the cache and
// schedules their computation when the cache cannot.
type DownloadStatService interface {
	// Get returns the cached statistics, or ErrStatsPending while they are computed
	Get(ctx context.Context, project string, version *string) (*StatsBundle, error)
	// BeginAggregation schedules a recomputation unless one is already running
	BeginAggregation(ctx context.Context, project string, version *string) error
}

// Dependencies are the collaborators of the download stat service
type Dependencies struct {
	Cache   storage.CacheStore
	Pool    *async.WorkerPool
	Windows WindowComputer
	Config  Config
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Service is the cache-first DownloadStatService
type Service struct {
	cache       storage.CacheStore
	coordinator *Coordinator
	logger      *observability.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer
}

var _ DownloadStatService = (*Service)(nil)

// NewDownloadStatService wires a Service from its dependencies
func NewDownloadStatService(deps Dependencies) (*Service, error) {
	if deps.Cache == nil {
		return nil, errors.New("stats: cache store is required")
	}
	if deps.Pool == nil {
		return nil, errors.New("stats: worker pool is required")
	}
	if deps.Windows == nil {
		return nil, errors.New("stats: window computer is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Service{
		cache:       deps.Cache,
		coordinator: NewCoordinator(deps.Cache, deps.Pool, deps.Windows, deps.Config, logger, deps.Metrics),
		logger:      logger.WithField("component", "stats_service"),
		metrics:     deps.Metrics,
		tracer:      otel.Tracer(tracerName),
	}, nil
}

// BeginAggregation delegates to the coordinator
func (s *Service) BeginAggregation(ctx context.Context, project string, version *string) error {
	return s.coordinator.BeginAggregation(ctx, project, version)
}

// Get reads the project-wide record and, when version is set, the version
// record in one batched read. If any of them is missing it starts their
// aggregation and returns ErrStatsPending. Without a version the bundle's
// Version mirrors All.
func (s *Service) Get(ctx context.Context, project string, version *string) (*StatsBundle, error) {
	ctx, span := s.tracer.Start(ctx, "stats.Get")
	defer span.End()

	bundle, err := s.get(ctx, project, version)
	if err != nil && !errors.Is(err, ErrStatsPending) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("stats.pending", errors.Is(err, ErrStatsPending)))
	return bundle, err
}

func (s *Service) get(ctx context.Context, project string, version *string) (*StatsBundle, error) {
	all, err := NewStatKey(project, nil)
	if err != nil {
		return nil, err
	}
	keys := []StatKey{all}
	if version != nil {
		vk, err := NewStatKey(project, version)
		if err != nil {
			return nil, err
		}
		keys = append(keys, vk)
	}

	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	values, err := s.cache.MGet(ctx, names...)
	if err != nil {
		return nil, fmt.Errorf("reading cached stats for %s: %w", all.Project, err)
	}

	records := make([]StatRecord, len(keys))
	var missing []StatKey
	for i, data := range values {
		key := keys[i]
		if data == nil {
			s.metrics.RecordCacheLookup(key.scope(), false)
			missing = append(missing, key)
			continue
		}
		if err := records[i].UnmarshalBinary(data); err != nil {
			s.metrics.RecordCacheCorrupt()
			s.metrics.RecordCacheLookup(key.scope(), false)
			s.logger.WithError(err).WithField("key", names[i]).Warn("discarding corrupt cached stat record")
			// only drop the bad bytes; a fresh record may already have replaced them
			if _, err := s.cache.DeleteIfValue(ctx, names[i], data); err != nil {
				return nil, fmt.Errorf("deleting corrupt stat record %s: %w", names[i], err)
			}
			missing = append(missing, key)
			continue
		}
		s.metrics.RecordCacheLookup(key.scope(), true)
	}

	if len(missing) > 0 {
		for _, key := range missing {
			if err := s.coordinator.begin(ctx, key, false); err != nil {
				return nil, err
			}
		}
		s.metrics.RecordPending()
		return nil, ErrStatsPending
	}

	bundle := &StatsBundle{All: records[0], Version: records[0]}
	if len(records) > 1 {
		bundle.Version = records[1]
	}
	return bundle, nil
}
