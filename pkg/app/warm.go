package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/pkgstats/pkg/async"
	"github.com/platinummonkey/pkgstats/pkg/observability"
	"github.com/platinummonkey/pkgstats/pkg/stats"
)

// Target is a record the warmer keeps fresh
type Target struct {
	Project string
	Version *string
}

func (t Target) String() string {
	if t.Version == nil {
		return t.Project
	}
	return t.Project + "@" + *t.Version
}

// ParseTargets parses "project" and "project@version" entries. A versioned
// entry also warms the project-wide record, which is listed once per project.
func ParseTargets(entries []string) ([]Target, error) {
	var (
		targets []Target
		seen    = make(map[string]bool)
	)
	add := func(t Target) error {
		key, err := stats.NewStatKey(t.Project, t.Version)
		if err != nil {
			return err
		}
		if seen[key.String()] {
			return nil
		}
		seen[key.String()] = true
		targets = append(targets, t)
		return nil
	}

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		project, version, versioned := strings.Cut(entry, "@")
		if err := add(Target{Project: project}); err != nil {
			return nil, fmt.Errorf("invalid warm target %q: %w", entry, err)
		}
		if versioned {
			v := version
			if err := add(Target{Project: project, Version: &v}); err != nil {
				return nil, fmt.Errorf("invalid warm target %q: %w", entry, err)
			}
		}
	}

	return targets, nil
}

// Warm schedules an aggregation run for every target. It returns once the runs
// are queued; the work itself happens on the service's worker pool.
func Warm(ctx context.Context, svc stats.DownloadStatService, targets []Target, concurrency int,
	logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NopLogger()
	}

	start := time.Now()
	errs := async.Batch(ctx, targets, concurrency, "cache warm", 30*time.Second, logger,
		func(ctx context.Context, t Target) error {
			if err := svc.BeginAggregation(ctx, t.Project, t.Version); err != nil {
				return fmt.Errorf("%s: %w", t, err)
			}
			return nil
		})

	logger.WithFields(map[string]interface{}{
		"targets":     len(targets),
		"failed":      len(errs),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("cache warm pass scheduled")

	return errors.Join(errs...)
}

// WarmPass returns a scheduler callback running one Warm over targets. Errors
// are logged and panics recovered so a bad pass never takes the process down.
func WarmPass(ctx context.Context, svc stats.DownloadStatService, targets []Target, concurrency int,
	logger *observability.Logger) func() {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return func() {
		defer observability.RecoverPanic(logger, "warm pass")
		if err := Warm(ctx, svc, targets, concurrency, logger); err != nil {
			logger.WithError(err).Warn("Warm pass scheduled with failures")
		}
	}
}
