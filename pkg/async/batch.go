package async

import (
	"context"
	"sync"
	"time"

	"github.com/platinummonkey/pkgstats/pkg/observability"
)

// Batch processes a slice of items concurrently on a short-lived pool and
// returns every error encountered.
//
//	errs := async.Batch(ctx, projects, 4, "cache warm", 10*time.Second, logger,
//	    func(ctx context.Context, p string) error { return svc.BeginAggregation(ctx, p, nil) })
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	logger *observability.Logger, fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, PoolConfig{
		Name:        taskName,
		Workers:     workers,
		QueueSize:   len(items) + 1,
		TaskTimeout: timeout,
	}, logger)

	var (
		mu   sync.Mutex
		errs []error
	)

	for _, item := range items {
		item := item
		if err := pool.Submit(func(ctx context.Context) (err error) {
			// a panicking item counts as failed
			defer func() {
				if perr := observability.PanicError(logger, taskName, recover()); perr != nil {
					err = perr
				}
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}()
			return fn(ctx, item)
		}); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
	}

	// Upper bound: every task ran back to back until its timeout
	drain := time.Duration(len(items)+1) * timeout
	if timeout <= 0 {
		drain = time.Hour
	}
	shutdownErr := pool.Shutdown(drain)

	mu.Lock()
	defer mu.Unlock()
	if shutdownErr != nil {
		errs = append(errs, shutdownErr)
	}
	return errs
}
