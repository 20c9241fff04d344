// Package async provides the task-dispatch primitives used by background
// aggregation: a bounded worker pool, fire-and-forget submission, a fan-in
// (Chord) that joins a fixed set of independent jobs, and Batch.
//
// # WorkerPool
//
//	pool := async.NewWorkerPool(ctx, async.PoolConfig{Name: "stats", Workers: 8}, logger)
//	defer pool.Shutdown(10 * time.Second)
//
//	pool.TrySubmit(func(ctx context.Context) error {
//		return refresh(ctx)
//	})
//
// Panics inside tasks are recovered and logged; every task gets its own timeout.
//
// # Chord
//
// Chord runs independent jobs concurrently and calls the join step once, only
// if every job succeeded. The jobs are queued together or not at all; Chord
// fails with ErrQueueFull where ChordWait waits for room:
//
//	async.Chord(pool, "requests", jobs, func(ctx context.Context, counts []int64) error {
//		return store(ctx, counts)
//	})
package async
