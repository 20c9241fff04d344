package async

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Job produces one result for a Chord
type Job[T any] func(context.Context) (T, error)

// Chord schedules jobs to run independently on the pool and calls join with
// their results, in job order, once every job has succeeded. join runs
// exactly once, on the worker that finishes the last job. If any job fails
// join is never called.
//
// The jobs are queued all together or not at all: when the queue cannot take
// every job Chord returns ErrQueueFull and nothing runs. Chord returns after
// queueing; it does not wait for the jobs.
func Chord[T any](p *WorkerPool, name string, jobs []Job[T], join func(context.Context, []T) error) error {
	if err := p.TrySubmitAll(chordTasks(name, jobs, join)); err != nil {
		return fmt.Errorf("%s: scheduling %d jobs: %w", name, len(jobs), err)
	}
	return nil
}

// ChordWait is Chord, but waits until ctx is done for queue space instead of
// failing with ErrQueueFull.
func ChordWait[T any](ctx context.Context, p *WorkerPool, name string, jobs []Job[T], join func(context.Context, []T) error) error {
	if err := p.SubmitAll(ctx, chordTasks(name, jobs, join)); err != nil {
		return fmt.Errorf("%s: scheduling %d jobs: %w", name, len(jobs), err)
	}
	return nil
}

func chordTasks[T any](name string, jobs []Job[T], join func(context.Context, []T) error) []Task {
	if len(jobs) == 0 {
		return []Task{func(ctx context.Context) error {
			return join(ctx, nil)
		}}
	}

	results := make([]T, len(jobs))
	var remaining atomic.Int32
	var failed atomic.Bool
	remaining.Store(int32(len(jobs)))

	tasks := make([]Task, len(jobs))
	for i, job := range jobs {
		i, job := i, job
		tasks[i] = func(ctx context.Context) error {
			v, err := job(ctx)
			if err != nil {
				failed.Store(true)
				remaining.Add(-1)
				return fmt.Errorf("%s: job %d: %w", name, i, err)
			}
			results[i] = v
			if remaining.Add(-1) == 0 && !failed.Load() {
				if err := join(ctx, results); err != nil {
					return fmt.Errorf("%s: join: %w", name, err)
				}
			}
			return nil
		}
	}
	return tasks
}
