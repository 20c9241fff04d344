package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/platinummonkey/pkgstats/pkg/observability"
)

// ErrPoolClosed is returned when submitting to a pool that has been shut down
var ErrPoolClosed = errors.New("worker pool shut down")

// ErrQueueFull is returned by TrySubmit and TrySubmitAll when not enough queue slots are free
var ErrQueueFull = errors.New("worker pool queue full")

// ErrTooManyTasks is returned when a group of tasks could never fit in the queue
var ErrTooManyTasks = errors.New("task group larger than worker pool queue")

// Task is a unit of work executed by the pool
type Task func(context.Context) error

// PoolConfig configures a WorkerPool
type PoolConfig struct {
	// Name identifies the pool in logs
	Name string
	// Workers is the number of concurrent workers
	Workers int
	// QueueSize is the number of tasks that may wait for a worker.
	// Defaults to Workers*2.
	QueueSize int
	// TaskTimeout bounds every task. Zero means no per-task timeout.
	TaskTimeout time.Duration
}

// WorkerPool manages a pool of workers that process tasks from a channel.
// Provides panic recovery, per-task timeouts and graceful shutdown.
type WorkerPool struct {
	cfg    PoolConfig
	logger *observability.Logger

	mu     sync.RWMutex
	closed bool
	workCh chan Task
	// slots counts free queue positions. A slot is taken before a task is
	// sent and given back when a worker receives it, so sends never block
	// and a group of tasks can be queued all at once or not at all.
	slots  *semaphore.Weighted
	doneCh chan struct{}
	// closing is done once Shutdown starts; it wakes SubmitAll waiters
	closing     context.Context
	stopWaiters context.CancelFunc

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewWorkerPool creates and starts a new worker pool.
//
//	pool := async.NewWorkerPool(ctx, async.PoolConfig{Name: "window jobs", Workers: 8}, logger)
//	defer pool.Shutdown(5 * time.Second)
func NewWorkerPool(ctx context.Context, cfg PoolConfig, logger *observability.Logger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 2
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	ctx, cancel := context.WithCancel(ctx)
	closing, stopWaiters := context.WithCancel(context.Background())

	pool := &WorkerPool{
		cfg:    cfg,
		logger: logger.WithField("pool", cfg.Name),
		workCh: make(chan Task, cfg.QueueSize),
		slots:  semaphore.NewWeighted(int64(cfg.QueueSize)),
		doneCh: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,

		closing:     closing,
		stopWaiters: stopWaiters,
	}

	// Start workers and wait for them to finish in background
	go func() {
		var wg sync.WaitGroup
		for i := 0; i < cfg.Workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues a task, blocking while the queue is full.
// Returns ErrPoolClosed if the pool is shut down.
func (p *WorkerPool) Submit(fn Task) error {
	return p.SubmitAll(p.ctx, []Task{fn})
}

// TrySubmit queues a task without blocking
func (p *WorkerPool) TrySubmit(fn Task) error {
	return p.TrySubmitAll([]Task{fn})
}

// SubmitAll queues every task once enough queue slots are free, waiting for
// them until ctx is done. Either all tasks are queued or none is.
func (p *WorkerPool) SubmitAll(ctx context.Context, fns []Task) error {
	p.mu.RLock()
	err := p.checkGroup(len(fns))
	p.mu.RUnlock()
	if err != nil {
		return err
	}

	// Wait without the lock so Shutdown is never held up by a waiter
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.closing, cancel)
	defer stop()

	n := int64(len(fns))
	if err := p.slots.Acquire(ctx, n); err != nil {
		if p.closing.Err() != nil {
			return ErrPoolClosed
		}
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.slots.Release(n)
		return ErrPoolClosed
	}
	p.enqueue(fns)
	return nil
}

// TrySubmitAll queues every task without blocking, or none of them and
// ErrQueueFull when the queue cannot take them all.
func (p *WorkerPool) TrySubmitAll(fns []Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkGroup(len(fns)); err != nil {
		return err
	}
	if !p.slots.TryAcquire(int64(len(fns))) {
		return ErrQueueFull
	}
	p.enqueue(fns)
	return nil
}

// checkGroup must be called with p.mu held
func (p *WorkerPool) checkGroup(n int) error {
	if p.closed {
		return ErrPoolClosed
	}
	if n > p.cfg.QueueSize {
		return fmt.Errorf("%w: %d tasks, queue size %d", ErrTooManyTasks, n, p.cfg.QueueSize)
	}
	return nil
}

// enqueue sends tasks whose slots are already held; it never blocks
func (p *WorkerPool) enqueue(fns []Task) {
	for _, fn := range fns {
		p.workCh <- fn
	}
}

// Shutdown stops accepting tasks and waits up to timeout for queued and
// running tasks to finish. Running tasks are cancelled on timeout.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		p.stopWaiters()
		p.mu.Lock()
		p.closed = true
		close(p.workCh)
		p.mu.Unlock()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool %s shutdown timed out after %v", p.cfg.Name, timeout)
		}
	})

	return shutdownErr
}

// ShutdownContext is Shutdown bounded by ctx instead of a fixed timeout
func (p *WorkerPool) ShutdownContext(ctx context.Context) error {
	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return p.Shutdown(timeout)
}

func (p *WorkerPool) worker(id int) {
	for fn := range p.workCh {
		p.slots.Release(1)
		p.run(id, fn)
	}
}

func (p *WorkerPool) run(id int, fn Task) {
	ctx := p.ctx
	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	err := func() (err error) {
		defer func() {
			if perr := observability.PanicError(p.logger, p.cfg.Name, recover()); perr != nil {
				err = perr
			}
		}()
		return fn(ctx)
	}()

	if err != nil {
		p.logger.WithField("worker", id).WithError(err).Warn("task failed")
	}
}
