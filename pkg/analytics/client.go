package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/platinummonkey/pkgstats/pkg/observability"
)

const tracerName = "github.com/platinummonkey/pkgstats/pkg/analytics"

// ClientConfig tunes polling, retries and engine protection
type ClientConfig struct {
	// PollInterval is the delay between job status polls
	PollInterval time.Duration `yaml:"poll_interval"`
	// MaxWait bounds the time from submission to a terminal job state
	MaxWait time.Duration `yaml:"max_wait"`
	// MaxRetries is the number of retries per engine request on transient errors
	MaxRetries int `yaml:"max_retries"`
	// RetryBackoff is the delay between retries
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// SubmitRate limits job submissions per second; zero disables the limit
	SubmitRate float64 `yaml:"submit_rate"`
	// SubmitBurst is the limiter burst size
	SubmitBurst int `yaml:"submit_burst"`
	// BreakerFailures is the number of consecutive submit failures that opens the breaker
	BreakerFailures uint32 `yaml:"breaker_failures"`
	// BreakerCooldown is how long the breaker stays open
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// DefaultClientConfig returns the production defaults
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		PollInterval:    500 * time.Millisecond,
		MaxWait:         5 * time.Minute,
		MaxRetries:      2,
		RetryBackoff:    250 * time.Millisecond,
		SubmitRate:      5,
		SubmitBurst:     10,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// Option configures a Client
type Option func(*Client)

// WithClock replaces the wall clock, mainly for tests
func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithLogger sets the client logger
func WithLogger(logger *observability.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics enables Prometheus instrumentation
func WithMetrics(metrics *observability.Metrics) Option {
	return func(c *Client) { c.metrics = metrics }
}

// Client submits queries to an Engine, waits for them and streams the rows
type Client struct {
	engine  Engine
	cfg     ClientConfig
	clock   clockwork.Clock
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewClient creates a new analytics query client
func NewClient(engine Engine, cfg ClientConfig, opts ...Option) *Client {
	defaults := DefaultClientConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaults.MaxWait
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = defaults.BreakerFailures
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = defaults.BreakerCooldown
	}

	c := &Client{
		engine: engine,
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		logger: observability.NopLogger(),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.SubmitRate > 0 {
		burst := cfg.SubmitBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), burst)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "analytics-engine",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("analytics engine circuit breaker state changed")
		},
	})

	return c
}

// Submit runs q on the engine, waits for the job to reach a terminal state and
// returns an iterator over its rows. A job the engine reports as failed yields
// a *QueryExecutionError.
func (c *Client) Submit(ctx context.Context, q Query) (*RowIterator, error) {
	ctx, span := c.tracer.Start(ctx, "analytics.Submit")
	defer span.End()

	start := c.clock.Now()
	id, err := c.submit(ctx, q)
	if err == nil {
		span.SetAttributes(attribute.String("analytics.job_id", string(id)))
		err = c.wait(ctx, id)
	}
	c.metrics.RecordQuery(start, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return &RowIterator{client: c, job: id}, nil
}

func (c *Client) submit(ctx context.Context, q Query) (JobID, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("waiting for submit slot: %w", err)
		}
	}

	var id JobID
	err := c.retry(ctx, "submit", func() error {
		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.engine.Submit(ctx, q)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
		}
		if err != nil {
			return err
		}
		id = res.(JobID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("submitting analytics query: %w", err)
	}

	c.logger.WithField("job_id", string(id)).Debug("analytics job submitted")
	return id, nil
}

// wait polls the job at PollInterval until it is terminal or MaxWait elapses
func (c *Client) wait(ctx context.Context, id JobID) error {
	deadline := c.clock.Now().Add(c.cfg.MaxWait)
	ticker := c.clock.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var status JobStatus
		err := c.retry(ctx, "poll", func() error {
			var err error
			status, err = c.engine.Poll(ctx, id)
			return err
		})
		if err != nil {
			return fmt.Errorf("polling analytics job %s: %w", id, err)
		}

		switch status.State {
		case JobDone:
			return nil
		case JobFailed:
			return &QueryExecutionError{JobID: id, Payload: status.Error}
		}

		if !c.clock.Now().Before(deadline) {
			return fmt.Errorf("%w: job %s still %s after %v", ErrQueryTimeout, id, status.State, c.cfg.MaxWait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

func (c *Client) fetch(ctx context.Context, id JobID, token string) (Page, error) {
	var page Page
	err := c.retry(ctx, "fetch", func() error {
		var err error
		page, err = c.engine.Fetch(ctx, id, token)
		return err
	})
	if err != nil {
		return Page{}, fmt.Errorf("fetching results for analytics job %s: %w", id, err)
	}
	return page, nil
}

// retry runs fn, retrying transient failures up to MaxRetries times
func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryBackoff), uint64(c.cfg.MaxRetries)),
		ctx,
	)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		c.metrics.RecordQueryRetry(op)
		c.logger.WithError(err).WithField("operation", op).Debugf("retrying analytics request in %v", next)
	})
}

func isTransient(err error) bool {
	var execErr *QueryExecutionError
	switch {
	case errors.As(err, &execErr),
		errors.Is(err, ErrJobNotFound),
		errors.Is(err, ErrEngineUnavailable),
		errors.Is(err, ErrEngineClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// RowIterator yields result rows lazily, fetching pages on demand.
// It is single-pass: a new Submit is needed to read the results again.
type RowIterator struct {
	client  *Client
	job     JobID
	columns []string
	page    []Row
	pos     int
	next    string
	started bool
	done    bool
	row     Row
	err     error
}

// Next advances to the next row, fetching the next page when needed.
// It returns false when the rows are exhausted or an error occurred.
func (it *RowIterator) Next(ctx context.Context) bool {
	for {
		if it.err != nil || it.done {
			return false
		}
		if it.pos < len(it.page) {
			it.row = it.page[it.pos]
			it.pos++
			return true
		}
		if it.started && it.next == "" {
			it.done = true
			it.row = nil
			return false
		}

		page, err := it.client.fetch(ctx, it.job, it.next)
		if err != nil {
			it.err = err
			it.row = nil
			return false
		}
		it.started = true
		it.page, it.pos, it.next = page.Rows, 0, page.NextPageToken
		if page.Columns != nil {
			it.columns = page.Columns
		}
	}
}

// Row returns the current row
func (it *RowIterator) Row() Row {
	return it.row
}

// Columns returns the column names reported by the engine, if any
func (it *RowIterator) Columns() []string {
	return it.columns
}

// JobID returns the engine job backing this iterator
func (it *RowIterator) JobID() JobID {
	return it.job
}

// Err returns the error that stopped iteration, if any
func (it *RowIterator) Err() error {
	return it.err
}

// Collect drains the iterator into a slice
func (it *RowIterator) Collect(ctx context.Context) ([]Row, error) {
	var rows []Row
	for it.Next(ctx) {
		rows = append(rows, it.Row())
	}
	return rows, it.Err()
}
