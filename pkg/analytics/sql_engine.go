package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"github.com/platinummonkey/pkgstats/pkg/observability"

	// Supported warehouse drivers
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SupportedDrivers lists the database/sql drivers OpenSQLEngine accepts
var SupportedDrivers = []string{"postgres", "sqlite3"}

// SQLEngineConfig configures an SQLEngine
type SQLEngineConfig struct {
	// PageSize is the number of rows per result page
	PageSize int `yaml:"page_size"`
	// MaxConcurrent bounds the number of queries running at once
	MaxConcurrent int64 `yaml:"max_concurrent"`
	// MaxJobs bounds how many jobs (and their results) are retained
	MaxJobs int `yaml:"max_jobs"`
	// QueryTimeout bounds a single query
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// DefaultSQLEngineConfig returns sensible defaults
func DefaultSQLEngineConfig() SQLEngineConfig {
	return SQLEngineConfig{
		PageSize:      1000,
		MaxConcurrent: 4,
		MaxJobs:       1024,
		QueryTimeout:  10 * time.Minute,
	}
}

type sqlJob struct {
	mu      sync.Mutex
	state   JobState
	errMsg  string
	columns []string
	pages   [][]Row
}

func (j *sqlJob) status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobStatus{State: j.state, Error: j.errMsg}
}

func (j *sqlJob) setState(state JobState, errMsg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = state
	j.errMsg = errMsg
}

// SQLEngine runs queries against a database/sql warehouse as background jobs,
// exposing them through the asynchronous Engine interface.
type SQLEngine struct {
	db     *sql.DB
	ownsDB bool
	cfg    SQLEngineConfig
	jobs   *lru.Cache[JobID, *sqlJob]
	sem    *semaphore.Weighted
	logger *observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add in Submit before wg.Wait in Close
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	closeOnce sync.Once
}

var _ Engine = (*SQLEngine)(nil)

// NewSQLEngine wraps an open database handle. The caller keeps ownership of db.
func NewSQLEngine(db *sql.DB, cfg SQLEngineConfig, logger *observability.Logger) (*SQLEngine, error) {
	defaults := DefaultSQLEngineConfig()
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaults.PageSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = defaults.MaxJobs
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = defaults.QueryTimeout
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	jobs, err := lru.New[JobID, *sqlJob](cfg.MaxJobs)
	if err != nil {
		return nil, fmt.Errorf("creating job registry: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SQLEngine{
		db:     db,
		cfg:    cfg,
		jobs:   jobs,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		logger: logger.WithField("component", "sql_engine"),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// OpenSQLEngine opens a warehouse connection with the named driver and
// verifies it. The returned engine closes the connection on Close.
func OpenSQLEngine(driver, dsn string, cfg SQLEngineConfig, logger *observability.Logger) (*SQLEngine, error) {
	supported := false
	for _, d := range SupportedDrivers {
		if d == driver {
			supported = true
			break
		}
	}
	if !supported {
		return nil, fmt.Errorf("unsupported warehouse driver %q (must be one of %v)", driver, SupportedDrivers)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping warehouse: %w", err)
	}

	engine, err := NewSQLEngine(db, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	engine.ownsDB = true
	return engine, nil
}

// DB returns the underlying database handle
func (e *SQLEngine) DB() *sql.DB {
	return e.db
}

// Submit starts q in the background and returns its job id
func (e *SQLEngine) Submit(ctx context.Context, q Query) (JobID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrEngineClosed
	}

	id := JobID(uuid.NewString())
	job := &sqlJob{state: JobPending}
	e.jobs.Add(id, job)

	e.wg.Add(1)
	go e.run(id, job, q)

	return id, nil
}

func (e *SQLEngine) run(id JobID, job *sqlJob, q Query) {
	defer e.wg.Done()
	logger := e.logger.WithField("job_id", string(id))

	if err := e.sem.Acquire(e.ctx, 1); err != nil {
		job.setState(JobFailed, "engine shutting down")
		return
	}
	defer e.sem.Release(1)

	job.setState(JobRunning, "")

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.QueryTimeout)
	defer cancel()

	columns, pages, err := e.execute(ctx, q)
	if err != nil {
		logger.WithError(err).Warn("warehouse query failed")
		job.setState(JobFailed, err.Error())
		return
	}

	job.mu.Lock()
	job.columns = columns
	job.pages = pages
	job.state = JobDone
	job.mu.Unlock()

	logger.Debugf("warehouse query finished with %d pages", len(pages))
}

func (e *SQLEngine) execute(ctx context.Context, q Query) ([]string, [][]Row, error) {
	rows, err := e.db.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var pages [][]Row
	current := make([]Row, 0, e.cfg.PageSize)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		current = append(current, Row(values))
		if len(current) == e.cfg.PageSize {
			pages = append(pages, current)
			current = make([]Row, 0, e.cfg.PageSize)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(current) > 0 {
		pages = append(pages, current)
	}

	return columns, pages, nil
}

// Poll returns the state of a job
func (e *SQLEngine) Poll(ctx context.Context, id JobID) (JobStatus, error) {
	job, ok := e.jobs.Get(id)
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job.status(), nil
}

// Fetch returns a page of a finished job. Page tokens are page indexes.
func (e *SQLEngine) Fetch(ctx context.Context, id JobID, pageToken string) (Page, error) {
	job, ok := e.jobs.Get(id)
	if !ok {
		return Page{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	job.mu.Lock()
	defer job.mu.Unlock()

	if job.state != JobDone {
		return Page{}, fmt.Errorf("analytics job %s is %s, results not available", id, job.state)
	}

	idx := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 || n >= len(job.pages) {
			return Page{}, fmt.Errorf("invalid page token %q for job %s", pageToken, id)
		}
		idx = n
	}

	page := Page{Columns: job.columns}
	if len(job.pages) == 0 {
		return page, nil
	}
	page.Rows = job.pages[idx]
	if idx+1 < len(job.pages) {
		page.NextPageToken = strconv.Itoa(idx + 1)
	}
	return page, nil
}

// Close cancels running jobs and waits for them to stop
func (e *SQLEngine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		e.cancel()
		e.wg.Wait()
		if e.ownsDB {
			err = e.db.Close()
		}
	})
	return err
}
