package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pkgstats/pkg/observability"
)

// fakeEngine scripts the responses of an analytics engine
type fakeEngine struct {
	mu sync.Mutex

	submitErrs []error
	pollSeq    []JobStatus
	pollErrs   []error
	pages      map[string]Page
	fetchErrs  []error

	submits int
	polls   int
	fetches int
	queries []Query
}

func (f *fakeEngine) Submit(ctx context.Context, q Query) (JobID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.queries = append(f.queries, q)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "job-1", nil
}

func (f *fakeEngine) Poll(ctx context.Context, id JobID) (JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if len(f.pollErrs) > 0 {
		err := f.pollErrs[0]
		f.pollErrs = f.pollErrs[1:]
		if err != nil {
			return JobStatus{}, err
		}
	}
	if len(f.pollSeq) == 0 {
		return JobStatus{State: JobDone}, nil
	}
	status := f.pollSeq[0]
	if len(f.pollSeq) > 1 {
		f.pollSeq = f.pollSeq[1:]
	}
	return status, nil
}

func (f *fakeEngine) Fetch(ctx context.Context, id JobID, token string) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if len(f.fetchErrs) > 0 {
		err := f.fetchErrs[0]
		f.fetchErrs = f.fetchErrs[1:]
		if err != nil {
			return Page{}, err
		}
	}
	page, ok := f.pages[token]
	if !ok {
		return Page{}, errors.New("unknown token")
	}
	return page, nil
}

func testClientConfig() ClientConfig {
	return ClientConfig{
		PollInterval:    time.Millisecond,
		MaxWait:         time.Second,
		MaxRetries:      2,
		RetryBackoff:    time.Millisecond,
		BreakerFailures: 100,
		BreakerCooldown: time.Minute,
	}
}

func twoPages() map[string]Page {
	return map[string]Page{
		"":   {Columns: []string{"project", "count"}, Rows: []Row{{"requests", int64(1)}, {"flask", int64(2)}}, NextPageToken: "p2"},
		"p2": {Rows: []Row{{"django", int64(3)}}},
	}
}

func TestClient_SubmitPaginates(t *testing.T) {
	engine := &fakeEngine{
		pollSeq: []JobStatus{{State: JobPending}, {State: JobRunning}, {State: JobDone}},
		pages:   twoPages(),
	}
	client := NewClient(engine, testClientConfig())

	q := Query{SQL: "SELECT project, count FROM downloads WHERE project = $1", Args: []any{"requests"}}
	it, err := client.Submit(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, JobID("job-1"), it.JobID())
	assert.Equal(t, 3, engine.polls, "client polls until the job is terminal")
	assert.Equal(t, 0, engine.fetches, "rows are fetched lazily")

	rows, err := it.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Row{{"requests", int64(1)}, {"flask", int64(2)}, {"django", int64(3)}}, rows)
	assert.Equal(t, []string{"project", "count"}, it.Columns())
	assert.Equal(t, 2, engine.fetches)

	// Exhausted iterators stay exhausted
	assert.False(t, it.Next(context.Background()))
	assert.Nil(t, it.Row())
	assert.Equal(t, 2, engine.fetches)

	require.Len(t, engine.queries, 1)
	assert.Equal(t, []any{"requests"}, engine.queries[0].Args, "parameters are passed through, not interpolated")
}

func TestClient_EmptyResult(t *testing.T) {
	engine := &fakeEngine{pages: map[string]Page{"": {Columns: []string{"count"}}}}
	client := NewClient(engine, testClientConfig())

	it, err := client.Submit(context.Background(), Query{SQL: "SELECT 1"})
	require.NoError(t, err)

	rows, err := it.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 1, engine.fetches)
}

func TestClient_JobFailed(t *testing.T) {
	engine := &fakeEngine{
		pollSeq: []JobStatus{{State: JobRunning}, {State: JobFailed, Error: `{"reason":"invalidQuery"}`}},
	}
	client := NewClient(engine, testClientConfig())

	_, err := client.Submit(context.Background(), Query{SQL: "SELECT"})
	require.Error(t, err)

	var execErr *QueryExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, JobID("job-1"), execErr.JobID)
	assert.Equal(t, `{"reason":"invalidQuery"}`, execErr.Payload)
	assert.Equal(t, 2, engine.polls, "job failure is not retried")
}

func TestClient_RetriesTransientPollErrors(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	engine := &fakeEngine{
		pollErrs: []error{errors.New("503 backend error"), errors.New("503 backend error")},
		pages:    twoPages(),
	}
	client := NewClient(engine, testClientConfig(), WithMetrics(metrics))

	_, err := client.Submit(context.Background(), Query{SQL: "SELECT 1"})
	require.NoError(t, err)
	assert.Equal(t, 3, engine.polls)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.QueryRetriesTotal.WithLabelValues("poll")))
}

func TestClient_RetryBudgetExhausted(t *testing.T) {
	boom := errors.New("503 backend error")
	engine := &fakeEngine{pollErrs: []error{boom, boom, boom, boom}}
	client := NewClient(engine, testClientConfig())

	_, err := client.Submit(context.Background(), Query{SQL: "SELECT 1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, engine.polls, "one attempt plus two retries")
}

func TestClient_RetriesTransientFetchErrors(t *testing.T) {
	engine := &fakeEngine{
		fetchErrs: []error{errors.New("connection reset")},
		pages:     twoPages(),
	}
	client := NewClient(engine, testClientConfig())

	it, err := client.Submit(context.Background(), Query{SQL: "SELECT 1"})
	require.NoError(t, err)

	rows, err := it.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestClient_FetchFailureStopsIteration(t *testing.T) {
	boom := errors.New("connection reset")
	engine := &fakeEngine{
		fetchErrs: []error{nil, boom, boom, boom},
		pages:     twoPages(),
	}
	client := NewClient(engine, testClientConfig())

	it, err := client.Submit(context.Background(), Query{SQL: "SELECT 1"})
	require.NoError(t, err)

	rows, err := it.Collect(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, rows, 2, "rows of the first page were yielded before the failure")
}

func TestClient_MaxWait(t *testing.T) {
	engine := &fakeEngine{pollSeq: []JobStatus{{State: JobRunning}}}
	cfg := testClientConfig()
	cfg.MaxWait = 20 * time.Millisecond
	client := NewClient(engine, cfg)

	_, err := client.Submit(context.Background(), Query{SQL: "SELECT 1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueryTimeout)
}

func TestClient_ContextCancelled(t *testing.T) {
	engine := &fakeEngine{pollSeq: []JobStatus{{State: JobRunning}}}
	cfg := testClientConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MaxWait = time.Minute
	client := NewClient(engine, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.Submit(ctx, Query{SQL: "SELECT 1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_SubmitRetried(t *testing.T) {
	engine := &fakeEngine{
		submitErrs: []error{errors.New("rate limited")},
		pages:      twoPages(),
	}
	client := NewClient(engine, testClientConfig())

	_, err := client.Submit(context.Background(), Query{SQL: "SELECT 1"})
	require.NoError(t, err)
	assert.Equal(t, 2, engine.submits)
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	boom := errors.New("engine down")
	engine := &fakeEngine{submitErrs: []error{boom, boom, boom, boom}}

	cfg := testClientConfig()
	cfg.MaxRetries = 0
	cfg.BreakerFailures = 2
	client := NewClient(engine, cfg)

	for i := 0; i < 2; i++ {
		_, err := client.Submit(context.Background(), Query{SQL: "SELECT 1"})
		require.ErrorIs(t, err, boom)
	}

	_, err := client.Submit(context.Background(), Query{SQL: "SELECT 1"})
	require.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Equal(t, 2, engine.submits, "open breaker short-circuits the engine")
}

func TestClient_SubmitRateLimit(t *testing.T) {
	engine := &fakeEngine{pages: twoPages()}
	cfg := testClientConfig()
	cfg.SubmitRate = 0.001
	cfg.SubmitBurst = 1
	client := NewClient(engine, cfg)

	_, err := client.Submit(context.Background(), Query{SQL: "SELECT 1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = client.Submit(ctx, Query{SQL: "SELECT 1"})
	require.Error(t, err, "second submission must wait for the limiter")
	assert.Equal(t, 1, engine.submits)
}

func TestJobState_Terminal(t *testing.T) {
	assert.False(t, JobPending.Terminal())
	assert.False(t, JobRunning.Terminal())
	assert.True(t, JobDone.Terminal())
	assert.True(t, JobFailed.Terminal())
}
