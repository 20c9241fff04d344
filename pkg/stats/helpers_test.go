package stats

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pkgstats/pkg/analytics"
	"github.com/platinummonkey/pkgstats/pkg/async"
	"github.com/platinummonkey/pkgstats/pkg/observability"
	"github.com/platinummonkey/pkgstats/pkg/storage"
)

// warehouse is an in-memory analytics engine answering window count queries.
// Counts are keyed by "<project>" or "<project>@<version>", then window days.
type warehouse struct {
	mu       sync.Mutex
	counts   map[string]map[int]int64
	failDays map[int]bool
	page     *analytics.Page
	hold     chan struct{}

	seq     int
	jobs    map[analytics.JobID]analytics.Query
	queries []analytics.Query
}

func newWarehouse(counts map[string]map[int]int64) *warehouse {
	return &warehouse{
		counts:   counts,
		failDays: map[int]bool{},
		jobs:     map[analytics.JobID]analytics.Query{},
	}
}

func (w *warehouse) Submit(ctx context.Context, q analytics.Query) (analytics.JobID, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	id := analytics.JobID(fmt.Sprintf("job-%d", w.seq))
	w.jobs[id] = q
	w.queries = append(w.queries, q)
	return id, nil
}

func (w *warehouse) Poll(ctx context.Context, id analytics.JobID) (analytics.JobStatus, error) {
	w.mu.Lock()
	q, ok := w.jobs[id]
	hold := w.hold
	fail := ok && w.failDays[queryDays(q)]
	w.mu.Unlock()

	if !ok {
		return analytics.JobStatus{}, analytics.ErrJobNotFound
	}
	if hold != nil {
		select {
		case <-hold:
		default:
			return analytics.JobStatus{State: analytics.JobRunning}, nil
		}
	}
	if fail {
		return analytics.JobStatus{State: analytics.JobFailed, Error: `{"reason":"resourcesExceeded"}`}, nil
	}
	return analytics.JobStatus{State: analytics.JobDone}, nil
}

func (w *warehouse) Fetch(ctx context.Context, id analytics.JobID, token string) (analytics.Page, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	q, ok := w.jobs[id]
	if !ok {
		return analytics.Page{}, analytics.ErrJobNotFound
	}
	if w.page != nil {
		return *w.page, nil
	}
	count := w.counts[queryScope(q)][queryDays(q)]
	return analytics.Page{Columns: []string{"f0_"}, Rows: []analytics.Row{{count}}}, nil
}

func (w *warehouse) submitted() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queries)
}

func queryDays(q analytics.Query) int {
	start := q.Args[0].(time.Time)
	end := q.Args[1].(time.Time)
	return int(end.Sub(start).Hours()/24 + 0.5)
}

func queryScope(q analytics.Query) string {
	scope := q.Args[2].(string)
	if len(q.Args) > 3 {
		scope += "@" + q.Args[3].(string)
	}
	return scope
}

func testQueryClient(engine analytics.Engine) *analytics.Client {
	return analytics.NewClient(engine, analytics.ClientConfig{
		PollInterval: time.Millisecond,
		MaxWait:      5 * time.Second,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	})
}

type harness struct {
	mr        *miniredis.Miniredis
	pool      *async.WorkerPool
	warehouse *warehouse
	metrics   *observability.Metrics
	svc       *Service
}

func newHarness(t *testing.T, wh *warehouse) *harness {
	t.Helper()
	return newHarnessWithPool(t, wh, async.PoolConfig{
		Name:        "test windows",
		Workers:     4,
		QueueSize:   32,
		TaskTimeout: 10 * time.Second,
	})
}

func newHarnessWithPool(t *testing.T, wh *warehouse, poolCfg async.PoolConfig) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	pool := async.NewWorkerPool(context.Background(), poolCfg, nil)
	t.Cleanup(func() { pool.Shutdown(5 * time.Second) })

	windows, err := NewWindowCalculator(testQueryClient(wh), "", nil)
	require.NoError(t, err)

	svc, err := NewDownloadStatService(Dependencies{
		Cache:   storage.NewRedisStoreFromClient(client, metrics),
		Pool:    pool,
		Windows: windows,
		Config:  DefaultConfig(),
		Metrics: metrics,
	})
	require.NoError(t, err)

	return &harness{mr: mr, pool: pool, warehouse: wh, metrics: metrics, svc: svc}
}

// requestsCounts are the counts used throughout the service tests
func requestsCounts() map[string]map[int]int64 {
	return map[string]map[int]int64{
		"requests":        {1: 120, 7: 800, 30: 3400, 365: 41000},
		"requests@2.31.0": {1: 12, 7: 80, 30: 340, 365: 4100},
	}
}

func strPtr(s string) *string {
	return &s
}
