package stats

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/pkgstats/pkg/async"
	"github.com/platinummonkey/pkgstats/pkg/storage"
)

type windowFunc func(ctx context.Context, days int, project string, version *string) (int64, error)

func (f windowFunc) Compute(ctx context.Context, days int, project string, version *string) (int64, error) {
	return f(ctx, days, project, version)
}

func newTestCoordinator(t *testing.T, windows WindowComputer) (*Coordinator, *miniredis.Miniredis, *async.WorkerPool) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	pool := async.NewWorkerPool(context.Background(), async.PoolConfig{Name: "coordinator test", Workers: 4, QueueSize: 16}, nil)
	t.Cleanup(func() { pool.Shutdown(time.Second) })

	c := NewCoordinator(storage.NewRedisStoreFromClient(client, nil), pool, windows, Config{}, nil, nil)
	return c, mr, pool
}

func TestCoordinator_StoresRecordAndReleasesLease(t *testing.T) {
	var calls atomic.Int32
	c, mr, pool := newTestCoordinator(t, windowFunc(func(ctx context.Context, days int, project string, version *string) (int64, error) {
		calls.Add(1)
		assert.Equal(t, "requests", project)
		if assert.NotNil(t, version) {
			assert.Equal(t, "2.31.0", *version)
		}
		return int64(days * 10), nil
	}))

	require.NoError(t, c.BeginAggregation(context.Background(), "requests", strPtr("2.31.0")))
	require.NoError(t, pool.Shutdown(time.Second))

	assert.Equal(t, int32(4), calls.Load())
	assert.False(t, mr.Exists("stats:downloads:requests:2.31.0:processing"))

	data, err := mr.Get("stats:downloads:requests:2.31.0")
	require.NoError(t, err)
	var record StatRecord
	require.NoError(t, record.UnmarshalBinary([]byte(data)))
	assert.Equal(t, StatRecord{Daily: 10, Weekly: 70, Monthly: 300, Yearly: 3650}, record)
	assert.Equal(t, 15*time.Minute, mr.TTL("stats:downloads:requests:2.31.0"))
}

func TestCoordinator_SkipsWhenLeaseHeld(t *testing.T) {
	var calls atomic.Int32
	c, mr, pool := newTestCoordinator(t, windowFunc(func(ctx context.Context, days int, project string, version *string) (int64, error) {
		calls.Add(1)
		return 1, nil
	}))

	require.NoError(t, mr.Set("stats:downloads:requests:processing", "other-owner"))

	require.NoError(t, c.BeginAggregation(context.Background(), "requests", nil))
	require.NoError(t, pool.Shutdown(time.Second))

	assert.Zero(t, calls.Load())
	assert.False(t, mr.Exists("stats:downloads:requests"))
}

func TestCoordinator_LeaseTTL(t *testing.T) {
	release := make(chan struct{})
	c, mr, _ := newTestCoordinator(t, windowFunc(func(ctx context.Context, days int, project string, version *string) (int64, error) {
		<-release
		return 1, nil
	}))
	defer close(release)

	require.NoError(t, c.BeginAggregation(context.Background(), "requests", nil))

	owner, err := mr.Get("stats:downloads:requests:processing")
	require.NoError(t, err)
	assert.Len(t, owner, 36, "lease holds a uuid owner")
	assert.Equal(t, 30*time.Second, mr.TTL("stats:downloads:requests:processing"))
}

func TestCoordinator_DispatchFailureReleasesLease(t *testing.T) {
	c, mr, pool := newTestCoordinator(t, windowFunc(func(ctx context.Context, days int, project string, version *string) (int64, error) {
		return 1, nil
	}))
	require.NoError(t, pool.Shutdown(time.Second))

	err := c.BeginAggregation(context.Background(), "requests", nil)
	require.ErrorIs(t, err, async.ErrPoolClosed)
	assert.False(t, mr.Exists("stats:downloads:requests:processing"))
}

func TestCoordinator_WindowFailure(t *testing.T) {
	c, mr, pool := newTestCoordinator(t, windowFunc(func(ctx context.Context, days int, project string, version *string) (int64, error) {
		if days == 30 {
			return 0, &MalformedResultError{Rows: 2, Columns: 1}
		}
		return 1, nil
	}))

	require.NoError(t, c.BeginAggregation(context.Background(), "requests", nil))
	require.NoError(t, pool.Shutdown(time.Second))

	assert.False(t, mr.Exists("stats:downloads:requests"))
	assert.True(t, mr.Exists("stats:downloads:requests:processing"))
}

func TestCoordinator_StoreKeepsForeignLease(t *testing.T) {
	c, mr, _ := newTestCoordinator(t, windowFunc(func(ctx context.Context, days int, project string, version *string) (int64, error) {
		return 1, nil
	}))

	key, err := NewStatKey("requests", nil)
	require.NoError(t, err)

	// Our lease expired and another run took it over
	require.NoError(t, mr.Set(key.Lease().String(), "new-owner"))

	require.NoError(t, c.store(context.Background(), key, []byte("old-owner"), StatRecord{Daily: 1}))
	assert.True(t, mr.Exists(key.String()))

	owner, err := mr.Get(key.Lease().String())
	require.NoError(t, err)
	assert.Equal(t, "new-owner", owner)
}

func TestCoordinator_LeaseError(t *testing.T) {
	c, mr, _ := newTestCoordinator(t, windowFunc(func(ctx context.Context, days int, project string, version *string) (int64, error) {
		return 1, nil
	}))
	mr.SetError("READONLY You can't write against a read only replica.")

	err := c.BeginAggregation(context.Background(), "requests", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquiring aggregation lease")

	var malformed *MalformedResultError
	assert.False(t, errors.As(err, &malformed))
}

func TestCoordinator_BeginAggregationWaitsForQueue(t *testing.T) {
	release := make(chan struct{})
	c, mr, _ := newTestCoordinator(t, windowFunc(func(ctx context.Context, days int, project string, version *string) (int64, error) {
		if project == "a" {
			<-release
		}
		return int64(days), nil
	}))
	pool := async.NewWorkerPool(context.Background(), async.PoolConfig{Name: "one worker", Workers: 1, QueueSize: 4}, nil)
	c.pool = pool

	require.NoError(t, c.BeginAggregation(context.Background(), "a", nil))

	// a's windows hold every slot the worker has not taken yet
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.BeginAggregation(ctx, "b", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, mr.Exists("stats:downloads:b:processing"), "lease is released when the wait gives up")

	done := make(chan error, 1)
	go func() { done <- c.BeginAggregation(context.Background(), "c", nil) }()

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("BeginAggregation did not get queue space")
	}
	require.NoError(t, pool.Shutdown(5*time.Second))

	assert.True(t, mr.Exists("stats:downloads:a"))
	assert.True(t, mr.Exists("stats:downloads:c"))
	assert.False(t, mr.Exists("stats:downloads:b"))
}
