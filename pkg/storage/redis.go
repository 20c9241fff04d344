package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/pkgstats/pkg/observability"
)

// compareAndDelete removes KEYS[1] only if it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements CacheStore on top of Redis
type RedisStore struct {
	client  *redis.Client
	metrics *observability.Metrics
}

var _ CacheStore = (*RedisStore)(nil)

// NewRedisStore creates a new Redis-backed cache store and verifies connectivity
func NewRedisStore(config Config, metrics *observability.Metrics) (*RedisStore, error) {
	opts, err := redisOptions(config)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreFromClient(client, metrics), nil
}

// redisOptions builds client options from config. A rediss:// URL enables TLS.
func redisOptions(config Config) (*redis.Options, error) {
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Override with config values if provided
	if config.RedisPassword != "" {
		opts.Password = config.RedisPassword
	}
	if config.RedisDB > 0 {
		opts.DB = config.RedisDB
	}
	if config.RedisMaxRetries > 0 {
		opts.MaxRetries = config.RedisMaxRetries
	}
	if config.RedisPoolSize > 0 {
		opts.PoolSize = config.RedisPoolSize
	}

	opts.DialTimeout = durationOr(config.DialTimeout, 5*time.Second)
	opts.ReadTimeout = durationOr(config.ReadTimeout, 3*time.Second)
	opts.WriteTimeout = durationOr(config.WriteTimeout, 3*time.Second)
	opts.PoolTimeout = opts.ReadTimeout + time.Second
	return opts, nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client *redis.Client, metrics *observability.Metrics) *RedisStore {
	return &RedisStore{client: client, metrics: metrics}
}

// Get retrieves a value, returning (nil, nil) on a miss
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		s.metrics.RecordRedisCommand("get", start, nil)
		return nil, nil
	}
	s.metrics.RecordRedisCommand("get", start, err)
	if err != nil {
		return nil, fmt.Errorf("redis get %s failed: %w", key, err)
	}
	return data, nil
}

// MGet retrieves several values in a single round trip
func (s *RedisStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	start := time.Now()
	vals, err := s.client.MGet(ctx, keys...).Result()
	s.metrics.RecordRedisCommand("mget", start, err)
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}

	out := make([][]byte, len(keys))
	for i, v := range vals {
		switch val := v.(type) {
		case nil:
		case string:
			out[i] = []byte(val)
		case []byte:
			out[i] = val
		default:
			return nil, fmt.Errorf("redis mget: unexpected value type %T for %s", v, keys[i])
		}
	}
	return out, nil
}

// SetNX sets a key only if it doesn't exist (for leases)
func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	s.metrics.RecordRedisCommand("setnx", start, err)
	if err != nil {
		return false, fmt.Errorf("redis setnx %s failed: %w", key, err)
	}
	return ok, nil
}

// SetEX stores a value with an expiration
func (s *RedisStore) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := s.client.Set(ctx, key, value, ttl).Err()
	s.metrics.RecordRedisCommand("setex", start, err)
	if err != nil {
		return fmt.Errorf("redis setex %s failed: %w", key, err)
	}
	return nil
}

// Delete removes keys
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	start := time.Now()
	err := s.client.Del(ctx, keys...).Err()
	s.metrics.RecordRedisCommand("del", start, err)
	if err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// DeleteIfValue atomically removes key if it still holds value
func (s *RedisStore) DeleteIfValue(ctx context.Context, key string, value []byte) (bool, error) {
	start := time.Now()
	n, err := compareAndDelete.Run(ctx, s.client, []string{key}, value).Int()
	s.metrics.RecordRedisCommand("cad", start, err)
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s failed: %w", key, err)
	}
	return n == 1, nil
}

// Ping checks Redis connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client for health checks
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
