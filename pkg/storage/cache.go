package storage

import (
	"context"
	"time"
)

// CacheStore is a shared key-value store with TTLs. Every mutation is a
// single-key atomic operation; callers must not assume multi-key transactions.
//
// A missing key is not an error: Get returns (nil, nil) and MGet returns a nil
// entry in the corresponding position.
type CacheStore interface {
	// Get returns the value stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// MGet reads several keys in one round trip. The result has one entry per key.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)

	// SetNX stores value only if key does not exist and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// SetEX stores value with an expiry, overwriting any previous value.
	SetEX(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// DeleteIfValue removes key only while it still holds value.
	DeleteIfValue(ctx context.Context, key string, value []byte) (bool, error)
}
