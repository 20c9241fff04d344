// Package storage provides the shared cache store used for download statistics.
//
// CacheStore is deliberately small: single-key get/set operations with TTLs,
// a batched read, set-if-not-exists for leases, and an owner-checked delete.
// RedisStore is the production implementation; tests run it against miniredis.
//
//	store, err := storage.NewRedisStore(cfg.Storage, metrics)
//	ok, err := store.SetNX(ctx, "stats:downloads:requests:processing", owner, 30*time.Second)
package storage
