// Package middleware provides HTTP middleware shared by the pkgstats servers.
//
// RateLimiter is a fixed-window limiter keyed by client IP. Counters live in
// Redis so every replica enforces the same budget:
//
//	limiter := middleware.NewRateLimiter(redisStore.Client(), cfg.RateLimit, logger, metrics)
//	router.Use(limiter.Handler)
//
// Each window is a single counter key with an expiry set on the first request
// of the window. Responses carry X-RateLimit-Limit, X-RateLimit-Remaining and
// X-RateLimit-Reset headers; rejected requests get a 429 with Retry-After.
//
// When Redis is unreachable the limiter admits requests if FailOpen is set and
// answers 503 otherwise.
package middleware
