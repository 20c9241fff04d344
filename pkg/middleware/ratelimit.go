package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/pkgstats/pkg/httputil"
	"github.com/platinummonkey/pkgstats/pkg/observability"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerWindow int           `yaml:"requests_per_window"`
	WindowDuration    time.Duration `yaml:"window"`
	// FailOpen admits requests when Redis cannot be reached
	FailOpen bool   `yaml:"fail_open"`
	Prefix   string `yaml:"prefix"`
}

// DefaultRateLimitConfig returns the default per-client limits
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           true,
		RequestsPerWindow: 100,
		WindowDuration:    time.Minute,
		FailOpen:          true,
		Prefix:            "ratelimit:stats",
	}
}

// Decision is the outcome of a rate limit check
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is the time left in the current window
	Reset time.Duration
}

// RateLimiter is a fixed-window rate limiter backed by Redis, shared by every
// replica of the service.
type RateLimiter struct {
	redis   *redis.Client
	config  RateLimitConfig
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRateLimiter creates a new Redis-backed rate limiter
func NewRateLimiter(client *redis.Client, config RateLimitConfig, logger *observability.Logger, metrics *observability.Metrics) *RateLimiter {
	defaults := DefaultRateLimitConfig()
	if config.RequestsPerWindow <= 0 {
		config.RequestsPerWindow = defaults.RequestsPerWindow
	}
	if config.WindowDuration <= 0 {
		config.WindowDuration = defaults.WindowDuration
	}
	if config.Prefix == "" {
		config.Prefix = defaults.Prefix
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &RateLimiter{
		redis:   client,
		config:  config,
		logger:  logger.WithField("component", "rate_limiter"),
		metrics: metrics,
	}
}

func (rl *RateLimiter) key(client string) string {
	return fmt.Sprintf("%s:%s", rl.config.Prefix, client)
}

// Allow counts a request for client in the current window
func (rl *RateLimiter) Allow(ctx context.Context, client string) (Decision, error) {
	redisKey := rl.key(client)

	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("redis error: %w", err)
	}

	reset := ttl.Val()
	if reset < 0 {
		// First request of the window; the expiry is set once so the
		// window does not slide with traffic
		if err := rl.redis.PExpire(ctx, redisKey, rl.config.WindowDuration).Err(); err != nil {
			return Decision{}, fmt.Errorf("redis error: %w", err)
		}
		reset = rl.config.WindowDuration
	}

	count := int(incr.Val())
	remaining := rl.config.RequestsPerWindow - count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= rl.config.RequestsPerWindow,
		Limit:     rl.config.RequestsPerWindow,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}

// Reset clears the window for a client
func (rl *RateLimiter) Reset(ctx context.Context, client string) error {
	return rl.redis.Del(ctx, rl.key(client)).Err()
}

// Handler wraps an HTTP handler with per-client rate limiting
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	if !rl.config.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := "ip:" + ClientIP(r)

		decision, err := rl.Allow(r.Context(), client)
		if err != nil {
			rl.metrics.RecordRateLimited("error")
			if rl.config.FailOpen {
				rl.logger.WithError(err).Warn("rate limiter unavailable, admitting request")
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(decision.Reset).Unix(), 10))

		if !decision.Allowed {
			rl.metrics.RecordRateLimited("rejected")
			rl.logger.WithFields(map[string]interface{}{
				"client":     client,
				"request_id": observability.GetRequestID(r.Context()),
			}).Debug("rate limit exceeded")
			httputil.WriteTooManyRequests(w, "rate limit exceeded", decision.Reset)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the originating client address of r
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
