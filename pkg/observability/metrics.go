package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimitedTotal    *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal    *prometheus.CounterVec
	CacheMissesTotal  *prometheus.CounterVec
	CacheCorruptTotal prometheus.Counter
	StatsPendingTotal prometheus.Counter

	// Redis metrics
	RedisCommandsTotal   *prometheus.CounterVec
	RedisCommandDuration *prometheus.HistogramVec

	// Aggregation metrics
	AggregationRunsTotal   *prometheus.CounterVec
	WindowJobDuration      *prometheus.HistogramVec
	WindowJobFailuresTotal *prometheus.CounterVec

	// Analytics engine metrics
	QueryDuration     *prometheus.HistogramVec
	QueryRetriesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgstats_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pkgstats_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgstats_rate_limited_total",
				Help: "Rate limiter decisions that did not admit the request (rejected, error)",
			},
			[]string{"reason"},
		),

		// Cache metrics
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgstats_cache_hits_total",
				Help: "Total number of stat record cache hits",
			},
			[]string{"key_type"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgstats_cache_misses_total",
				Help: "Total number of stat record cache misses",
			},
			[]string{"key_type"},
		),
		CacheCorruptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pkgstats_cache_corrupt_total",
				Help: "Total number of undecodable cached stat records",
			},
		),
		StatsPendingTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pkgstats_stats_pending_total",
				Help: "Total number of lookups answered with a pending signal",
			},
		),

		// Redis metrics
		RedisCommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgstats_redis_commands_total",
				Help: "Total number of Redis commands",
			},
			[]string{"command", "status"},
		),
		RedisCommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pkgstats_redis_command_duration_seconds",
				Help:    "Redis command duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"command"},
		),

		// Aggregation metrics
		AggregationRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgstats_aggregation_runs_total",
				Help: "Aggregation runs by outcome (started, skipped, deferred, stored, failed)",
			},
			[]string{"outcome"},
		),
		WindowJobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pkgstats_window_job_duration_seconds",
				Help:    "Rolling window computation duration in seconds",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"window"},
		),
		WindowJobFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgstats_window_job_failures_total",
				Help: "Total number of failed rolling window computations",
			},
			[]string{"window"},
		),

		// Analytics engine metrics
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pkgstats_query_duration_seconds",
				Help:    "Analytics query duration from submit to terminal state",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"outcome"},
		),
		QueryRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pkgstats_query_retries_total",
				Help: "Total number of retried analytics engine requests",
			},
			[]string{"operation"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RateLimitedTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheCorruptTotal,
		m.StatsPendingTotal,
		m.RedisCommandsTotal,
		m.RedisCommandDuration,
		m.AggregationRunsTotal,
		m.WindowJobDuration,
		m.WindowJobFailuresTotal,
		m.QueryDuration,
		m.QueryRetriesTotal,
	)

	return m
}

// The helpers below are nil-safe so components can run without metrics.

// RecordCacheLookup records a hit or miss for the given key type
func (m *Metrics) RecordCacheLookup(keyType string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHitsTotal.WithLabelValues(keyType).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(keyType).Inc()
	}
}

// RecordRateLimited counts a request the rate limiter rejected, or a limiter
// error that let the request through
func (m *Metrics) RecordRateLimited(reason string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(reason).Inc()
}

// RecordCacheCorrupt counts a cached value that failed to decode
func (m *Metrics) RecordCacheCorrupt() {
	if m == nil {
		return
	}
	m.CacheCorruptTotal.Inc()
}

// RecordPending counts a lookup answered with a pending signal
func (m *Metrics) RecordPending() {
	if m == nil {
		return
	}
	m.StatsPendingTotal.Inc()
}

// RecordRedisCommand records a Redis command and its latency
func (m *Metrics) RecordRedisCommand(command string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.RedisCommandsTotal.WithLabelValues(command, status).Inc()
	m.RedisCommandDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
}

// RecordAggregation counts an aggregation run outcome
func (m *Metrics) RecordAggregation(outcome string) {
	if m == nil {
		return
	}
	m.AggregationRunsTotal.WithLabelValues(outcome).Inc()
}

// RecordWindowJob records a window computation
func (m *Metrics) RecordWindowJob(window string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.WindowJobDuration.WithLabelValues(window).Observe(time.Since(start).Seconds())
	if err != nil {
		m.WindowJobFailuresTotal.WithLabelValues(window).Inc()
	}
}

// RecordQuery records an analytics query from submit to terminal state
func (m *Metrics) RecordQuery(start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.QueryDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

// RecordQueryRetry counts a retried engine request
func (m *Metrics) RecordQueryRetry(operation string) {
	if m == nil {
		return
	}
	m.QueryRetriesTotal.WithLabelValues(operation).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware creates middleware that records HTTP metrics.
// The path label uses the matched route template to keep cardinality bounded.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the Prometheus metrics endpoint
func RegisterMetricsEndpoint(r *mux.Router, registry *prometheus.Registry) {
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
