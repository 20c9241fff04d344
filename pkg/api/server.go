package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/pkgstats/pkg/httputil"
	"github.com/platinummonkey/pkgstats/pkg/middleware"
	"github.com/platinummonkey/pkgstats/pkg/observability"
	"github.com/platinummonkey/pkgstats/pkg/stats"
)

// Server represents the stats API server
type Server struct {
	router       *mux.Router
	handler      http.Handler
	statsHandler *StatsHandlers
	limiter      *middleware.RateLimiter
	logger       *observability.Logger
	metrics      *observability.Metrics
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithRateLimiter limits stats requests per client
func WithRateLimiter(limiter *middleware.RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = limiter }
}

// WithLogger sets the base logger for request-scoped logging
func WithLogger(logger *observability.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics enables HTTP metrics
func WithMetrics(metrics *observability.Metrics) ServerOption {
	return func(s *Server) { s.metrics = metrics }
}

// WithRetryAfter overrides the Retry-After hint sent with pending responses
func WithRetryAfter(d time.Duration) ServerOption {
	return func(s *Server) { s.statsHandler.retryAfter = d }
}

// NewServer creates a new API server
func NewServer(service stats.DownloadStatService, opts ...ServerOption) *Server {
	s := &Server{
		router:       mux.NewRouter(),
		statsHandler: NewStatsHandlers(service),
		logger:       observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()

	s.handler = httputil.Chain(
		httputil.RequestIDMiddleware(s.logger),
		httputil.RecoveryMiddleware,
		httputil.LoggingMiddleware,
	)(s.router)

	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	s.router.Use(observability.TracingMiddleware)
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}
	if s.limiter != nil {
		s.router.Use(s.limiter.Handler)
	}

	s.statsHandler.RegisterRoutes(s.router)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Router returns the underlying router
func (s *Server) Router() *mux.Router {
	return s.router
}
