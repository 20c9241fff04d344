// Package observability provides structured logging, Prometheus metrics,
// health checks, OpenTelemetry tracing and graceful shutdown.
//
// # Structured Logging
//
// Logger wraps logrus with a JSON formatter:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("project", "requests").Info("aggregation started")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordCacheLookup("project", true)
//
// All Record* helpers accept a nil *Metrics, so library components work
// without a registry.
//
// # Health Checks
//
// Redis is required (records and leases live there); the analytics warehouse
// is optional and only degrades readiness:
//
//	checker := observability.NewHealthChecker(warehouseDB, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//
// # Tracing
//
// InitTracing installs an OTLP/gRPC tracer provider when enabled; otherwise
// the global no-op provider is kept.
package observability
