// Package config provides application configuration management from
// environment variables and an optional YAML file.
//
// # Overview
//
// Configuration is resolved in three layers: built-in defaults, the YAML file
// named by PKGSTATS_CONFIG_FILE, then PKGSTATS_* environment variables. The
// result is validated before use.
//
// # Configuration Structure
//
// Server settings:
//
//	PKGSTATS_HOST="0.0.0.0"
//	PKGSTATS_PORT="8080"
//	PKGSTATS_HEALTH_PORT="9090"
//	PKGSTATS_READ_TIMEOUT="15s"
//	PKGSTATS_WRITE_TIMEOUT="15s"
//
// Cache settings:
//
//	PKGSTATS_REDIS_URL="redis://localhost:6379/0"
//	PKGSTATS_REDIS_POOL_SIZE="10"
//	PKGSTATS_LEASE_TTL="30s"
//	PKGSTATS_RECORD_TTL="15m"
//
// Warehouse and query settings:
//
//	PKGSTATS_WAREHOUSE_DRIVER="postgres"  # postgres, sqlite3
//	PKGSTATS_WAREHOUSE_DSN="postgres://analytics/warehouse"
//	PKGSTATS_WAREHOUSE_TABLE="downloads"
//	PKGSTATS_QUERY_POLL_INTERVAL="500ms"
//	PKGSTATS_QUERY_MAX_WAIT="5m"
//	PKGSTATS_QUERY_MAX_RETRIES="2"
//
// Aggregator settings:
//
//	PKGSTATS_AGGREGATOR_SCHEDULE="*/10 * * * *"
//	PKGSTATS_AGGREGATOR_PROJECTS="requests,numpy,django"
//
// Observability settings:
//
//	PKGSTATS_LOG_LEVEL="info"  # debug, info, warn, error
//	PKGSTATS_METRICS_ENABLED="true"
//	PKGSTATS_OTEL_ENABLED="true"
//	PKGSTATS_OTEL_ENDPOINT="otel-collector:4317"
//
// The same settings in YAML:
//
//	server:
//	  port: "8080"
//	redis:
//	  url: redis://localhost:6379/0
//	warehouse:
//	  driver: postgres
//	  dsn: postgres://analytics/warehouse
//	query:
//	  max_wait: 5m
//	stats:
//	  record_ttl: 15m
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Related Packages
//
//   - pkg/storage: Uses the redis configuration
//   - pkg/analytics: Uses the warehouse and query configuration
//   - pkg/stats: Uses cache lifetimes
//   - pkg/observability: Uses observability configuration
package config
