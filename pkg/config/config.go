package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/pkgstats/pkg/analytics"
	"github.com/platinummonkey/pkgstats/pkg/middleware"
	"github.com/platinummonkey/pkgstats/pkg/observability"
	"github.com/platinummonkey/pkgstats/pkg/stats"
	"github.com/platinummonkey/pkgstats/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Redis cache configuration
	Storage storage.Config `yaml:"redis"`

	// Analytics warehouse and query client configuration
	Warehouse WarehouseConfig        `yaml:"warehouse"`
	Query     analytics.ClientConfig `yaml:"query"`

	// Aggregation configuration
	Stats      StatsConfig      `yaml:"stats"`
	Aggregator AggregatorConfig `yaml:"aggregator"`

	// Observability configuration
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`

	// Per-client request limits on the stats API
	RateLimit middleware.RateLimitConfig `yaml:"rate_limit"`
}

// WarehouseConfig selects the SQL warehouse holding raw download events
type WarehouseConfig struct {
	Driver string                    `yaml:"driver"`
	DSN    string                    `yaml:"dsn"`
	Table  string                    `yaml:"table"`
	Engine analytics.SQLEngineConfig `yaml:"engine"`
}

// StatsConfig holds cache lifetimes and the window job pool settings
type StatsConfig struct {
	stats.Config `yaml:",inline"`

	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// AggregatorConfig configures the cache warmer
type AggregatorConfig struct {
	Schedule    string   `yaml:"schedule"`
	Projects    []string `yaml:"projects"`
	Concurrency int      `yaml:"concurrency"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel string `yaml:"log_level"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"` // Use insecure gRPC connection
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Tracing converts the OpenTelemetry settings for observability.InitTracing
func (o ObservabilityConfig) Tracing() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
			RateLimit:       middleware.DefaultRateLimitConfig(),
		},
		Storage: storage.DefaultConfig(),
		Warehouse: WarehouseConfig{
			Driver: "postgres",
			Table:  stats.DefaultTable,
			Engine: analytics.DefaultSQLEngineConfig(),
		},
		Query: analytics.DefaultClientConfig(),
		Stats: StatsConfig{
			Config:     stats.DefaultConfig(),
			Workers:    8,
			QueueSize:  64,
			JobTimeout: 6 * time.Minute,
		},
		Aggregator: AggregatorConfig{
			Schedule:    "*/10 * * * *",
			Concurrency: 4,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "pkgstats",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1.0,
		},
	}
}

// LoadConfig loads configuration from the YAML file named by
// PKGSTATS_CONFIG_FILE (if any) and then from environment variables
func LoadConfig() (*Config, error) {
	return LoadConfigFile(getEnv("PKGSTATS_CONFIG_FILE", ""))
}

// LoadConfigFile loads defaults, overlays the YAML file at path (skipped when
// path is empty), applies environment overrides and validates the result
func LoadConfigFile(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides cfg with any PKGSTATS_* variables that are set
func applyEnv(cfg *Config) {
	s := &cfg.Server
	s.Host = getEnv("PKGSTATS_HOST", s.Host)
	s.Port = getEnv("PKGSTATS_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("PKGSTATS_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("PKGSTATS_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("PKGSTATS_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("PKGSTATS_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.HealthPort = getEnv("PKGSTATS_HEALTH_PORT", s.HealthPort)
	s.RateLimit.Enabled = getEnvBool("PKGSTATS_RATE_LIMIT_ENABLED", s.RateLimit.Enabled)
	s.RateLimit.RequestsPerWindow = getEnvInt("PKGSTATS_RATE_LIMIT_REQUESTS", s.RateLimit.RequestsPerWindow)
	s.RateLimit.WindowDuration = getEnvDuration("PKGSTATS_RATE_LIMIT_WINDOW", s.RateLimit.WindowDuration)
	s.RateLimit.FailOpen = getEnvBool("PKGSTATS_RATE_LIMIT_FAIL_OPEN", s.RateLimit.FailOpen)

	// Redis config
	r := &cfg.Storage
	r.RedisURL = getEnv("PKGSTATS_REDIS_URL", r.RedisURL)
	r.RedisPassword = getEnv("PKGSTATS_REDIS_PASSWORD", r.RedisPassword)
	r.RedisDB = getEnvInt("PKGSTATS_REDIS_DB", r.RedisDB)
	r.RedisMaxRetries = getEnvInt("PKGSTATS_REDIS_MAX_RETRIES", r.RedisMaxRetries)
	r.RedisPoolSize = getEnvInt("PKGSTATS_REDIS_POOL_SIZE", r.RedisPoolSize)

	// Warehouse config
	w := &cfg.Warehouse
	w.Driver = getEnv("PKGSTATS_WAREHOUSE_DRIVER", w.Driver)
	w.DSN = getEnv("PKGSTATS_WAREHOUSE_DSN", w.DSN)
	w.Table = getEnv("PKGSTATS_WAREHOUSE_TABLE", w.Table)
	w.Engine.PageSize = getEnvInt("PKGSTATS_WAREHOUSE_PAGE_SIZE", w.Engine.PageSize)
	w.Engine.MaxConcurrent = getEnvInt64("PKGSTATS_WAREHOUSE_MAX_CONCURRENT", w.Engine.MaxConcurrent)
	w.Engine.QueryTimeout = getEnvDuration("PKGSTATS_WAREHOUSE_QUERY_TIMEOUT", w.Engine.QueryTimeout)

	// Query client config
	q := &cfg.Query
	q.PollInterval = getEnvDuration("PKGSTATS_QUERY_POLL_INTERVAL", q.PollInterval)
	q.MaxWait = getEnvDuration("PKGSTATS_QUERY_MAX_WAIT", q.MaxWait)
	q.MaxRetries = getEnvInt("PKGSTATS_QUERY_MAX_RETRIES", q.MaxRetries)
	q.SubmitRate = getEnvFloat("PKGSTATS_QUERY_SUBMIT_RATE", q.SubmitRate)
	q.SubmitBurst = getEnvInt("PKGSTATS_QUERY_SUBMIT_BURST", q.SubmitBurst)

	// Aggregation config
	st := &cfg.Stats
	st.LeaseTTL = getEnvDuration("PKGSTATS_LEASE_TTL", st.LeaseTTL)
	st.RecordTTL = getEnvDuration("PKGSTATS_RECORD_TTL", st.RecordTTL)
	st.Workers = getEnvInt("PKGSTATS_WORKERS", st.Workers)
	st.QueueSize = getEnvInt("PKGSTATS_QUEUE_SIZE", st.QueueSize)
	st.JobTimeout = getEnvDuration("PKGSTATS_JOB_TIMEOUT", st.JobTimeout)

	a := &cfg.Aggregator
	a.Schedule = getEnv("PKGSTATS_AGGREGATOR_SCHEDULE", a.Schedule)
	if projects := getEnv("PKGSTATS_AGGREGATOR_PROJECTS", ""); projects != "" {
		a.Projects = splitList(projects)
	}
	a.Concurrency = getEnvInt("PKGSTATS_AGGREGATOR_CONCURRENCY", a.Concurrency)

	o := &cfg.Observability
	o.LogLevel = getEnv("PKGSTATS_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("PKGSTATS_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("PKGSTATS_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("PKGSTATS_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("PKGSTATS_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("PKGSTATS_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("PKGSTATS_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("PKGSTATS_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if rl := c.Server.RateLimit; rl.Enabled && (rl.RequestsPerWindow <= 0 || rl.WindowDuration <= 0) {
		return fmt.Errorf("rate limit requests and window must be positive when rate limiting is enabled")
	}

	if c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required")
	}

	// Validate warehouse config
	if !isSupportedDriver(c.Warehouse.Driver) {
		return fmt.Errorf("invalid warehouse driver: %s (must be one of %s)",
			c.Warehouse.Driver, strings.Join(analytics.SupportedDrivers, ", "))
	}
	if c.Warehouse.DSN == "" {
		return fmt.Errorf("warehouse DSN is required")
	}
	if c.Warehouse.Table == "" {
		return fmt.Errorf("warehouse table is required")
	}

	// Validate query client config
	if c.Query.PollInterval <= 0 {
		return fmt.Errorf("query poll interval must be positive")
	}
	if c.Query.MaxWait < c.Query.PollInterval {
		return fmt.Errorf("query max wait (%v) must not be shorter than the poll interval (%v)", c.Query.MaxWait, c.Query.PollInterval)
	}
	if c.Query.MaxRetries < 0 {
		return fmt.Errorf("query max retries must not be negative")
	}

	// Validate aggregation config
	if c.Stats.LeaseTTL <= 0 || c.Stats.RecordTTL <= 0 {
		return fmt.Errorf("lease and record TTLs must be positive")
	}
	if c.Stats.Workers <= 0 {
		return fmt.Errorf("stats workers must be positive")
	}
	if c.Stats.QueueSize < len(stats.Windows) {
		return fmt.Errorf("stats queue size must hold at least %d window jobs", len(stats.Windows))
	}
	if c.Stats.JobTimeout > 0 && c.Stats.JobTimeout < c.Query.MaxWait {
		return fmt.Errorf("stats job timeout (%v) must not be shorter than the query max wait (%v)", c.Stats.JobTimeout, c.Query.MaxWait)
	}

	if c.Aggregator.Schedule != "" {
		if _, err := cron.ParseStandard(c.Aggregator.Schedule); err != nil {
			return fmt.Errorf("invalid aggregator schedule %q: %w", c.Aggregator.Schedule, err)
		}
	}
	if c.Aggregator.Concurrency <= 0 {
		return fmt.Errorf("aggregator concurrency must be positive")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
		if c.Observability.OTelSampleRatio < 0 || c.Observability.OTelSampleRatio > 1 {
			return fmt.Errorf("OpenTelemetry sample ratio must be between 0 and 1")
		}
	}

	return nil
}

func isSupportedDriver(driver string) bool {
	for _, d := range analytics.SupportedDrivers {
		if d == driver {
			return true
		}
	}
	return false
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
