package storage

import "time"

// Config for the Redis-backed cache store
type Config struct {
	RedisURL        string `yaml:"url"`
	RedisPassword   string `yaml:"password"`
	RedisDB         int    `yaml:"db"`
	RedisMaxRetries int    `yaml:"max_retries"`
	RedisPoolSize   int    `yaml:"pool_size"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		RedisURL:        "redis://localhost:6379/0",
		RedisDB:         0,
		RedisMaxRetries: 3,
		RedisPoolSize:   10,
		DialTimeout:     5 * time.Second,
		ReadTimeout:     3 * time.Second,
		WriteTimeout:    3 * time.Second,
	}
}
