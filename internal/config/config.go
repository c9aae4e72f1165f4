// Package config loads and validates server configuration from the
// environment, with an optional .env file for development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr       string `env:"VISITD_ADDR" envDefault:":8000"`
	RedisNodes string `env:"REDIS_NODES" envDefault:"redis://redis1:6379"` // comma-separated shard URLs

	// Counting pipeline
	CacheTTL        time.Duration `env:"VISITD_CACHE_TTL" envDefault:"50s"`
	FlushInterval   time.Duration `env:"VISITD_FLUSH_INTERVAL" envDefault:"30s"`
	FlushWorkers    int           `env:"VISITD_FLUSH_WORKERS" envDefault:"0"`     // 0 = 2 x GOMAXPROCS
	FlushQueueSize  int           `env:"VISITD_FLUSH_QUEUE_SIZE" envDefault:"0"`  // 0 = workers x 100
	CacheMaxEntries int           `env:"VISITD_CACHE_MAX_ENTRIES" envDefault:"0"` // 0 = unbounded

	// Sharding
	RedisPoolSize int     `env:"VISITD_REDIS_POOL_SIZE" envDefault:"200"`
	VirtualNodes  int     `env:"VISITD_VIRTUAL_NODES" envDefault:"100"`
	MigrateRate   float64 `env:"VISITD_MIGRATE_RATE" envDefault:"0"` // keys/sec during migration, 0 = unpaced

	// HTTP timeouts
	ReadTimeout     time.Duration `env:"VISITD_HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"VISITD_HTTP_WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout     time.Duration `env:"VISITD_HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"VISITD_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// LoadConfig reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, logs to stdout.
func LoadConfig(logger *zerolog.Logger) (*Config, error) {
	// Load .env file (optional - OK if it doesn't exist)
	// In production (Docker), we use environment variables directly
	// In development, .env file provides convenience
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else {
		if logger != nil {
			logger.Info().Msg("Loaded configuration from .env file")
		}
	}

	cfg := &Config{}

	// Parse environment variables into struct
	// This validates types and applies defaults
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Nodes returns the configured Redis shard URLs.
func (c *Config) Nodes() []string {
	parts := strings.Split(c.RedisNodes, ",")
	nodes := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			nodes = append(nodes, p)
		}
	}
	return nodes
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	// Required fields (no sensible defaults)
	if c.Addr == "" {
		return fmt.Errorf("VISITD_ADDR is required")
	}
	if len(c.Nodes()) == 0 {
		return fmt.Errorf("REDIS_NODES must list at least one shard URL")
	}

	// Range checks
	if c.CacheTTL <= 0 {
		return fmt.Errorf("VISITD_CACHE_TTL must be > 0, got %v", c.CacheTTL)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("VISITD_FLUSH_INTERVAL must be > 0, got %v", c.FlushInterval)
	}
	if c.RedisPoolSize < 1 {
		return fmt.Errorf("VISITD_REDIS_POOL_SIZE must be > 0, got %d", c.RedisPoolSize)
	}
	if c.VirtualNodes < 1 {
		return fmt.Errorf("VISITD_VIRTUAL_NODES must be > 0, got %d", c.VirtualNodes)
	}
	if c.FlushWorkers < 0 {
		return fmt.Errorf("VISITD_FLUSH_WORKERS must be >= 0, got %d", c.FlushWorkers)
	}
	if c.FlushQueueSize < 0 {
		return fmt.Errorf("VISITD_FLUSH_QUEUE_SIZE must be >= 0, got %d", c.FlushQueueSize)
	}
	if c.CacheMaxEntries < 0 {
		return fmt.Errorf("VISITD_CACHE_MAX_ENTRIES must be >= 0, got %d", c.CacheMaxEntries)
	}
	if c.MigrateRate < 0 {
		return fmt.Errorf("VISITD_MIGRATE_RATE must be >= 0, got %.1f", c.MigrateRate)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("VISITD_SHUTDOWN_TIMEOUT must be > 0, got %v", c.ShutdownTimeout)
	}

	// Enum checks
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Print logs configuration for debugging (human-readable format)
// For production, use LogConfig() with structured logging
func (c *Config) Print() {
	fmt.Println("=== Server Configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("Address:         %s\n", c.Addr)
	fmt.Printf("Redis Nodes:     %s\n", c.RedisNodes)
	fmt.Println("\n=== Counting Pipeline ===")
	fmt.Printf("Cache TTL:       %v\n", c.CacheTTL)
	fmt.Printf("Flush Interval:  %v\n", c.FlushInterval)
	fmt.Printf("Flush Workers:   %d (0 = auto)\n", c.FlushWorkers)
	fmt.Printf("Flush Queue:     %d (0 = auto)\n", c.FlushQueueSize)
	fmt.Printf("Cache Cap:       %d (0 = unbounded)\n", c.CacheMaxEntries)
	fmt.Println("\n=== Sharding ===")
	fmt.Printf("Pool Size:       %d\n", c.RedisPoolSize)
	fmt.Printf("Virtual Nodes:   %d\n", c.VirtualNodes)
	fmt.Printf("Migrate Rate:    %.1f keys/sec (0 = unpaced)\n", c.MigrateRate)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:           %s\n", c.LogLevel)
	fmt.Printf("Format:          %s\n", c.LogFormat)
	fmt.Println("============================")
}

// LogConfig logs configuration using structured logging (Loki-compatible)
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("redis_nodes", c.RedisNodes).
		Dur("cache_ttl", c.CacheTTL).
		Dur("flush_interval", c.FlushInterval).
		Int("flush_workers", c.FlushWorkers).
		Int("flush_queue_size", c.FlushQueueSize).
		Int("cache_max_entries", c.CacheMaxEntries).
		Int("redis_pool_size", c.RedisPoolSize).
		Int("virtual_nodes", c.VirtualNodes).
		Float64("migrate_rate", c.MigrateRate).
		Dur("shutdown_timeout", c.ShutdownTimeout).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
