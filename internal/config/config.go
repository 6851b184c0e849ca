// Package config loads and validates kvsvrd's runtime configuration,
// grounded on teacher_reference/ws/config.go: env-tagged struct parsed
// by caarlos0/env, an optional .env file loaded with joho/godotenv,
// explicit Validate/Print/LogConfig methods.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable of the server. Tags:
//
//	env: environment variable name
//	envDefault: default value if unset
type Config struct {
	// Network
	Addr string `env:"KVSVRD_ADDR" envDefault:":6380"`

	// Storage
	HeapInitialBytes int    `env:"KVSVRD_HEAP_INITIAL_BYTES" envDefault:"1048576"`
	TableInitialSize int    `env:"KVSVRD_TABLE_INITIAL_SIZE" envDefault:"256"`
	SnapshotPath     string `env:"KVSVRD_SNAPSHOT_PATH" envDefault:"data.csv"`
	SnapshotEnabled  bool   `env:"KVSVRD_SNAPSHOT_ENABLED" envDefault:"true"`
	SnapshotInterval time.Duration `env:"KVSVRD_SNAPSHOT_INTERVAL" envDefault:"5m"`

	// Capacity
	MaxConnections int `env:"KVSVRD_MAX_CONNECTIONS" envDefault:"1000"`
	MaxLineBytes   int `env:"KVSVRD_MAX_LINE_BYTES" envDefault:"4096"`

	// Rate limiting
	MaxCommandsPerSec int `env:"KVSVRD_MAX_COMMANDS_PER_SEC" envDefault:"500"`

	// HTTP admin surface
	EnableHTTP bool   `env:"KVSVRD_ENABLE_HTTP" envDefault:"true"`
	HTTPAddr   string `env:"KVSVRD_HTTP_ADDR" envDefault:":6381"`
	WebRoot    string `env:"KVSVRD_WEB_ROOT" envDefault:""`

	// OP command: pipes a stored value through a shell command and
	// writes the result back. Disabled by default — it grants arbitrary
	// shell execution to any client that can open a connection.
	EnableOpExecutor bool `env:"KVSVRD_ENABLE_OP_EXECUTOR" envDefault:"false"`
	OpMaxPerSec      int  `env:"KVSVRD_OP_MAX_PER_SEC" envDefault:"10"`

	// Pub/sub
	EnableNewsletter bool `env:"KVSVRD_ENABLE_NEWSLETTER" envDefault:"true"`

	// Monitoring
	MetricsInterval time.Duration `env:"KVSVRD_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"KVSVRD_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"KVSVRD_LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"KVSVRD_ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and then from
// environment variables (env vars win), validates it, and returns it.
// Priority matches teacher_reference/ws/config.go's LoadConfig.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("config: no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("config: loaded overrides from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("KVSVRD_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("KVSVRD_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.MaxLineBytes < 1 {
		return fmt.Errorf("KVSVRD_MAX_LINE_BYTES must be > 0, got %d", c.MaxLineBytes)
	}
	if c.HeapInitialBytes < 1 {
		return fmt.Errorf("KVSVRD_HEAP_INITIAL_BYTES must be > 0, got %d", c.HeapInitialBytes)
	}
	if c.TableInitialSize < 1 {
		return fmt.Errorf("KVSVRD_TABLE_INITIAL_SIZE must be > 0, got %d", c.TableInitialSize)
	}
	if c.MaxCommandsPerSec < 0 {
		return fmt.Errorf("KVSVRD_MAX_COMMANDS_PER_SEC must be >= 0, got %d", c.MaxCommandsPerSec)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("KVSVRD_LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("KVSVRD_LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}

	return nil
}

// Print writes a human-readable configuration summary to stdout, for
// interactive startup.
func (c *Config) Print() {
	fmt.Println("=== kvsvrd configuration ===")
	fmt.Printf("Environment:        %s\n", c.Environment)
	fmt.Printf("Address:            %s\n", c.Addr)
	fmt.Printf("HTTP admin address: %s\n", c.HTTPAddr)
	fmt.Println("--- storage ---")
	fmt.Printf("Heap initial bytes: %d\n", c.HeapInitialBytes)
	fmt.Printf("Table initial size: %d\n", c.TableInitialSize)
	fmt.Printf("Snapshot enabled:   %v\n", c.SnapshotEnabled)
	fmt.Printf("Snapshot path:      %s\n", c.SnapshotPath)
	fmt.Printf("Snapshot interval:  %s\n", c.SnapshotInterval)
	fmt.Println("--- capacity ---")
	fmt.Printf("Max connections:    %d\n", c.MaxConnections)
	fmt.Printf("Max line bytes:     %d\n", c.MaxLineBytes)
	fmt.Printf("Max commands/sec:   %d\n", c.MaxCommandsPerSec)
	fmt.Println("--- op executor ---")
	fmt.Printf("Enabled:            %v\n", c.EnableOpExecutor)
	fmt.Printf("Max ops/sec:        %d\n", c.OpMaxPerSec)
	fmt.Println("--- logging ---")
	fmt.Printf("Level:              %s\n", c.LogLevel)
	fmt.Printf("Format:             %s\n", c.LogFormat)
	fmt.Println("============================")
}

// LogConfig emits the same summary through structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("http_addr", c.HTTPAddr).
		Int("heap_initial_bytes", c.HeapInitialBytes).
		Int("table_initial_size", c.TableInitialSize).
		Bool("snapshot_enabled", c.SnapshotEnabled).
		Str("snapshot_path", c.SnapshotPath).
		Dur("snapshot_interval", c.SnapshotInterval).
		Int("max_connections", c.MaxConnections).
		Int("max_line_bytes", c.MaxLineBytes).
		Int("max_commands_per_sec", c.MaxCommandsPerSec).
		Bool("enable_http", c.EnableHTTP).
		Bool("enable_op_executor", c.EnableOpExecutor).
		Int("op_max_per_sec", c.OpMaxPerSec).
		Bool("enable_newsletter", c.EnableNewsletter).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
