// Package config loads server configuration from the environment, with
// an optional .env file for development convenience.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// HTTP listener
	HTTPHost string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	HTTPPort int    `env:"HTTP_PORT" envDefault:"8080"`

	// Entity lifecycle
	PruneIntervalSeconds     int     `env:"PRUNE_INTERVAL_SECONDS" envDefault:"60"`
	DataTimeoutMinutes       int     `env:"DATA_TIMEOUT_MINUTES" envDefault:"30"`
	BroadcastIntervalSeconds float64 `env:"BROADCAST_INTERVAL_SECONDS" envDefault:"0.2"`
	ConnectionTimeoutSeconds int     `env:"CONNECTION_TIMEOUT_SECONDS" envDefault:"5"`

	// Fan-out
	BroadcastChannelCapacity int `env:"BROADCAST_CHANNEL_CAPACITY" envDefault:"100"`

	// Ingest rate limiting
	RateLimitRPS                    float64 `env:"RATE_LIMIT_RPS" envDefault:"5.0"`
	RateLimitBurstCapacity          float64 `env:"RATE_LIMIT_BURST_CAPACITY" envDefault:"15.0"`
	RateLimitViolationThreshold     int     `env:"RATE_LIMIT_VIOLATION_THRESHOLD" envDefault:"20"`
	RateLimitBanDurationSeconds     int     `env:"RATE_LIMIT_BAN_DURATION_SECONDS" envDefault:"300"`
	RateLimitCleanupIntervalSeconds int     `env:"RATE_LIMIT_CLEANUP_INTERVAL_SECONDS" envDefault:"600"`

	// WebSocket upgrade rate limiting (off unless enabled)
	WSRateLimitEnabled   bool    `env:"WS_RATE_LIMIT_ENABLED" envDefault:"false"`
	WSRateLimitPerSecond float64 `env:"WS_RATE_LIMIT_PER_SECOND" envDefault:"5"`
	WSRateLimitBurst     int     `env:"WS_RATE_LIMIT_BURST" envDefault:"10"`

	// Optional NATS ingest bridge; empty URL disables it
	NATSURL     string `env:"NATS_URL" envDefault:""`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"msdp.update"`

	// Static assets
	StaticDirPath string `env:"STATIC_DIR_PATH" envDefault:"static"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	// Monitoring and shutdown
	SysmonIntervalSeconds  int `env:"SYSMON_INTERVAL_SECONDS" envDefault:"15"`
	ShutdownTimeoutSeconds int `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"10"`
}

// Load reads configuration from a .env file (if present) and the
// environment, then validates it. Environment variables win over .env
// entries, which win over defaults.
func Load() (*Config, error) {
	// Missing .env is fine; production supplies real env vars.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.HTTPHost == "" {
		return fmt.Errorf("HTTP_HOST must not be empty")
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be 1-65535, got %d", c.HTTPPort)
	}
	if c.PruneIntervalSeconds < 1 {
		return fmt.Errorf("PRUNE_INTERVAL_SECONDS must be > 0, got %d", c.PruneIntervalSeconds)
	}
	if c.DataTimeoutMinutes < 1 {
		return fmt.Errorf("DATA_TIMEOUT_MINUTES must be > 0, got %d", c.DataTimeoutMinutes)
	}
	if c.BroadcastIntervalSeconds <= 0 {
		return fmt.Errorf("BROADCAST_INTERVAL_SECONDS must be > 0, got %g", c.BroadcastIntervalSeconds)
	}
	if c.ConnectionTimeoutSeconds < 1 {
		return fmt.Errorf("CONNECTION_TIMEOUT_SECONDS must be > 0, got %d", c.ConnectionTimeoutSeconds)
	}
	if c.BroadcastChannelCapacity < 1 {
		return fmt.Errorf("BROADCAST_CHANNEL_CAPACITY must be > 0, got %d", c.BroadcastChannelCapacity)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be > 0, got %g", c.RateLimitRPS)
	}
	if c.RateLimitBurstCapacity < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST_CAPACITY must be >= 1, got %g", c.RateLimitBurstCapacity)
	}
	if c.RateLimitViolationThreshold < 1 {
		return fmt.Errorf("RATE_LIMIT_VIOLATION_THRESHOLD must be >= 1, got %d", c.RateLimitViolationThreshold)
	}
	if c.RateLimitBanDurationSeconds < 1 {
		return fmt.Errorf("RATE_LIMIT_BAN_DURATION_SECONDS must be > 0, got %d", c.RateLimitBanDurationSeconds)
	}
	if c.RateLimitCleanupIntervalSeconds < 1 {
		return fmt.Errorf("RATE_LIMIT_CLEANUP_INTERVAL_SECONDS must be > 0, got %d", c.RateLimitCleanupIntervalSeconds)
	}
	if c.WSRateLimitEnabled {
		if c.WSRateLimitPerSecond <= 0 {
			return fmt.Errorf("WS_RATE_LIMIT_PER_SECOND must be > 0, got %g", c.WSRateLimitPerSecond)
		}
		if c.WSRateLimitBurst < 1 {
			return fmt.Errorf("WS_RATE_LIMIT_BURST must be >= 1, got %d", c.WSRateLimitBurst)
		}
	}
	if c.StaticDirPath == "" {
		return fmt.Errorf("STATIC_DIR_PATH must not be empty")
	}
	if c.SysmonIntervalSeconds < 1 {
		return fmt.Errorf("SYSMON_INTERVAL_SECONDS must be > 0, got %d", c.SysmonIntervalSeconds)
	}
	if c.ShutdownTimeoutSeconds < 1 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT_SECONDS must be > 0, got %d", c.ShutdownTimeoutSeconds)
	}

	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of: trace, debug, info, warn, error (got: %s)", c.LogLevel)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be one of: console, json (got: %s)", c.LogFormat)
	}
	return nil
}

// ListenAddr is the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.HTTPHost, strconv.Itoa(c.HTTPPort))
}

// PruneInterval is the cadence of the entity prune loop.
func (c *Config) PruneInterval() time.Duration {
	return time.Duration(c.PruneIntervalSeconds) * time.Second
}

// DataTimeout is the age at which an entity is removed outright.
func (c *Config) DataTimeout() time.Duration {
	return time.Duration(c.DataTimeoutMinutes) * time.Minute
}

// BroadcastInterval is the delta coalescing window. The variable is
// fractional seconds, 0.2 by default.
func (c *Config) BroadcastInterval() time.Duration {
	return time.Duration(c.BroadcastIntervalSeconds * float64(time.Second))
}

// ConnectionTimeout is the age at which a producer is considered gone
// and its entity marked disconnected.
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSeconds) * time.Second
}

// RateLimitBanDuration is how long an escalated ban lasts.
func (c *Config) RateLimitBanDuration() time.Duration {
	return time.Duration(c.RateLimitBanDurationSeconds) * time.Second
}

// RateLimitCleanupInterval is the cadence of the limiter state GC.
func (c *Config) RateLimitCleanupInterval() time.Duration {
	return time.Duration(c.RateLimitCleanupIntervalSeconds) * time.Second
}

// SysmonInterval is the cadence of resource usage sampling.
func (c *Config) SysmonInterval() time.Duration {
	return time.Duration(c.SysmonIntervalSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// LogConfig logs the effective configuration through the given logger.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.ListenAddr()).
		Dur("prune_interval", c.PruneInterval()).
		Dur("data_timeout", c.DataTimeout()).
		Dur("broadcast_interval", c.BroadcastInterval()).
		Dur("connection_timeout", c.ConnectionTimeout()).
		Int("broadcast_capacity", c.BroadcastChannelCapacity).
		Float64("rate_limit_rps", c.RateLimitRPS).
		Float64("rate_limit_burst", c.RateLimitBurstCapacity).
		Int("rate_limit_violation_threshold", c.RateLimitViolationThreshold).
		Dur("rate_limit_ban_duration", c.RateLimitBanDuration()).
		Dur("rate_limit_cleanup_interval", c.RateLimitCleanupInterval()).
		Bool("ws_rate_limit_enabled", c.WSRateLimitEnabled).
		Str("nats_url", c.NATSURL).
		Str("static_dir", c.StaticDirPath).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
