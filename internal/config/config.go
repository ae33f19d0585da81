// Package config defines the top-level configuration for ordersim and provides
// validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ORDERSIM_* environment variables.
type Config struct {
	Engine   EngineConfig   `toml:"engine"`
	Baseline BaselineConfig `toml:"baseline"`
	Replay   ReplayConfig   `toml:"replay"`
	Recorder RecorderConfig `toml:"recorder"`
	Archive  ArchiveConfig  `toml:"archive"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// EngineConfig points at the out-of-process simulation engine.
type EngineConfig struct {
	URL         string   `toml:"url"`
	DialTimeout duration `toml:"dial_timeout"`
	CallTimeout duration `toml:"call_timeout"`

	// BreakerFailures consecutive dial failures open the breaker for
	// BreakerCooldown.
	BreakerFailures int      `toml:"breaker_failures"`
	BreakerCooldown duration `toml:"breaker_cooldown"`
}

// BaselineConfig controls a batch of reference-policy episodes.
type BaselineConfig struct {
	Name        string `toml:"name"`
	Episodes    int    `toml:"episodes"`
	Concurrency int    `toml:"concurrency"`
}

// ReplayConfig selects a recorded transcript to replay.
type ReplayConfig struct {
	Tape   string `toml:"tape"`
	Strict bool   `toml:"strict"`
}

// RecorderConfig controls transcript archiving to object storage.
type RecorderConfig struct {
	Enabled bool   `toml:"enabled"`
	Prefix  string `toml:"prefix"`
}

// ArchiveConfig controls moving finished episodes to object storage.
type ArchiveConfig struct {
	OlderThan duration `toml:"older_than"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	StatusTTL    duration `toml:"status_ttl"`
	StreamMaxLen int      `toml:"stream_max_len"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	MaxSessions int      `toml:"max_sessions"`

	// RateLimit is requests per minute per client IP. Zero disables limiting.
	RateLimit      int `toml:"rate_limit"`
	RateLimitBurst int `toml:"rate_limit_burst"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			URL:         "ws://localhost:7070/engine",
			DialTimeout: duration{10 * time.Second},
			CallTimeout: duration{30 * time.Second},

			BreakerFailures: 3,
			BreakerCooldown: duration{30 * time.Second},
		},
		Baseline: BaselineConfig{
			Name:        "reference",
			Episodes:    10,
			Concurrency: 2,
		},
		Replay: ReplayConfig{
			Strict: true,
		},
		Recorder: RecorderConfig{
			Enabled: false,
			Prefix:  "tapes/",
		},
		Archive: ArchiveConfig{
			OlderThan: duration{30 * 24 * time.Hour},
		},
		Postgres: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			Database:      "ordersim",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     20,
			MaxRetries:   3,
			StatusTTL:    duration{30 * time.Minute},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "ordersim-tapes",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			MaxSessions: 64,
			RateLimit:   600,
		},
		Notify: NotifyConfig{
			Events: []string{"baseline_finished", "replay_failed"},
		},
		Mode:     "serve",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve":    true,
	"baseline": true,
	"replay":   true,
	"archive":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, baseline, replay, archive)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Replay runs off a tape and archive never touches the engine.
	if mode != "replay" && mode != "archive" {
		if strings.TrimSpace(c.Engine.URL) == "" {
			errs = append(errs, "engine: url must not be empty")
		}
		if c.Engine.CallTimeout.Duration <= 0 {
			errs = append(errs, "engine: call_timeout must be > 0")
		}
	}

	if mode == "baseline" {
		if c.Baseline.Episodes < 1 {
			errs = append(errs, "baseline: episodes must be >= 1")
		}
		if c.Baseline.Concurrency < 1 {
			errs = append(errs, "baseline: concurrency must be >= 1")
		}
		if c.Baseline.Name == "" {
			errs = append(errs, "baseline: name must not be empty")
		}
	}

	if mode == "replay" {
		if c.Replay.Tape == "" {
			errs = append(errs, "replay: tape must be set")
		}
		if !c.S3.Enabled {
			errs = append(errs, "replay: s3 must be enabled to load tapes")
		}
	}

	if mode == "archive" {
		if !c.Postgres.Enabled || !c.S3.Enabled {
			errs = append(errs, "archive: postgres and s3 must both be enabled")
		}
		if c.Archive.OlderThan.Duration <= 0 {
			errs = append(errs, "archive: older_than must be > 0")
		}
	}

	if c.Recorder.Enabled && !c.S3.Enabled {
		errs = append(errs, "recorder: s3 must be enabled to archive tapes")
	}

	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 {
			errs = append(errs, "postgres: pool_min_conns must be >= 0")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.MaxSessions < 1 {
			errs = append(errs, "server: max_sessions must be >= 1")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
