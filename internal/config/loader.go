package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ORDERSIM_* environment variable overrides, and
// returns the final Config. A missing file is not an error: defaults plus
// environment apply. The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ORDERSIM_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Engine ──
	setStr(&cfg.Engine.URL, "ORDERSIM_ENGINE_URL")
	setDuration(&cfg.Engine.DialTimeout, "ORDERSIM_ENGINE_DIAL_TIMEOUT")
	setDuration(&cfg.Engine.CallTimeout, "ORDERSIM_ENGINE_CALL_TIMEOUT")
	setInt(&cfg.Engine.BreakerFailures, "ORDERSIM_ENGINE_BREAKER_FAILURES")
	setDuration(&cfg.Engine.BreakerCooldown, "ORDERSIM_ENGINE_BREAKER_COOLDOWN")
	setDuration(&cfg.Archive.OlderThan, "ORDERSIM_ARCHIVE_OLDER_THAN")

	// ── Baseline ──
	setStr(&cfg.Baseline.Name, "ORDERSIM_BASELINE_NAME")
	setInt(&cfg.Baseline.Episodes, "ORDERSIM_BASELINE_EPISODES")
	setInt(&cfg.Baseline.Concurrency, "ORDERSIM_BASELINE_CONCURRENCY")

	// ── Replay ──
	setStr(&cfg.Replay.Tape, "ORDERSIM_REPLAY_TAPE")
	setBool(&cfg.Replay.Strict, "ORDERSIM_REPLAY_STRICT")

	// ── Recorder ──
	setBool(&cfg.Recorder.Enabled, "ORDERSIM_RECORDER_ENABLED")
	setStr(&cfg.Recorder.Prefix, "ORDERSIM_RECORDER_PREFIX")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ORDERSIM_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ORDERSIM_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ORDERSIM_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ORDERSIM_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ORDERSIM_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ORDERSIM_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ORDERSIM_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ORDERSIM_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ORDERSIM_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ORDERSIM_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ORDERSIM_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ORDERSIM_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ORDERSIM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ORDERSIM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ORDERSIM_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ORDERSIM_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ORDERSIM_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ORDERSIM_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.StatusTTL, "ORDERSIM_REDIS_STATUS_TTL")
	setInt(&cfg.Redis.StreamMaxLen, "ORDERSIM_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ORDERSIM_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ORDERSIM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ORDERSIM_S3_REGION")
	setStr(&cfg.S3.Bucket, "ORDERSIM_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ORDERSIM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ORDERSIM_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ORDERSIM_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ORDERSIM_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setInt(&cfg.Server.Port, "ORDERSIM_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ORDERSIM_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ORDERSIM_SERVER_API_KEY")
	setInt(&cfg.Server.MaxSessions, "ORDERSIM_SERVER_MAX_SESSIONS")
	setInt(&cfg.Server.RateLimit, "ORDERSIM_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.RateLimitBurst, "ORDERSIM_SERVER_RATE_LIMIT_BURST")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ORDERSIM_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ORDERSIM_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ORDERSIM_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ORDERSIM_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "ORDERSIM_MODE")
	setStr(&cfg.LogLevel, "ORDERSIM_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
