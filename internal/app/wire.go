package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	s3blob "github.com/alanyoungcy/ordersim/internal/blob/s3"
	"github.com/alanyoungcy/ordersim/internal/cache/redis"
	"github.com/alanyoungcy/ordersim/internal/config"
	"github.com/alanyoungcy/ordersim/internal/domain"
	"github.com/alanyoungcy/ordersim/internal/engine/remote"
	"github.com/alanyoungcy/ordersim/internal/metrics"
	"github.com/alanyoungcy/ordersim/internal/notify"
	"github.com/alanyoungcy/ordersim/internal/server/handler"
	"github.com/alanyoungcy/ordersim/internal/server/middleware"
	"github.com/alanyoungcy/ordersim/internal/store/postgres"
)

// Dependencies bundles everything the modes use. Optional backends are nil
// when disabled in config.
type Dependencies struct {
	Engines domain.EngineFactory
	Dialer  *remote.Dialer

	Episodes domain.EpisodeStore
	Audit    domain.AuditStore

	Sessions    domain.SessionCache
	Locks       domain.LockManager
	Bus         domain.SignalBus
	RateLimiter domain.RateLimiter

	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.EpisodeArchiver

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	Checks   map[string]handler.Pinger
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// needsEngine reports whether mode talks to the live engine.
func needsEngine(mode string) bool {
	return mode == "serve" || mode == "baseline"
}

// Wire builds the concrete dependencies for cfg and returns them with a
// cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Checks:  map[string]handler.Pinger{},
	}

	if needsEngine(cfg.Mode) {
		deps.Dialer = remote.NewDialer(remote.DialerConfig{
			URL:         cfg.Engine.URL,
			DialTimeout: cfg.Engine.DialTimeout.Duration,
			CallTimeout: cfg.Engine.CallTimeout.Duration,
			Failures:    uint32(max(cfg.Engine.BreakerFailures, 0)),
			Cooldown:    cfg.Engine.BreakerCooldown.Duration,
			OnStateChange: func(name string, _, to gobreaker.State) {
				deps.Metrics.SetBreakerState(name, int(to))
			},
		}, logger)
		deps.Engines = deps.Dialer.Dial
	}

	if cfg.Postgres.Enabled {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail("postgres", err)
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.Episodes = postgres.NewEpisodeStore(pg.Pool())
		deps.Audit = postgres.NewAuditStore(pg.Pool())
		deps.Checks["postgres"] = pg
	}

	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.Sessions = redis.NewSessionCache(rc, cfg.Redis.StatusTTL.Duration)
		deps.Locks = redis.NewLockManager(rc)
		deps.Bus = redis.NewSignalBus(rc, cfg.Redis.StreamMaxLen)
		if cfg.Server.RateLimit > 0 {
			deps.RateLimiter = redis.NewRateLimiter(rc, cfg.Server.RateLimit, time.Minute)
		}
		deps.Checks["redis"] = rc
	} else if cfg.Server.RateLimit > 0 {
		deps.RateLimiter = middleware.NewLocalLimiter(cfg.Server.RateLimit, time.Minute, cfg.Server.RateLimitBurst)
	}

	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail("s3", err)
		}
		deps.BlobWriter = s3blob.NewWriter(sc)
		deps.BlobReader = s3blob.NewReader(sc)
		deps.Checks["s3"] = pingFunc(sc.Health)

		if deps.Episodes != nil && deps.Audit != nil {
			deps.Archiver = s3blob.NewEpisodeArchiver(deps.BlobWriter, deps.Episodes, deps.Audit)
		}
	}

	deps.Notifier = notify.FromConfig(cfg.Notify, logger)
	return deps, cleanup, nil
}
