package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/ordersim/internal/domain"
	"github.com/alanyoungcy/ordersim/internal/engine/remote"
	"github.com/alanyoungcy/ordersim/internal/engine/tape"
	"github.com/alanyoungcy/ordersim/internal/runner"
	"github.com/alanyoungcy/ordersim/internal/server"
	"github.com/alanyoungcy/ordersim/internal/server/handler"
	"github.com/alanyoungcy/ordersim/internal/server/ws"
	"github.com/alanyoungcy/ordersim/internal/service"
)

const shutdownTimeout = 10 * time.Second

// ServeMode hosts sessions over HTTP until ctx is cancelled. When a replay
// tape is configured it is also served as an engine on /engine.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	sessions := a.sessionService(deps)

	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(a.cfg.Mode, deps.Checks, a.logger),
		Sessions: handler.NewSessionHandler(sessions, a.logger),
		Metrics:  deps.Metrics.Handler(),
	}
	if deps.Episodes != nil {
		handlers.Episodes = handler.NewEpisodeHandler(deps.Episodes, a.logger)
	}
	if a.cfg.Replay.Tape != "" && deps.BlobReader != nil {
		tr, err := tape.Load(ctx, deps.BlobReader, a.cfg.Replay.Tape)
		if err != nil {
			return fmt.Errorf("serve mode: %w", err)
		}
		strict := a.cfg.Replay.Strict
		handlers.Engine = remote.NewHandler(func(context.Context) (domain.Engine, error) {
			return tape.NewEngine(tr, strict), nil
		}, a.logger)
		a.logger.InfoContext(ctx, "serving tape engine",
			slog.String("tape", a.cfg.Replay.Tape),
			slog.Int("episodes", len(tr.Episodes)),
		)
	}

	g, ctx := errgroup.WithContext(ctx)

	opts := server.Options{Limiter: deps.RateLimiter, Observer: deps.Metrics.ObserveHTTP}
	if deps.Bus != nil {
		hub := ws.NewHub(deps.Bus, a.cfg.Mode, a.logger)
		opts.Hub = hub
		g.Go(func() error {
			if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("ws hub: %w", err)
			}
			return nil
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, handlers, opts, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		if cerr := sessions.CloseAll(shutCtx); cerr != nil {
			a.logger.Warn("closing sessions", slog.String("error", cerr.Error()))
		}
		return err
	})

	return g.Wait()
}

func (a *App) sessionService(deps *Dependencies) *service.SessionService {
	svc := service.NewSessionService(deps.Engines, a.logger).
		WithMetrics(deps.Metrics).
		WithMaxSessions(a.cfg.Server.MaxSessions).
		WithNotifier(deps.Notifier)
	if deps.Episodes != nil {
		svc.WithEpisodeStore(deps.Episodes)
	}
	if deps.Audit != nil {
		svc.WithAuditStore(deps.Audit)
	}
	if deps.Sessions != nil {
		svc.WithSessionCache(deps.Sessions)
	}
	if deps.Bus != nil {
		svc.WithSignalBus(deps.Bus)
	}
	if a.cfg.Recorder.Enabled && deps.BlobWriter != nil {
		svc.WithRecorder(deps.BlobWriter, a.cfg.Recorder.Prefix)
	}
	return svc
}

// BaselineMode runs the configured batch of reference episodes and writes
// the report.
func (a *App) BaselineMode(ctx context.Context, deps *Dependencies) error {
	b := runner.NewBaseline(runner.BaselineConfig{
		Name:        a.cfg.Baseline.Name,
		Episodes:    a.cfg.Baseline.Episodes,
		Concurrency: a.cfg.Baseline.Concurrency,
		TapePrefix:  a.cfg.Recorder.Prefix,
	}, deps.Engines, a.logger).
		WithMetrics(deps.Metrics).
		WithNotifier(deps.Notifier)
	if deps.Locks != nil {
		b.WithLocks(deps.Locks)
	}
	if a.cfg.Recorder.Enabled && deps.BlobWriter != nil {
		b.WithRecorder(deps.BlobWriter)
	}

	report, runErr := b.Run(ctx)
	if err := a.writeReport(report); err != nil {
		return errors.Join(runErr, err)
	}
	if deps.Audit != nil {
		if err := deps.Audit.Log(ctx, "baseline.finished", map[string]any{
			"name":      report.Name,
			"episodes":  len(report.Episodes),
			"completed": report.Completed,
			"failed":    report.Failed,
			"vwap":      report.VWAP,
		}); err != nil {
			a.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return runErr
}

// ReplayMode replays the configured tape and writes the report. A tape path
// ending in "/" replays every transcript under that prefix.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	r := runner.NewReplay(deps.BlobReader, a.cfg.Replay.Strict, a.logger).
		WithNotifier(deps.Notifier)
	if strings.HasSuffix(a.cfg.Replay.Tape, "/") {
		reports, runErr := r.RunPrefix(ctx, a.cfg.Replay.Tape)
		if err := a.writeReport(reports); err != nil {
			return errors.Join(runErr, err)
		}
		return runErr
	}
	report, runErr := r.Run(ctx, a.cfg.Replay.Tape)
	if err := a.writeReport(report); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

// ArchiveMode moves finished episodes older than the configured age to
// object storage.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("archive mode: postgres and s3 are required")
	}
	before := time.Now().UTC().Add(-a.cfg.Archive.OlderThan.Duration)
	path, n, err := deps.Archiver.Archive(ctx, before)
	if err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	a.logger.InfoContext(ctx, "episodes archived",
		slog.String("path", path),
		slog.Int("episodes", n),
		slog.Time("before", before),
	)
	return a.writeReport(map[string]any{"path": path, "episodes": n, "before": before})
}

func (a *App) writeReport(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("app: write report: %w", err)
	}
	return nil
}
