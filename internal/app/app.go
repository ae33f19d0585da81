// Package app wires stores, caches, blob storage, the engine dialer and the
// session layer together, and runs the configured mode.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alanyoungcy/ordersim/internal/config"
)

// App is the root application object. Cleanup functions run in reverse order
// on Close.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	out     io.Writer
	closers []func()
}

// New creates an App. Reports of batch modes are written to stdout.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
		out:    os.Stdout,
	}
}

// WithOutput redirects batch reports.
func (a *App) WithOutput(w io.Writer) *App {
	a.out = w
	return a
}

// Run wires dependencies and blocks in the selected mode until it finishes or
// ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch mode {
	case "serve":
		return a.ServeMode(ctx, deps)
	case "baseline":
		return a.BaselineMode(ctx, deps)
	case "replay":
		return a.ReplayMode(ctx, deps)
	case "archive":
		return a.ArchiveMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close releases every wired resource. Further calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
