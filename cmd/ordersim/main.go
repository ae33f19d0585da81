// Command ordersim hosts the order execution environment over HTTP, runs
// reference baselines, replays recorded transcripts and archives episodes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/ordersim/internal/app"
	"github.com/alanyoungcy/ordersim/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ordersim",
		Short:         "Buy-side order execution environment",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to configuration file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Host environment sessions over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, "serve", nil)
		},
	}

	var (
		name        string
		episodes    int
		concurrency int
	)
	baseline := &cobra.Command{
		Use:   "baseline",
		Short: "Run episodes with the engine's reference action",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, "baseline", func(cfg *config.Config) {
				if cmd.Flags().Changed("name") {
					cfg.Baseline.Name = name
				}
				if cmd.Flags().Changed("episodes") {
					cfg.Baseline.Episodes = episodes
				}
				if cmd.Flags().Changed("concurrency") {
					cfg.Baseline.Concurrency = concurrency
				}
			})
		},
	}
	baseline.Flags().StringVar(&name, "name", "", "run name, also the lock key")
	baseline.Flags().IntVar(&episodes, "episodes", 0, "number of episodes")
	baseline.Flags().IntVar(&concurrency, "concurrency", 0, "episodes run at once")

	var lenient bool
	replay := &cobra.Command{
		Use:   "replay [tape]",
		Short: "Replay a recorded transcript, or every transcript under a prefix ending in /",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, "replay", func(cfg *config.Config) {
				if len(args) == 1 {
					cfg.Replay.Tape = args[0]
				}
				if lenient {
					cfg.Replay.Strict = false
				}
			})
		},
	}
	replay.Flags().BoolVar(&lenient, "lenient", false, "accept actions that differ from the recording")

	var olderThan time.Duration
	archive := &cobra.Command{
		Use:   "archive",
		Short: "Move finished episodes to object storage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, "archive", func(cfg *config.Config) {
				if olderThan > 0 {
					cfg.Archive.OlderThan.Duration = olderThan
				}
			})
		},
	}
	archive.Flags().DurationVar(&olderThan, "older-than", 0, "archive episodes started before now minus this")

	root.AddCommand(serve, baseline, replay, archive)
	return root
}

func run(parent context.Context, configPath, mode string, override func(*config.Config)) error {
	logger := newLogger("info")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}
	cfg.Mode = mode
	if override != nil {
		override(cfg)
	}

	logger = newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return err
	}
	logger.Info("ordersim starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger)
	defer application.Close()

	if err := application.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("shut down gracefully")
			return nil
		}
		logger.Error("exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("ordersim stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
