package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/ordersim/internal/domain"
	"github.com/alanyoungcy/ordersim/internal/engine/tape"
	"github.com/alanyoungcy/ordersim/internal/env"
	"github.com/alanyoungcy/ordersim/internal/notify"
)

// ReplayReport is the outcome of replaying one transcript.
type ReplayReport struct {
	Path         string          `json:"path"`
	TranscriptID string          `json:"transcript_id"`
	Variant      domain.Variant  `json:"variant"`
	Episodes     []EpisodeReport `json:"episodes"`
}

// Replay re-runs recorded transcripts through the environment on a tape engine
// and checks that every recorded step is accepted again.
type Replay struct {
	blobs    domain.BlobReader
	strict   bool
	notifier Notifier
	logger   *slog.Logger
}

// NewReplay creates a Replay runner. In strict mode the tape rejects actions
// that differ from the recording.
func NewReplay(blobs domain.BlobReader, strict bool, logger *slog.Logger) *Replay {
	return &Replay{
		blobs:  blobs,
		strict: strict,
		logger: logger.With(slog.String("component", "replay")),
	}
}

// WithNotifier alerts when a replay fails.
func (r *Replay) WithNotifier(n Notifier) *Replay {
	r.notifier = n
	return r
}

// Run loads the transcript at path and replays every episode in it.
func (r *Replay) Run(ctx context.Context, path string) (ReplayReport, error) {
	report := ReplayReport{Path: path}
	tr, err := tape.Load(ctx, r.blobs, path)
	if err != nil {
		return report, r.failed(ctx, path, err)
	}
	report.TranscriptID = tr.ID
	report.Variant = tr.Variant

	renv := env.NewReplayEnv(tape.NewEngine(tr, r.strict))
	for i, ep := range tr.Episodes {
		rep, err := replayEpisode(ctx, renv, i, ep)
		report.Episodes = append(report.Episodes, rep)
		if err != nil {
			return report, r.failed(ctx, path, fmt.Errorf("episode %d: %w", i, err))
		}
	}

	r.logger.InfoContext(ctx, "replay finished",
		slog.String("path", path),
		slog.String("transcript_id", tr.ID),
		slog.Int("episodes", len(report.Episodes)),
	)
	return report, nil
}

// RunPrefix replays every transcript stored under prefix, in path order. A
// failing transcript does not stop the others; the errors are joined.
func (r *Replay) RunPrefix(ctx context.Context, prefix string) ([]ReplayReport, error) {
	infos, err := r.blobs.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("runner: replay list %s: %w", prefix, err)
	}
	var (
		reports []ReplayReport
		errs    []error
	)
	for _, info := range infos {
		if !strings.HasSuffix(info.Path, ".json") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		rep, err := r.Run(ctx, info.Path)
		reports = append(reports, rep)
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(reports) == 0 {
		return nil, fmt.Errorf("runner: replay %s: no transcripts: %w", prefix, domain.ErrNotFound)
	}
	return reports, errors.Join(errs...)
}

func replayEpisode(ctx context.Context, renv *env.ReplayEnv, index int, ep tape.Episode) (EpisodeReport, error) {
	rep := EpisodeReport{Index: index}
	if _, err := renv.Reset(ctx); err != nil {
		return rep, err
	}

	var cumulative domain.Series
	for _, rec := range ep.Steps {
		res, err := renv.Step(ctx, rec.Action.Slice())
		if err != nil {
			return rep, err
		}
		rep.Steps++
		cumulative = res.Cumulative
	}

	if ep.Observations != nil {
		obs, err := renv.EveryObservation(ctx)
		if err != nil {
			return rep, err
		}
		rep.Observations = len(obs)
	}

	info, _ := renv.MissionInfo()
	rep.Summary = env.Summarize(info, renv.LeftStep(), cumulative)
	return rep, nil
}

func (r *Replay) failed(ctx context.Context, path string, err error) error {
	r.logger.ErrorContext(ctx, "replay failed",
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
	if r.notifier != nil {
		msg := fmt.Sprintf("%s: %v", path, err)
		if nerr := r.notifier.Notify(ctx, notify.EventReplayFailed, "Replay failed", msg); nerr != nil {
			r.logger.WarnContext(ctx, "notify failed", slog.String("error", nerr.Error()))
		}
	}
	return fmt.Errorf("runner: replay %s: %w", path, err)
}
