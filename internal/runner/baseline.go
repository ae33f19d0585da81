// Package runner drives environments without a remote agent: batches of
// reference-policy episodes, and replays of recorded transcripts.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/ordersim/internal/domain"
	"github.com/alanyoungcy/ordersim/internal/engine/tape"
	"github.com/alanyoungcy/ordersim/internal/env"
	"github.com/alanyoungcy/ordersim/internal/metrics"
	"github.com/alanyoungcy/ordersim/internal/notify"
)

// ErrStepBudget is returned when an episode does not terminate within the
// configured step budget.
var ErrStepBudget = errors.New("runner: step budget exceeded")

// Notifier forwards operator alerts. Satisfied by *notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// BaselineConfig configures a baseline run.
type BaselineConfig struct {
	Name        string
	Episodes    int
	Concurrency int
	// MaxSteps bounds the steps of one episode. Zero means 10000.
	MaxSteps int
	// LockTTL is how long the run lock is held before it expires.
	LockTTL time.Duration
	// TapePrefix is where transcripts go when a blob writer is set.
	TapePrefix string
}

// EpisodeReport is the outcome of one baseline or replayed episode.
type EpisodeReport struct {
	Index        int         `json:"index"`
	Steps        int         `json:"steps"`
	Summary      env.Summary `json:"summary"`
	Observations int         `json:"observations,omitempty"`
	TapePath     string      `json:"tape_path,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// BaselineReport aggregates a baseline run.
type BaselineReport struct {
	Name           string          `json:"name"`
	Episodes       []EpisodeReport `json:"episodes"`
	Failed         int             `json:"failed"`
	Completed      int             `json:"completed"`
	MeanCompletion float64         `json:"mean_completion"`
	FilledQty      int64           `json:"filled_qty"`
	VWAP           string          `json:"vwap"`
	Duration       time.Duration   `json:"duration"`
}

// Baseline runs episodes of the reference variant, stepping each with the
// engine's own heuristic action until the engine reports no steps left.
type Baseline struct {
	cfg      BaselineConfig
	factory  domain.EngineFactory
	locks    domain.LockManager
	blobs    domain.BlobWriter
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewBaseline creates a Baseline runner.
func NewBaseline(cfg BaselineConfig, factory domain.EngineFactory, logger *slog.Logger) *Baseline {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 10000
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	return &Baseline{
		cfg:     cfg,
		factory: factory,
		logger:  logger.With(slog.String("component", "baseline"), slog.String("run", cfg.Name)),
	}
}

// WithLocks prevents two processes running the same baseline name at once.
func (b *Baseline) WithLocks(l domain.LockManager) *Baseline {
	b.locks = l
	return b
}

// WithRecorder saves one transcript per episode.
func (b *Baseline) WithRecorder(w domain.BlobWriter) *Baseline {
	b.blobs = w
	return b
}

// WithNotifier sends a summary when the run finishes.
func (b *Baseline) WithNotifier(n Notifier) *Baseline {
	b.notifier = n
	return b
}

// WithMetrics records episode metrics.
func (b *Baseline) WithMetrics(m *metrics.Metrics) *Baseline {
	b.metrics = m
	return b
}

// Run executes every episode with at most Concurrency running at a time. The
// report is returned even when some episodes fail; their errors are joined.
func (b *Baseline) Run(ctx context.Context) (BaselineReport, error) {
	report := BaselineReport{Name: b.cfg.Name}
	if b.cfg.Episodes < 1 {
		return report, nil
	}

	if b.locks != nil {
		unlock, err := b.locks.Acquire(ctx, "baseline:"+b.cfg.Name, b.cfg.LockTTL)
		if err != nil {
			return report, fmt.Errorf("runner: baseline %s: %w", b.cfg.Name, err)
		}
		defer unlock()
	}

	start := time.Now()
	b.logger.InfoContext(ctx, "baseline started",
		slog.Int("episodes", b.cfg.Episodes),
		slog.Int("concurrency", b.cfg.Concurrency),
	)

	episodes := make([]EpisodeReport, b.cfg.Episodes)
	var (
		mu   sync.Mutex
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)
	for i := range episodes {
		g.Go(func() error {
			rep, err := b.runEpisode(gctx, i)
			episodes[i] = rep
			if err != nil {
				episodes[i].Error = err.Error()
				mu.Lock()
				errs = append(errs, fmt.Errorf("episode %d: %w", i, err))
				mu.Unlock()
			}
			// Only cancellation stops the batch.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	report.Episodes = episodes
	report.Duration = time.Since(start)
	aggregate(&report)

	b.logger.InfoContext(ctx, "baseline finished",
		slog.Int("completed", report.Completed),
		slog.Int("failed", report.Failed),
		slog.Float64("mean_completion", report.MeanCompletion),
		slog.String("vwap", report.VWAP),
		slog.Duration("duration", report.Duration),
	)
	if b.notifier != nil {
		msg := fmt.Sprintf("%s: %d/%d episodes complete, mean completion %.1f%%, VWAP %s",
			b.cfg.Name, report.Completed, len(episodes), report.MeanCompletion*100, report.VWAP)
		if err := b.notifier.Notify(ctx, notify.EventBaselineFinished, "Baseline finished", msg); err != nil {
			b.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
		}
	}
	return report, errors.Join(errs...)
}

func (b *Baseline) runEpisode(ctx context.Context, index int) (rep EpisodeReport, err error) {
	rep.Index = index

	raw, err := b.factory(ctx)
	if err != nil {
		return rep, fmt.Errorf("dial engine: %w", err)
	}
	var eng domain.Engine = raw
	var rec *tape.Recorder
	if b.blobs != nil {
		rec = tape.NewRecorder(raw, domain.VariantReference)
		eng = rec
	}
	defer func() {
		if c, ok := eng.(domain.Closer); ok {
			_ = c.Close()
		}
	}()

	refEng, ok := eng.(env.ReferenceEngine)
	if !ok {
		return rep, fmt.Errorf("engine: %w", domain.ErrUnsupported)
	}
	renv := env.NewReferenceEnv(refEng)

	if _, err := renv.Reset(ctx); err != nil {
		return rep, err
	}
	b.metrics.EpisodeStarted(string(domain.VariantReference))

	var cumulative domain.Series
	for renv.Active() {
		if rep.Steps >= b.cfg.MaxSteps {
			return rep, fmt.Errorf("%w: %d steps", ErrStepBudget, rep.Steps)
		}
		ref, err := renv.ReferenceAction(ctx)
		if err != nil {
			return rep, err
		}
		res, err := renv.Step(ctx, RoundAction(ref).Slice())
		if err != nil {
			return rep, err
		}
		rep.Steps++
		cumulative = res.Cumulative
		b.metrics.StepAccepted(string(domain.VariantReference), res.Fills.TotalQty())
	}

	info, _ := renv.MissionInfo()
	rep.Summary = env.Summarize(info, renv.LeftStep(), cumulative)
	outcome := domain.EpisodeStatusExhausted
	if rep.Summary.Complete {
		outcome = domain.EpisodeStatusCompleted
	}
	b.metrics.EpisodeFinished(string(domain.VariantReference), string(outcome))

	if rec != nil {
		rep.TapePath = b.cfg.TapePrefix + b.cfg.Name + "/" + strconv.Itoa(index) + ".json"
		if err := rec.Transcript().Save(ctx, b.blobs, rep.TapePath); err != nil {
			return rep, err
		}
	}

	b.logger.DebugContext(ctx, "baseline episode done",
		slog.Int("index", index),
		slog.Int("steps", rep.Steps),
		slog.Int64("filled", rep.Summary.FilledQty),
	)
	return rep, nil
}

// RoundAction converts a heuristic action to an integer action, rounding half
// away from zero.
func RoundAction(ref domain.ReferenceAction) domain.Action {
	var a domain.Action
	for i, v := range ref {
		a[i] = int64(math.Round(v))
	}
	return a
}

// aggregate fills the totals of a report from its successful episodes.
func aggregate(r *BaselineReport) {
	notional := decimal.Zero
	var completion float64
	var ok int
	for _, ep := range r.Episodes {
		if ep.Error != "" {
			r.Failed++
			continue
		}
		ok++
		completion += ep.Summary.Completion
		r.FilledQty += ep.Summary.FilledQty
		if ep.Summary.Complete {
			r.Completed++
		}
		if n, err := decimal.NewFromString(ep.Summary.Notional); err == nil {
			notional = notional.Add(n)
		}
	}
	if ok > 0 {
		r.MeanCompletion = completion / float64(ok)
	}
	vwap := decimal.Zero
	if r.FilledQty > 0 {
		vwap = notional.DivRound(decimal.NewFromInt(r.FilledQty), 4)
	}
	r.VWAP = vwap.StringFixed(4)
}
