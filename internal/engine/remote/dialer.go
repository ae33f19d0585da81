package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// ErrEngineUnavailable is returned while the dial breaker is open.
var ErrEngineUnavailable = errors.New("remote: engine unavailable")

// DialerConfig configures a Dialer.
type DialerConfig struct {
	URL         string
	DialTimeout time.Duration
	CallTimeout time.Duration
	// Failures is the number of consecutive dial failures that open the
	// breaker. Zero means 3.
	Failures uint32
	// Cooldown is how long the breaker stays open. Zero means 30s.
	Cooldown time.Duration
	// OnStateChange observes breaker transitions. Optional.
	OnStateChange func(name string, from, to gobreaker.State)
}

// Dialer opens one engine connection per call, behind a circuit breaker so a
// down engine fails fast instead of stalling every new session.
type Dialer struct {
	cfg    DialerConfig
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// NewDialer creates a Dialer.
func NewDialer(cfg DialerConfig, logger *slog.Logger) *Dialer {
	if cfg.Failures == 0 {
		cfg.Failures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	logger = logger.With(slog.String("component", "engine_dialer"))

	d := &Dialer{cfg: cfg, logger: logger}
	d.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "engine_dial",
		Timeout: cfg.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.Failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("name", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		},
	})
	return d
}

// Dial connects a new engine. It matches domain.EngineFactory.
func (d *Dialer) Dial(ctx context.Context) (domain.Engine, error) {
	res, err := d.cb.Execute(func() (interface{}, error) {
		dialCtx := ctx
		if d.cfg.DialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, d.cfg.DialTimeout)
			defer cancel()
		}
		return Dial(dialCtx, d.cfg.URL, WithCallTimeout(d.cfg.CallTimeout), WithLogger(d.logger))
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if err != nil {
		return nil, err
	}
	return res.(*Engine), nil
}

// State reports the breaker state.
func (d *Dialer) State() gobreaker.State {
	return d.cb.State()
}
