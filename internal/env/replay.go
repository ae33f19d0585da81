package env

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// ReplayEngine is an engine that can also hand out its buffered observations.
type ReplayEngine interface {
	domain.Engine
	domain.ObservationSource
}

// ReplayEnv is a Controller with full-window access.
type ReplayEnv struct {
	*Controller
	source domain.ObservationSource
}

// NewReplayEnv creates a full-observability environment.
func NewReplayEnv(engine ReplayEngine) *ReplayEnv {
	return &ReplayEnv{
		Controller: NewController(engine),
		source:     engine,
	}
}

// EveryObservation returns the engine's complete observation history,
// normalized. It neither checks nor changes episode state.
func (e *ReplayEnv) EveryObservation(ctx context.Context) ([]domain.Series, error) {
	books, err := e.source.EveryObservation(ctx)
	if err != nil {
		return nil, fmt.Errorf("env: every observation: %w", err)
	}
	return NormalizeAll(books), nil
}
