package env

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// ReferenceEngine is an engine that also offers a heuristic action.
type ReferenceEngine interface {
	domain.Engine
	domain.ReferenceSource
}

// ReferenceEnv is a Controller with access to the engine's baseline policy.
type ReferenceEnv struct {
	*Controller
	source domain.ReferenceSource
}

// NewReferenceEnv creates a heuristic-reference environment.
func NewReferenceEnv(engine ReferenceEngine) *ReferenceEnv {
	return &ReferenceEnv{
		Controller: NewController(engine),
		source:     engine,
	}
}

// ReferenceAction asks the engine for one baseline action. Mission state is
// untouched.
func (e *ReferenceEnv) ReferenceAction(ctx context.Context) (domain.ReferenceAction, error) {
	var out domain.ReferenceAction
	values, err := e.source.ReferenceAction(ctx)
	if err != nil {
		return out, fmt.Errorf("env: reference action: %w", err)
	}
	if len(values) != domain.ActionSize {
		return out, fmt.Errorf("env: reference action: %w: engine returned %d values", domain.ErrMalformedAction, len(values))
	}
	copy(out[:], values)
	return out, nil
}
