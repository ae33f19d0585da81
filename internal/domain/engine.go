package domain

import (
	"context"
	"time"
)

// ResetReply is what an engine returns when a new episode starts.
type ResetReply struct {
	Books      []Book `json:"order_books"`
	MissionBuy int64  `json:"mission_buy"`
	LeftStep   int    `json:"left_step"`
}

// StepReply is what an engine returns after executing one action.
type StepReply struct {
	Books      []Book        `json:"order_books"`
	LeftStep   int           `json:"left_step"`
	Fills      Fills         `json:"fills_this_step"`
	Cumulative Fills         `json:"fills_cumulative"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Engine is the market simulation collaborator: order book dynamics and fill
// generation live behind it.
type Engine interface {
	Reset(ctx context.Context) (ResetReply, error)
	Step(ctx context.Context, buy1, buy2, buy3, market int64) (StepReply, error)
}

// ObservationSource exposes the engine's complete buffered observation stream.
type ObservationSource interface {
	EveryObservation(ctx context.Context) ([]Book, error)
}

// ReferenceSource exposes a heuristic baseline action generator.
type ReferenceSource interface {
	ReferenceAction(ctx context.Context) ([]float64, error)
}

// EngineFactory builds a fresh engine connection for one episode host.
type EngineFactory func(ctx context.Context) (Engine, error)

// Closer is implemented by engines holding resources such as sockets.
type Closer interface {
	Close() error
}
