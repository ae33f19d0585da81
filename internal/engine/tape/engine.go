package tape

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

var (
	// ErrTapeDiverged is returned when a step action differs from the recorded one.
	ErrTapeDiverged = errors.New("tape: action diverged from recording")
	// ErrTapeExhausted is returned when a call runs past the end of the recording.
	ErrTapeExhausted = errors.New("tape: recording exhausted")
)

// Engine replays a transcript as if it were the live engine.
type Engine struct {
	transcript *Transcript
	strict     bool

	mu      sync.Mutex
	episode int // index of the open episode, -1 before the first reset
	step    int
	ref     int
}

var (
	_ domain.Engine            = (*Engine)(nil)
	_ domain.ObservationSource = (*Engine)(nil)
	_ domain.ReferenceSource   = (*Engine)(nil)
)

// NewEngine returns a replaying engine. In strict mode every step action must
// match the recorded action.
func NewEngine(t *Transcript, strict bool) *Engine {
	return &Engine{transcript: t, strict: strict, episode: -1}
}

// Reset opens the next recorded episode.
func (e *Engine) Reset(ctx context.Context) (domain.ResetReply, error) {
	if err := ctx.Err(); err != nil {
		return domain.ResetReply{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.episode + 1
	if next >= len(e.transcript.Episodes) {
		return domain.ResetReply{}, fmt.Errorf("%w: no episode %d", ErrTapeExhausted, next)
	}
	e.episode, e.step, e.ref = next, 0, 0
	return cloneReset(e.transcript.Episodes[next].Reset), nil
}

// Step returns the next recorded reply of the open episode.
func (e *Engine) Step(ctx context.Context, buy1, buy2, buy3, market int64) (domain.StepReply, error) {
	if err := ctx.Err(); err != nil {
		return domain.StepReply{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ep, err := e.open()
	if err != nil {
		return domain.StepReply{}, err
	}
	if e.step >= len(ep.Steps) {
		return domain.StepReply{}, fmt.Errorf("%w: episode %d has %d steps", ErrTapeExhausted, e.episode, len(ep.Steps))
	}
	rec := ep.Steps[e.step]
	got := domain.Action{buy1, buy2, buy3, market}
	if e.strict && got != rec.Action {
		return domain.StepReply{}, fmt.Errorf("%w: step %d got %v, recorded %v", ErrTapeDiverged, e.step, got, rec.Action)
	}
	e.step++
	return cloneStep(rec.Reply), nil
}

// EveryObservation returns the recorded observation history of the open
// episode.
func (e *Engine) EveryObservation(ctx context.Context) ([]domain.Book, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ep, err := e.open()
	if err != nil {
		return nil, err
	}
	if ep.Observations == nil {
		return nil, fmt.Errorf("%w: episode %d has no observation history", ErrTapeExhausted, e.episode)
	}
	return cloneBooks(ep.Observations), nil
}

// ReferenceAction returns the next recorded reference vector.
func (e *Engine) ReferenceAction(ctx context.Context) ([]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ep, err := e.open()
	if err != nil {
		return nil, err
	}
	if e.ref >= len(ep.References) {
		return nil, fmt.Errorf("%w: episode %d has %d reference actions", ErrTapeExhausted, e.episode, len(ep.References))
	}
	vec := slices.Clone(ep.References[e.ref])
	e.ref++
	return vec, nil
}

// Remaining reports how many recorded steps of the open episode are unread.
func (e *Engine) Remaining() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.episode < 0 {
		return 0
	}
	return len(e.transcript.Episodes[e.episode].Steps) - e.step
}

// open returns the current episode. Caller holds mu.
func (e *Engine) open() (*Episode, error) {
	if e.episode < 0 {
		return nil, fmt.Errorf("tape: %w", domain.ErrEpisodeNotActive)
	}
	return &e.transcript.Episodes[e.episode], nil
}
