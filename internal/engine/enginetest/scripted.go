// Package enginetest provides a deterministic in-memory engine for tests.
package enginetest

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// Scripted is a stub engine. Each Step consumes Decrement steps and fills the
// market slot in full at AskPrice; limit slots never fill. Every field may be
// changed between episodes.
type Scripted struct {
	MissionBuy int64
	Steps      int
	Decrement  int
	AskPrice   int64
	Elapsed    time.Duration
	Reference  []float64

	// Frames overrides the number of books per reply. Zero means a full window.
	Frames int

	// Optional overrides.
	ResetErr  error
	StepErr   error
	StepFills func(call int, buy1, buy2, buy3, market int64) domain.Fills

	mu         sync.Mutex
	left       int
	calls      int
	cumulative domain.Fills
	history    []domain.Book
	Actions    [][4]int64
}

// New returns a Scripted engine with a 100-share, 10-step mission.
func New() *Scripted {
	return &Scripted{
		MissionBuy: 100,
		Steps:      10,
		Decrement:  1,
		AskPrice:   101,
		Elapsed:    time.Second,
		Reference:  []float64{10, 0, 0, 0},
	}
}

// Book returns the synthetic book for frame i.
func Book(i int) domain.Book {
	base := int64(100 + i%3)
	return domain.Book{
		base - 2: 30, base - 1: 20, base: 10,
		base + 1: 15, base + 2: 25, base + 3: 35,
	}
}

func (s *Scripted) window() []domain.Book {
	n := domain.WindowSize
	if s.Frames > 0 {
		n = s.Frames
	}
	out := make([]domain.Book, n)
	for i := range out {
		out[i] = Book(s.calls + i)
	}
	s.history = append(s.history, out[n-1])
	return out
}

// Reset implements domain.Engine.
func (s *Scripted) Reset(ctx context.Context) (domain.ResetReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ResetErr != nil {
		return domain.ResetReply{}, s.ResetErr
	}
	s.left = s.Steps
	s.calls = 0
	s.cumulative = domain.Fills{}
	s.history = nil
	s.Actions = nil
	return domain.ResetReply{
		Books:      s.window(),
		MissionBuy: s.MissionBuy,
		LeftStep:   s.left,
	}, nil
}

// Step implements domain.Engine.
func (s *Scripted) Step(ctx context.Context, buy1, buy2, buy3, market int64) (domain.StepReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StepErr != nil {
		return domain.StepReply{}, s.StepErr
	}
	s.calls++
	s.Actions = append(s.Actions, [4]int64{buy1, buy2, buy3, market})
	s.left -= s.Decrement

	if s.cumulative == nil {
		s.cumulative = domain.Fills{}
	}
	fills := domain.Fills{}
	if s.StepFills != nil {
		fills = s.StepFills(s.calls, buy1, buy2, buy3, market)
	} else if market > 0 {
		fills[s.AskPrice] = market
	}
	for p, q := range fills {
		s.cumulative[p] += q
	}
	cum := make(domain.Fills, len(s.cumulative))
	for p, q := range s.cumulative {
		cum[p] = q
	}

	return domain.StepReply{
		Books:      s.window(),
		LeftStep:   s.left,
		Fills:      fills,
		Cumulative: cum,
		Elapsed:    s.Elapsed,
	}, nil
}

// EveryObservation implements domain.ObservationSource.
func (s *Scripted) EveryObservation(ctx context.Context) ([]domain.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Book, len(s.history))
	copy(out, s.history)
	return out, nil
}

// ReferenceAction implements domain.ReferenceSource.
func (s *Scripted) ReferenceAction(ctx context.Context) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.Reference))
	copy(out, s.Reference)
	return out, nil
}

// Calls returns how many Step calls reached the engine since the last Reset.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// History returns the actions received since the last Reset.
func (s *Scripted) History() [][4]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][4]int64, len(s.Actions))
	copy(out, s.Actions)
	return out
}
