// Package env implements the episode protocol of the order execution
// environment: mission setup, step validation, termination, and the
// normalization of raw engine output into price-sorted series.
package env

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// StepResult is the outcome of one Step call.
type StepResult struct {
	Window     domain.Window
	Fills      domain.Series // this call only
	Cumulative domain.Series // since episode start
	Elapsed    time.Duration // as reported by the engine
	LeftStep   int           // remaining steps after this call
}

// Controller owns the mission state of one episode and delegates market
// simulation to an engine. It is not safe for concurrent use; run separate
// controllers for concurrent episodes.
type Controller struct {
	engine  domain.Engine
	mission *domain.Mission // nil until the first Reset
}

// NewController creates a Controller in the uninitialized state.
func NewController(engine domain.Engine) *Controller {
	return &Controller{engine: engine}
}

// Reset starts a new episode, discarding any previous mission, and returns the
// normalized observation window. A failed Reset leaves the controller
// uninitialized: the previous mission is gone either way.
func (c *Controller) Reset(ctx context.Context) (domain.Window, error) {
	c.mission = nil
	reply, err := c.engine.Reset(ctx)
	if err != nil {
		return nil, fmt.Errorf("env: reset: %w", err)
	}
	if reply.MissionBuy < 0 {
		return nil, fmt.Errorf("env: reset: %w: mission_buy %d is negative", domain.ErrInvalidMission, reply.MissionBuy)
	}
	window, err := normalizeWindow(reply.Books)
	if err != nil {
		return nil, fmt.Errorf("env: reset: %w", err)
	}

	left := max(reply.LeftStep, 0)
	c.mission = &domain.Mission{
		TotalStep:  left,
		MissionBuy: reply.MissionBuy,
		LeftStep:   left,
	}
	return window, nil
}

// MissionInfo returns the total step count and buy target fixed at the last
// Reset. It returns domain.ErrNotReset before any Reset.
func (c *Controller) MissionInfo() (domain.MissionInfo, error) {
	if c.mission == nil {
		return domain.MissionInfo{}, domain.ErrNotReset
	}
	return c.mission.Info(), nil
}

// LeftStep returns the remaining step count, or 0 before the first Reset.
func (c *Controller) LeftStep() int {
	if c.mission == nil {
		return 0
	}
	return c.mission.LeftStep
}

// Active reports whether Step may be called.
func (c *Controller) Active() bool {
	return c.mission != nil && !c.mission.Terminal()
}

// Step validates actions, forwards them to the engine, and records the
// engine's remaining step count. When several preconditions fail, the error
// matches every corresponding sentinel.
func (c *Controller) Step(ctx context.Context, actions []int64) (StepResult, error) {
	var errs []error
	if !c.Active() {
		errs = append(errs, domain.ErrEpisodeNotActive)
	}
	action, err := domain.ParseAction(actions)
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return StepResult{}, fmt.Errorf("env: step: %w", errors.Join(errs...))
	}

	reply, err := c.engine.Step(ctx, action[0], action[1], action[2], action[3])
	if err != nil {
		return StepResult{}, fmt.Errorf("env: step: %w", err)
	}

	// The engine has advanced, so its count is recorded even when the rest of
	// the reply is rejected. Clamp so left_step never goes negative or back up.
	c.mission.LeftStep = min(max(reply.LeftStep, 0), c.mission.LeftStep)

	window, err := normalizeWindow(reply.Books)
	if err != nil {
		return StepResult{}, fmt.Errorf("env: step: %w", err)
	}
	return StepResult{
		Window:     window,
		Fills:      Normalize(reply.Fills),
		Cumulative: Normalize(reply.Cumulative),
		Elapsed:    reply.Elapsed,
		LeftStep:   c.mission.LeftStep,
	}, nil
}
