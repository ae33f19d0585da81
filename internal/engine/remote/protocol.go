// Package remote connects the environment to an out-of-process simulation
// engine over a websocket, and can expose a local engine the same way.
package remote

import (
	"encoding/json"
	"time"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// Method names understood by the engine.
const (
	MethodReset            = "reset"
	MethodStep             = "step"
	MethodEveryObservation = "every_observation"
	MethodReferenceAction  = "reference_action"
)

// request is a single call frame.
type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response answers the request with the same ID. Exactly one of Result and
// Error is set.
type response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type stepParams struct {
	Actions [domain.ActionSize]int64 `json:"actions"`
}

type resetResult struct {
	Books      []domain.Book `json:"order_books"`
	MissionBuy int64         `json:"mission_buy"`
	LeftStep   int           `json:"left_step"`
}

type stepResult struct {
	Books      []domain.Book `json:"order_books"`
	LeftStep   int           `json:"left_step"`
	Fills      domain.Fills  `json:"fills_this_step"`
	Cumulative domain.Fills  `json:"fills_cumulative"`
	Elapsed    float64       `json:"elapsed_seconds"`
}

type observationResult struct {
	Books []domain.Book `json:"order_books"`
}

type referenceResult struct {
	Action []float64 `json:"action"`
}

func (r stepResult) reply() domain.StepReply {
	return domain.StepReply{
		Books:      r.Books,
		LeftStep:   r.LeftStep,
		Fills:      r.Fills,
		Cumulative: r.Cumulative,
		Elapsed:    time.Duration(r.Elapsed * float64(time.Second)),
	}
}

func newStepResult(r domain.StepReply) stepResult {
	return stepResult{
		Books:      r.Books,
		LeftStep:   r.LeftStep,
		Fills:      r.Fills,
		Cumulative: r.Cumulative,
		Elapsed:    r.Elapsed.Seconds(),
	}
}

// EngineError is an error reported by the engine itself rather than the
// transport.
type EngineError struct {
	Method  string
	Message string
}

func (e *EngineError) Error() string {
	return "remote: engine " + e.Method + ": " + e.Message
}
