package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// Handler serves the engine protocol over websocket. Every connection gets its
// own engine from the factory.
type Handler struct {
	factory  domain.EngineFactory
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(factory domain.EngineFactory, logger *slog.Logger) *Handler {
	return &Handler{
		factory: factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logger.With(slog.String("component", "engine_handler")),
	}
}

// ServeHTTP upgrades the connection and answers calls until the peer leaves.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	// Server read/write timeouts still apply to the hijacked conn.
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	ctx := r.Context()
	eng, err := h.factory(ctx)
	if err != nil {
		h.logger.Error("engine factory failed", slog.String("error", err.Error()))
		return
	}
	if c, ok := eng.(domain.Closer); ok {
		defer c.Close()
	}

	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("engine peer gone", slog.String("error", err.Error()))
			}
			return
		}
		resp := response{ID: req.ID}
		result, err := dispatch(ctx, eng, req)
		if err != nil {
			resp.Error = err.Error()
		} else if resp.Result, err = json.Marshal(result); err != nil {
			resp.Result = nil
			resp.Error = fmt.Sprintf("encode result: %v", err)
		}
		if err := conn.WriteJSON(resp); err != nil {
			h.logger.Debug("engine write failed", slog.String("error", err.Error()))
			return
		}
	}
}

func dispatch(ctx context.Context, eng domain.Engine, req request) (any, error) {
	switch req.Method {
	case MethodReset:
		r, err := eng.Reset(ctx)
		if err != nil {
			return nil, err
		}
		return resetResult{Books: r.Books, MissionBuy: r.MissionBuy, LeftStep: r.LeftStep}, nil

	case MethodStep:
		var p stepParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, fmt.Errorf("bad step params: %w", err)
		}
		r, err := eng.Step(ctx, p.Actions[0], p.Actions[1], p.Actions[2], p.Actions[3])
		if err != nil {
			return nil, err
		}
		return newStepResult(r), nil

	case MethodEveryObservation:
		src, ok := eng.(domain.ObservationSource)
		if !ok {
			return nil, domain.ErrUnsupported
		}
		books, err := src.EveryObservation(ctx)
		if err != nil {
			return nil, err
		}
		return observationResult{Books: books}, nil

	case MethodReferenceAction:
		src, ok := eng.(domain.ReferenceSource)
		if !ok {
			return nil, domain.ErrUnsupported
		}
		vec, err := src.ReferenceAction(ctx)
		if err != nil {
			return nil, err
		}
		return referenceResult{Action: vec}, nil
	}
	return nil, errors.New("unknown method " + req.Method)
}
