package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// ErrClosed is returned by calls on a closed or broken connection.
var ErrClosed = errors.New("remote: connection closed")

const (
	defaultCallTimeout = 30 * time.Second
	handshakeTimeout   = 15 * time.Second
	writeWait          = 10 * time.Second
)

// Option configures an Engine.
type Option func(*Engine)

// WithCallTimeout bounds each call that has no context deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine is a websocket client for a simulation engine. It implements
// domain.Engine, domain.ObservationSource and domain.ReferenceSource. Calls are
// serialized over the single connection.
type Engine struct {
	url         string
	callTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID uint64
	err    error // sticky transport failure
}

var (
	_ domain.Engine            = (*Engine)(nil)
	_ domain.ObservationSource = (*Engine)(nil)
	_ domain.ReferenceSource   = (*Engine)(nil)
	_ domain.Closer            = (*Engine)(nil)
)

// Dial connects to the engine at url.
func Dial(ctx context.Context, url string, opts ...Option) (*Engine, error) {
	e := &Engine{
		url:         url,
		callTimeout: defaultCallTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "remote_engine"))

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("remote: dial %s: %w", url, err)
	}
	e.conn = conn
	e.logger.Debug("engine connected", slog.String("url", url))
	return e, nil
}

// Reset implements domain.Engine.
func (e *Engine) Reset(ctx context.Context) (domain.ResetReply, error) {
	var res resetResult
	if err := e.call(ctx, MethodReset, nil, &res); err != nil {
		return domain.ResetReply{}, err
	}
	return domain.ResetReply{Books: res.Books, MissionBuy: res.MissionBuy, LeftStep: res.LeftStep}, nil
}

// Step implements domain.Engine.
func (e *Engine) Step(ctx context.Context, buy1, buy2, buy3, market int64) (domain.StepReply, error) {
	params := stepParams{Actions: [domain.ActionSize]int64{buy1, buy2, buy3, market}}
	var res stepResult
	if err := e.call(ctx, MethodStep, params, &res); err != nil {
		return domain.StepReply{}, err
	}
	return res.reply(), nil
}

// EveryObservation implements domain.ObservationSource.
func (e *Engine) EveryObservation(ctx context.Context) ([]domain.Book, error) {
	var res observationResult
	if err := e.call(ctx, MethodEveryObservation, nil, &res); err != nil {
		return nil, err
	}
	return res.Books, nil
}

// ReferenceAction implements domain.ReferenceSource.
func (e *Engine) ReferenceAction(ctx context.Context) ([]float64, error) {
	var res referenceResult
	if err := e.call(ctx, MethodReferenceAction, nil, &res); err != nil {
		return nil, err
	}
	return res.Action, nil
}

// Close sends a close frame and releases the connection.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = e.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	err := e.conn.Close()
	e.conn = nil
	if e.err == nil {
		e.err = ErrClosed
	}
	return err
}

// call writes one request and reads frames until the matching response.
func (e *Engine) call(ctx context.Context, method string, params any, out any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return fmt.Errorf("remote: %s: %w", method, e.err)
	}

	req := request{ID: e.nextID + 1, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("remote: %s: encode params: %w", method, err)
		}
		req.Params = raw
	}
	e.nextID = req.ID

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(e.callTimeout)
	}
	// Cancellation without a deadline still has to unblock the read.
	conn := e.conn
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_ = e.conn.SetWriteDeadline(deadline)
	if err := e.conn.WriteJSON(req); err != nil {
		return e.fail(ctx, method, err)
	}

	_ = e.conn.SetReadDeadline(deadline)
	for {
		var resp response
		if err := e.conn.ReadJSON(&resp); err != nil {
			return e.fail(ctx, method, err)
		}
		if resp.ID != req.ID {
			e.logger.Warn("dropping stale engine frame",
				slog.Uint64("id", resp.ID),
				slog.Uint64("want", req.ID),
			)
			continue
		}
		if resp.Error != "" {
			return &EngineError{Method: method, Message: resp.Error}
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("remote: %s: decode result: %w", method, err)
		}
		return nil
	}
}

// fail marks the connection broken. A frame may be half read, so no further
// call can trust the stream. Caller holds mu.
func (e *Engine) fail(ctx context.Context, method string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	e.err = fmt.Errorf("%w: %v", ErrClosed, err)
	e.logger.Warn("engine call failed",
		slog.String("method", method),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("remote: %s: %w", method, err)
}
