package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/ordersim/internal/domain"
	"github.com/alanyoungcy/ordersim/internal/engine/remote"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("session x: %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrEpisodeNotActive, http.StatusConflict},
		{errors.Join(domain.ErrEpisodeNotActive, domain.ErrMalformedAction), http.StatusConflict},
		{domain.ErrNotReset, http.StatusConflict},
		{domain.ErrMalformedAction, http.StatusBadRequest},
		{domain.ErrUnsupported, http.StatusBadRequest},
		{domain.ErrSessionLimit, http.StatusTooManyRequests},
		{fmt.Errorf("dial: %w", remote.ErrEngineUnavailable), http.StatusServiceUnavailable},
		{&remote.EngineError{Method: "step", Message: "halted"}, http.StatusBadGateway},
		{domain.ErrMalformedWindow, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestParseListOpts(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?limit=9000&offset=-3", nil)
	opts := parseListOpts(r)
	assert.Equal(t, 500, opts.Limit)
	assert.Equal(t, 0, opts.Offset)

	r = httptest.NewRequest(http.MethodGet, "/?limit=10&offset=20", nil)
	opts = parseListOpts(r)
	assert.Equal(t, 10, opts.Limit)
	assert.Equal(t, 20, opts.Offset)
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestReady(t *testing.T) {
	h := NewHealthHandler("serve", map[string]Pinger{"postgres": pinger{}, "redis": pinger{errors.New("down")}}, discardLogger())
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"down"`)
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
