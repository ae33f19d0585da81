package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ordersim/internal/domain"
	"github.com/alanyoungcy/ordersim/internal/engine/enginetest"
	"github.com/alanyoungcy/ordersim/internal/metrics"
	"github.com/alanyoungcy/ordersim/internal/server/handler"
	"github.com/alanyoungcy/ordersim/internal/service"
	"github.com/alanyoungcy/ordersim/internal/store/storetest"
)

func newTestServer(t *testing.T, apiKey string) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factory := func(context.Context) (domain.Engine, error) {
		e := enginetest.New()
		e.Steps = 2
		e.MissionBuy = 10
		return e, nil
	}
	m := metrics.New()
	episodes := storetest.NewEpisodes()
	sessions := service.NewSessionService(factory, logger).
		WithEpisodeStore(episodes).
		WithMetrics(m)

	h := NewHandler(Config{APIKey: apiKey}, Handlers{
		Health:   handler.NewHealthHandler("serve", nil, logger),
		Sessions: handler.NewSessionHandler(sessions, logger),
		Episodes: handler.NewEpisodeHandler(episodes, logger),
		Metrics:  m.Handler(),
	}, Options{Observer: m.ObserveHTTP}, logger)

	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		_ = sessions.CloseAll(context.Background())
		srv.Close()
	})
	return srv
}

func call(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestSessionHTTPFlow(t *testing.T) {
	srv := newTestServer(t, "")
	base := srv.URL + "/api/sessions"

	var created service.SessionInfo
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, base, map[string]string{"variant": "reference"}, &created))
	require.NotEmpty(t, created.ID)
	sess := base + "/" + created.ID

	assert.Equal(t, http.StatusConflict, call(t, http.MethodGet, sess+"/mission", nil, nil))
	assert.Equal(t, http.StatusConflict, call(t, http.MethodPost, sess+"/step", map[string]any{"actions": []int64{0, 0, 0, 5}}, nil))

	var reset struct {
		Window domain.Window `json:"window"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, sess+"/reset", nil, &reset))
	assert.Len(t, reset.Window, domain.WindowSize)

	var mission struct {
		TotalStep  int   `json:"total_step"`
		MissionBuy int64 `json:"mission_buy"`
		LeftStep   int   `json:"left_step"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, sess+"/mission", nil, &mission))
	assert.Equal(t, 2, mission.TotalStep)
	assert.Equal(t, int64(10), mission.MissionBuy)

	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, sess+"/step", map[string]any{"actions": []int64{1, 2}}, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodGet, sess+"/observations", nil, nil))

	var ref struct {
		Action []float64 `json:"action"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, sess+"/reference-action", nil, &ref))
	assert.Len(t, ref.Action, 4)

	var step struct {
		Fills          domain.Series `json:"fills"`
		ElapsedSeconds float64       `json:"elapsed_seconds"`
		LeftStep       int           `json:"left_step"`
		Active         bool          `json:"active"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodPost, sess+"/step", map[string]any{"actions": []int64{0, 0, 0, 5}}, &step))
	assert.Equal(t, 1, step.LeftStep)
	assert.True(t, step.Active)
	assert.Equal(t, domain.Series{{Price: 101, Qty: 5}}, step.Fills)
	assert.InDelta(t, 1.0, step.ElapsedSeconds, 1e-9)

	require.Equal(t, http.StatusOK, call(t, http.MethodPost, sess+"/step", map[string]any{"actions": []int64{0, 0, 0, 5}}, &step))
	assert.False(t, step.Active)
	assert.Equal(t, http.StatusConflict, call(t, http.MethodPost, sess+"/step", map[string]any{"actions": []int64{0, 0, 0, 5}}, nil))

	var summary struct {
		FilledQty int64  `json:"filled_qty"`
		VWAP      string `json:"vwap"`
		Complete  bool   `json:"complete"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, sess+"/summary", nil, &summary))
	assert.Equal(t, int64(10), summary.FilledQty)
	assert.Equal(t, "101.0000", summary.VWAP)
	assert.True(t, summary.Complete)

	var episodes struct {
		Episodes []domain.Episode `json:"episodes"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/api/episodes", nil, &episodes))
	require.Len(t, episodes.Episodes, 1)
	assert.Equal(t, domain.EpisodeStatusCompleted, episodes.Episodes[0].Status)

	var detail struct {
		Steps []domain.EpisodeStep `json:"steps"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/api/episodes/"+episodes.Episodes[0].ID, nil, &detail))
	assert.Len(t, detail.Steps, 2)

	assert.Equal(t, http.StatusNoContent, call(t, http.MethodDelete, sess, nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, http.MethodGet, sess+"/summary", nil, nil))
}

func TestCreateRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, "")
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, srv.URL+"/api/sessions", map[string]string{"variant": "bogus"}, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, srv.URL+"/api/sessions", map[string]string{"flavour": "replay"}, nil))
}

func TestAuthAndMetrics(t *testing.T) {
	srv := newTestServer(t, "k")

	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/api/health", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, call(t, http.MethodGet, srv.URL+"/api/sessions", nil, nil))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "ordersim_http_server_requests_total")
}
