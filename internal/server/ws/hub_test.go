package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ordersim/internal/domain"
	"github.com/alanyoungcy/ordersim/internal/store/storetest"
)

func startHub(t *testing.T) (*storetest.Bus, *websocket.Conn) {
	t.Helper()
	bus := storetest.NewBus()
	hub := NewHub(bus, "serve", slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(httpHandler(hub))
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		cancel()
		srv.Close()
	})
	return bus, conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func episodeEvent(t *testing.T, session, event string) []byte {
	t.Helper()
	data, err := json.Marshal(domain.EpisodeEvent{Event: event, SessionID: session})
	require.NoError(t, err)
	return data
}

func TestHubRelaysEvents(t *testing.T) {
	bus, conn := startHub(t)

	hello := readEnvelope(t, conn)
	assert.Equal(t, "hello", hello.Type)

	require.NoError(t, bus.Publish(context.Background(), domain.ChannelEpisode, episodeEvent(t, "s1", "episode_started")))

	env := readEnvelope(t, conn)
	assert.Equal(t, "event", env.Type)
	assert.Equal(t, domain.ChannelEpisode, env.Channel)
	var evt domain.EpisodeEvent
	require.NoError(t, json.Unmarshal(env.Payload, &evt))
	assert.Equal(t, "s1", evt.SessionID)
}

func TestHubSessionFilter(t *testing.T) {
	bus, conn := startHub(t)
	readEnvelope(t, conn) // hello

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "subscribe", "sessions": []string{"s2"}}))
	ack := readEnvelope(t, conn)
	assert.Equal(t, "subscribed", ack.Type)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, domain.ChannelEpisode, episodeEvent(t, "s1", "episode_step")))
	require.NoError(t, bus.Publish(ctx, domain.ChannelEpisode, episodeEvent(t, "s2", "episode_step")))

	env := readEnvelope(t, conn)
	var evt domain.EpisodeEvent
	require.NoError(t, json.Unmarshal(env.Payload, &evt))
	assert.Equal(t, "s2", evt.SessionID)
}

func TestHubHistory(t *testing.T) {
	bus, conn := startHub(t)
	readEnvelope(t, conn)

	ctx := context.Background()
	for _, e := range []string{"episode_started", "episode_step", "episode_finished"} {
		require.NoError(t, bus.StreamAppend(ctx, domain.StreamEpisode, episodeEvent(t, "s1", e)))
	}

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "history", "after": "1-0"}))
	env := readEnvelope(t, conn)
	require.Equal(t, "history", env.Type)

	var body struct {
		Messages []historyEntry `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	require.Len(t, body.Messages, 2)
	assert.Equal(t, "2-0", body.Messages[0].ID)
}

func TestHubUnknownAction(t *testing.T) {
	_, conn := startHub(t)
	readEnvelope(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"action": "dance"}))
	env := readEnvelope(t, conn)
	assert.Equal(t, "error", env.Type)
}

func httpHandler(h *Hub) http.Handler { return http.HandlerFunc(h.HandleWS) }
