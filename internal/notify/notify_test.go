package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ordersim/internal/config"
)

type fakeSender struct {
	mu   sync.Mutex
	name string
	err  error
	sent []string
}

func (f *fakeSender) Send(_ context.Context, title, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, title)
	return f.err
}

func (f *fakeSender) Name() string { return f.name }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifyFiltersEvents(t *testing.T) {
	s := &fakeSender{name: "a"}
	n := NewNotifier([]Sender{s}, []string{EventReplayFailed, " "}, discard())

	require.NoError(t, n.Notify(context.Background(), EventBaselineFinished, "skip", ""))
	require.NoError(t, n.Notify(context.Background(), EventReplayFailed, "sent", ""))
	assert.Equal(t, []string{"sent"}, s.sent)
	assert.False(t, n.Enabled(EventEpisodeComplete))
}

func TestNotifyEmptyFilterAllowsAll(t *testing.T) {
	s := &fakeSender{name: "a"}
	n := NewNotifier([]Sender{s}, nil, discard())
	require.NoError(t, n.Notify(context.Background(), "anything", "t", ""))
	assert.Len(t, s.sent, 1)
}

func TestNotifyContinuesAfterFailure(t *testing.T) {
	boom := errors.New("boom")
	bad := &fakeSender{name: "bad", err: boom}
	good := &fakeSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.Notify(context.Background(), "x", "t", "m")
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.sent, 1)
}

func TestNilNotifier(t *testing.T) {
	var n *Notifier
	assert.NoError(t, n.Notify(context.Background(), "x", "t", "m"))
}

func TestFromConfig(t *testing.T) {
	assert.Nil(t, FromConfig(config.NotifyConfig{}, discard()))

	n := FromConfig(config.NotifyConfig{
		TelegramToken:     "tok",
		TelegramChatID:    "42",
		DiscordWebhookURL: "http://example.invalid/hook",
	}, discard())
	require.NotNil(t, n)
	require.Len(t, n.senders, 2)
	assert.Equal(t, "telegram", n.senders[0].Name())
	assert.Equal(t, "discord", n.senders[1].Name())
}

func TestTelegramSend(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "7").WithBaseURL(srv.URL)
	require.NoError(t, s.Send(context.Background(), "Title", "body"))
	assert.Equal(t, "7", got["chat_id"])
	assert.Equal(t, "*Title*\nbody", got["text"])
}

func TestDiscordSendStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
	assert.Contains(t, err.Error(), "rate limited")
}
