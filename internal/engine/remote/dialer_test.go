package remote

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ordersim/internal/engine/enginetest"
)

func TestDialerConnects(t *testing.T) {
	url := serve(t, enginetest.New())
	d := NewDialer(DialerConfig{URL: url, DialTimeout: time.Second, CallTimeout: time.Second}, slog.Default())

	eng, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer eng.(*Engine).Close()

	reply, err := eng.Reset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, reply.LeftStep)
}

func TestDialerOpensAfterFailures(t *testing.T) {
	// Plain HTTP endpoint: every websocket handshake fails.
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	var transitions []gobreaker.State
	d := NewDialer(DialerConfig{
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		Failures: 2,
		Cooldown: time.Minute,
		OnStateChange: func(_ string, _, to gobreaker.State) {
			transitions = append(transitions, to)
		},
	}, slog.Default())

	for i := 0; i < 2; i++ {
		_, err := d.Dial(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrEngineUnavailable)
	}
	assert.Equal(t, gobreaker.StateOpen, d.State())

	_, err := d.Dial(context.Background())
	assert.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)
}
