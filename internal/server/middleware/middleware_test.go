package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAuth(t *testing.T) {
	h := Auth("secret", "/api/health")(ok)

	cases := []struct {
		name   string
		path   string
		header map[string]string
		want   int
	}{
		{"missing", "/api/sessions", nil, http.StatusUnauthorized},
		{"wrong", "/api/sessions", map[string]string{"X-API-Key": "nope"}, http.StatusUnauthorized},
		{"bearer", "/api/sessions", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"header", "/api/sessions", map[string]string{"X-API-Key": "secret"}, http.StatusOK},
		{"public", "/api/health", nil, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestAuthDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	Auth("")(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(ok)

	req := httptest.NewRequest(http.MethodOptions, "/api/sessions", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoggingObservesRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	var gotPattern, gotStatus string
	h := Logging(discard(), func(method, pattern, status string, _ time.Duration) {
		gotPattern, gotStatus = pattern, status
	})(mux)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/sessions/abc", nil))
	assert.Equal(t, "GET /api/sessions/{id}", gotPattern)
	assert.Equal(t, "418", gotStatus)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, "unmatched", gotPattern)
	assert.Equal(t, "404", gotStatus)
}

func TestLocalLimiter(t *testing.T) {
	l := NewLocalLimiter(2, time.Minute, 2)
	ctx := context.Background()

	for range 2 {
		allowed, err := l.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, _ := l.Allow(ctx, "a")
	assert.False(t, allowed)

	allowed, _ = l.Allow(ctx, "b")
	assert.True(t, allowed, "keys are independent")
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(NewLocalLimiter(1, time.Minute, 1), discard())(ok)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	RateLimit(failingLimiter{}, discard())(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "fails open")
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.7")
	assert.Equal(t, "198.51.100.7", clientIP(req))
}
