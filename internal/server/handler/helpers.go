package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/ordersim/internal/domain"
	"github.com/alanyoungcy/ordersim/internal/engine/remote"
)

// maxBodyBytes bounds request bodies. A step body is a handful of integers.
const maxBodyBytes = 64 << 10

// writeJSON marshals v and writes it with the given status. A marshal failure
// becomes a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends {"error": msg}.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a bounded JSON body into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps an error from the session layer to an HTTP status.
func statusFor(err error) int {
	var engErr *remote.EngineError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrEpisodeNotActive), errors.Is(err, domain.ErrNotReset):
		return http.StatusConflict
	case errors.Is(err, domain.ErrMalformedAction), errors.Is(err, domain.ErrUnsupported):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrSessionLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, remote.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &engErr),
		errors.Is(err, remote.ErrClosed),
		errors.Is(err, domain.ErrMalformedWindow),
		errors.Is(err, domain.ErrInvalidMission):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError logs server-side failures and writes the mapped status.
// Client errors carry the error text; 5xx responses do not leak internals
// beyond the engine's own message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), op+" failed",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	if status == http.StatusInternalServerError {
		writeError(w, status, op+" failed")
		return
	}
	writeError(w, status, err.Error())
}

// parseListOpts reads limit and offset from the query. Defaults: limit=50
// (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	limit = min(limit, 500)

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{Limit: limit, Offset: offset}
}
