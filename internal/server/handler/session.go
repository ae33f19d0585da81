package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/ordersim/internal/domain"
	"github.com/alanyoungcy/ordersim/internal/env"
	"github.com/alanyoungcy/ordersim/internal/service"
)

// SessionService is what the session handler needs from the service layer.
type SessionService interface {
	Create(ctx context.Context, variant domain.Variant) (service.SessionInfo, error)
	Reset(ctx context.Context, id string) (domain.Window, error)
	Step(ctx context.Context, id string, actions []int64) (env.StepResult, error)
	Mission(ctx context.Context, id string) (service.MissionView, error)
	EveryObservation(ctx context.Context, id string) ([]domain.Series, error)
	ReferenceAction(ctx context.Context, id string) (domain.ReferenceAction, error)
	Summary(ctx context.Context, id string) (env.Summary, error)
	Close(ctx context.Context, id string) error
	List() []service.SessionInfo
}

// SessionHandler exposes hosted environments over HTTP.
type SessionHandler struct {
	sessions SessionService
	logger   *slog.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(sessions SessionService, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, logger: logger}
}

type createSessionRequest struct {
	Variant string `json:"variant"`
}

type stepRequest struct {
	Actions []int64 `json:"actions"`
}

type windowResponse struct {
	Window domain.Window `json:"window"`
}

type stepResponse struct {
	Window         domain.Window `json:"window"`
	Fills          domain.Series `json:"fills"`
	Cumulative     domain.Series `json:"cumulative"`
	ElapsedSeconds float64       `json:"elapsed_seconds"`
	LeftStep       int           `json:"left_step"`
	Active         bool          `json:"active"`
}

// Create starts a session of the requested variant.
// POST /api/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	variant, err := domain.ParseVariant(req.Variant)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	info, err := h.sessions.Create(r.Context(), variant)
	if err != nil {
		writeServiceError(w, r, h.logger, "create session", err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// List returns every open session.
// GET /api/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.List()
	if sessions == nil {
		sessions = []service.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// Reset starts a new episode.
// POST /api/sessions/{id}/reset
func (h *SessionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	window, err := h.sessions.Reset(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "reset", err)
		return
	}
	writeJSON(w, http.StatusOK, windowResponse{Window: window})
}

// Step submits one four-slot action.
// POST /api/sessions/{id}/step
func (h *SessionHandler) Step(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := h.sessions.Step(r.Context(), r.PathValue("id"), req.Actions)
	if err != nil {
		writeServiceError(w, r, h.logger, "step", err)
		return
	}
	writeJSON(w, http.StatusOK, stepResponse{
		Window:         res.Window,
		Fills:          res.Fills,
		Cumulative:     res.Cumulative,
		ElapsedSeconds: res.Elapsed.Seconds(),
		LeftStep:       res.LeftStep,
		Active:         res.LeftStep > 0,
	})
}

// Mission returns the mission fixed at the last reset.
// GET /api/sessions/{id}/mission
func (h *SessionHandler) Mission(w http.ResponseWriter, r *http.Request) {
	m, err := h.sessions.Mission(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "mission", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// Observations returns the full observation history of a replay session.
// GET /api/sessions/{id}/observations
func (h *SessionHandler) Observations(w http.ResponseWriter, r *http.Request) {
	obs, err := h.sessions.EveryObservation(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "observations", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"observations": obs})
}

// ReferenceAction returns the engine's heuristic action.
// GET /api/sessions/{id}/reference-action
func (h *SessionHandler) ReferenceAction(w http.ResponseWriter, r *http.Request) {
	a, err := h.sessions.ReferenceAction(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "reference action", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"action": a})
}

// Summary returns execution statistics of the current episode.
// GET /api/sessions/{id}/summary
func (h *SessionHandler) Summary(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Summary(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "summary", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Close ends a session.
// DELETE /api/sessions/{id}
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, r, h.logger, "close session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
