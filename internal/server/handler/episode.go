package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// EpisodeHandler serves the persisted episode history.
type EpisodeHandler struct {
	episodes domain.EpisodeStore
	logger   *slog.Logger
}

// NewEpisodeHandler creates an EpisodeHandler.
func NewEpisodeHandler(episodes domain.EpisodeStore, logger *slog.Logger) *EpisodeHandler {
	return &EpisodeHandler{episodes: episodes, logger: logger}
}

// List returns recent episodes, newest first.
// GET /api/episodes?limit=50&offset=0&since=RFC3339
func (h *EpisodeHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		opts.Since = &t
	}

	eps, err := h.episodes.ListRecent(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list episodes", err)
		return
	}
	if eps == nil {
		eps = []domain.Episode{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"episodes": eps})
}

// Get returns one episode with its steps.
// GET /api/episodes/{id}
func (h *EpisodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ep, err := h.episodes.GetByID(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get episode", err)
		return
	}
	steps, err := h.episodes.ListSteps(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "list steps", err)
		return
	}
	if steps == nil {
		steps = []domain.EpisodeStep{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"episode": ep, "steps": steps})
}
