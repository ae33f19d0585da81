package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// EpisodeStatus tracks the lifecycle of a persisted episode.
type EpisodeStatus string

const (
	EpisodeStatusActive    EpisodeStatus = "active"
	EpisodeStatusCompleted EpisodeStatus = "completed" // mission filled
	EpisodeStatusExhausted EpisodeStatus = "exhausted" // steps ran out first
	EpisodeStatusAbandoned EpisodeStatus = "abandoned" // reset or closed early
)

// Episode is the persisted record of one reset-to-terminal run.
type Episode struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	Variant    Variant       `json:"variant"`
	TotalStep  int           `json:"total_step"`
	MissionBuy int64         `json:"mission_buy"`
	LeftStep   int           `json:"left_step"`
	FilledQty  int64         `json:"filled_qty"`
	VWAP       string        `json:"vwap,omitempty"`
	Status     EpisodeStatus `json:"status"`
	TapePath   string        `json:"tape_path,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// EpisodeStep is one persisted step of an episode.
type EpisodeStep struct {
	EpisodeID string        `json:"episode_id"`
	Index     int           `json:"index"`
	Action    Action        `json:"action"`
	LeftStep  int           `json:"left_step"`
	Fills     Series        `json:"fills"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	CreatedAt time.Time     `json:"created_at"`
}

// EpisodeStore persists episodes and their steps.
type EpisodeStore interface {
	Create(ctx context.Context, ep Episode) error
	RecordStep(ctx context.Context, step EpisodeStep) error
	Finish(ctx context.Context, ep Episode) error
	GetByID(ctx context.Context, id string) (Episode, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]Episode, error)
	ListSteps(ctx context.Context, episodeID string) ([]EpisodeStep, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
