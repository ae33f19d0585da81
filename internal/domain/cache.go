package domain

import (
	"context"
	"time"
)

// SessionStatus is the live view of one hosted episode.
type SessionStatus struct {
	SessionID  string    `json:"session_id"`
	EpisodeID  string    `json:"episode_id,omitempty"`
	Variant    Variant   `json:"variant"`
	Active     bool      `json:"active"`
	TotalStep  int       `json:"total_step"`
	MissionBuy int64     `json:"mission_buy"`
	LeftStep   int       `json:"left_step"`
	FilledQty  int64     `json:"filled_qty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SessionCache stores session status for dashboards and other replicas.
type SessionCache interface {
	SetStatus(ctx context.Context, status SessionStatus) error
	GetStatus(ctx context.Context, sessionID string) (SessionStatus, error)
	Delete(ctx context.Context, sessionID string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter admits or rejects one request for a key.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}
