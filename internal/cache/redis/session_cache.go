package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// SessionCache implements domain.SessionCache by storing each session's status
// as a JSON string with a TTL that is refreshed on every write.
type SessionCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ domain.SessionCache = (*SessionCache)(nil)

// NewSessionCache creates a SessionCache. A non-positive ttl keeps entries
// until deleted.
func NewSessionCache(c *Client, ttl time.Duration) *SessionCache {
	return &SessionCache{rdb: c.Underlying(), ttl: max(ttl, 0)}
}

func sessionKey(id string) string {
	return keyPrefix + "session:" + id
}

// SetStatus stores status under its session id.
func (sc *SessionCache) SetStatus(ctx context.Context, status domain.SessionStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("redis: marshal session %s: %w", status.SessionID, err)
	}
	if err := sc.rdb.Set(ctx, sessionKey(status.SessionID), data, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set session %s: %w", status.SessionID, err)
	}
	return nil
}

// GetStatus returns domain.ErrNotFound when no status is cached.
func (sc *SessionCache) GetStatus(ctx context.Context, sessionID string) (domain.SessionStatus, error) {
	data, err := sc.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.SessionStatus{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SessionStatus{}, fmt.Errorf("redis: get session %s: %w", sessionID, err)
	}
	var st domain.SessionStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return domain.SessionStatus{}, fmt.Errorf("redis: unmarshal session %s: %w", sessionID, err)
	}
	return st, nil
}

// Delete removes a session's status.
func (sc *SessionCache) Delete(ctx context.Context, sessionID string) error {
	if err := sc.rdb.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis: delete session %s: %w", sessionID, err)
	}
	return nil
}
