package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// slidingWindowLua trims the window, then admits the request when fewer than
// ARGV[3] requests remain inside it. Returns 1 when admitted.
const slidingWindowLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) < limit then
    redis.call('ZADD', key, now, ARGV[4])
    redis.call('PEXPIRE', key, math.ceil(window / 1000))
    return 1
end
return 0
`

// RateLimiter implements domain.RateLimiter with a sliding window kept in a
// sorted set, so the budget is shared by every replica.
type RateLimiter struct {
	rdb    *redis.Client
	script *redis.Script
	limit  int
	window time.Duration
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// NewRateLimiter admits at most limit requests per key within window.
func NewRateLimiter(c *Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		rdb:    c.Underlying(),
		script: redis.NewScript(slidingWindowLua),
		limit:  limit,
		window: window,
	}
}

func rateLimitKey(key string) string {
	return keyPrefix + "ratelimit:" + key
}

// Allow reports whether one more request for key fits in the window.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMicro()
	member := strconv.FormatInt(now, 10) + "-" + uuid.NewString()

	n, err := rl.script.Run(ctx, rl.rdb,
		[]string{rateLimitKey(key)},
		now, rl.window.Microseconds(), rl.limit, member,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	return n == 1, nil
}
