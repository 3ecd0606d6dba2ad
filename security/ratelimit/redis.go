package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript implements the sliding window atomically on a sorted
// set: prune expired members, reject without adding when the window is full,
// otherwise add the new member. Timestamps are sorted-set scores in
// microseconds.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	return {0, count, oldest[2]}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, math.ceil(window / 1000))
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {1, count + 1, oldest[2]}
`)

// RedisLimiter is the sliding-window backend for deployments that need
// limits shared across processes or surviving restarts, such as
// function-style platforms where each invocation starts fresh.
type RedisLimiter struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewRedisLimiter builds a limiter on an existing Redis client.
func NewRedisLimiter(rdb redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, now: time.Now}
}

// Check implements Limiter. Backend failures surface as errors; callers
// decide whether to fail open or closed.
func (l *RedisLimiter) Check(ctx context.Context, clientID string, limit int) (Result, error) {
	if limit <= 0 {
		return Result{Limit: limit, Reset: Window}, nil
	}
	now := l.now()
	args := []any{
		now.UnixMicro(),
		Window.Microseconds(),
		limit,
		uuid.NewString(),
	}
	raw, err := slidingWindowScript.Run(ctx, l.rdb, []string{"ratelimit:" + clientID}, args...).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: redis check: %w", err)
	}
	reply, ok := raw.([]any)
	if !ok || len(reply) != 3 {
		return Result{}, fmt.Errorf("ratelimit: unexpected redis reply %T", raw)
	}
	allowed := toInt64(reply[0]) == 1
	count := int(toInt64(reply[1]))
	oldestMicro := toInt64(reply[2])

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	reset := time.UnixMicro(oldestMicro).Add(Window).Sub(now)
	if reset < 0 {
		reset = 0
	}
	return Result{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}
