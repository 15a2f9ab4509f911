package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// slidingWindowScript keeps one sorted set per subject scored by arrival time in
// milliseconds. Denied attempts are not added.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  return {0, count, tonumber(oldest[2] or now)}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
return {1, count + 1, tonumber(first[2] or now)}
`)

type redisLimiter struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	prefix  string
	limit   int
	window  time.Duration
	timeout time.Duration
}

// NewRedis returns a limiter whose windows are shared by every gateway replica
// pointed at the same Redis.
func NewRedis(client redis.UniversalClient, limit int, window time.Duration, logger *slog.Logger) Limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &redisLimiter{
		client:  client,
		logger:  logger,
		prefix:  "deploygate:ratelimit:",
		limit:   limit,
		window:  window,
		timeout: 250 * time.Millisecond,
	}
}

// Allow fails open when Redis is unreachable.
func (rl *redisLimiter) Allow(key string) Decision {
	if rl.limit <= 0 {
		return Decision{Allowed: true}
	}
	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()

	now := time.Now()
	args := []any{
		now.UnixMilli(),
		rl.window.Milliseconds(),
		rl.limit,
		strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString(),
	}
	values, err := slidingWindowScript.Run(ctx, rl.client, []string{rl.prefix + key}, args...).Int64Slice()
	if err != nil || len(values) < 3 {
		rl.logRedisError("allow", err)
		return Decision{Allowed: true, Limit: rl.limit}
	}
	oldest := time.UnixMilli(values[2])
	return Decision{
		Allowed: values[0] == 1,
		Count:   int(values[1]),
		Limit:   rl.limit,
		Reset:   oldest.Add(rl.window),
	}
}

// Close is a no-op; the shared client is owned by the caller.
func (rl *redisLimiter) Close() {}

func (rl *redisLimiter) logRedisError(op string, err error) {
	if rl.logger == nil {
		return
	}
	rl.logger.Error("redis rate limiter error", "op", op, "error", err)
}
