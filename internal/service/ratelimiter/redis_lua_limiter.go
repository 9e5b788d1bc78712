package ratelimiter

import (
	"context"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLuaLimiter implements the sliding window on a Redis sorted set so
// that several instances share one view of per-tenant usage. The window
// trim, count and insert run in a single Lua script to stay atomic.
type RedisLuaLimiter struct {
	redis  *redis.Client
	window time.Duration
	script *redis.Script
}

// NewRedisLuaLimiter creates a limiter backed by the given client.
func NewRedisLuaLimiter(rdb *redis.Client, window time.Duration) *RedisLuaLimiter {
	if rdb == nil {
		return nil
	}
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLuaLimiter{
		redis:  rdb,
		window: window,
		script: redis.NewScript(luaSlidingWindowScript),
	}
}

const luaSlidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)

if count < limit then
  redis.call("ZADD", key, now, member)
  redis.call("PEXPIRE", key, window)
  return { 1, 0 }
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local retry_after = 0
if oldest[2] then
  retry_after = tonumber(oldest[2]) + window - now
end

return { 0, retry_after }
`

// Allow runs the window script. Redis errors fail open so a cache outage
// degrades to unlimited throughput instead of a hard outage.
func (l *RedisLuaLimiter) Allow(ctx context.Context, key string, limit int) (bool, time.Duration, error) {
	if l == nil || l.redis == nil || limit <= 0 {
		return true, 0, nil
	}

	now := time.Now()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatInt(rand.Int63(), 10)

	res, err := l.script.Run(ctx, l.redis, []string{"rate:" + key},
		now.UnixMilli(), l.window.Milliseconds(), limit, member).Result()
	if err != nil {
		slog.Error("redis rate limiter script error", slog.String("key", key), slog.Any("error", err))
		return true, 0, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("redis rate limiter unexpected script result", slog.String("key", key), slog.Any("result", res))
		return true, 0, nil
	}

	allowed := toInt64(vals[0]) == 1
	retryAfter := time.Duration(toInt64(vals[1])) * time.Millisecond
	if retryAfter < 0 {
		retryAfter = 0
	}
	return allowed, retryAfter, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
