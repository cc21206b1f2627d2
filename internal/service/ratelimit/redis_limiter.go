package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vendaro/crosslist/internal/domain"
	"github.com/vendaro/crosslist/pkg/clockx"
)

// RedisLimiter shares window budgets across processes via a Lua script so a
// fleet of workers respects one marketplace budget. Window semantics match
// the in-process Limiter: fixed-start windows that reset when their span
// elapses. The adaptive backoff multiplier stays per-process.
type RedisLimiter struct {
	rdb    *redis.Client
	script *redis.Script
	local  *Limiter // backoff accounting and limits resolution
	clock  clockx.Clock
	limits LimitsFn
}

// NewRedis constructs a RedisLimiter. mirror may be nil.
func NewRedis(rdb *redis.Client, clock clockx.Clock, limits LimitsFn, mirror domain.RateLimitStore) *RedisLimiter {
	return &RedisLimiter{
		rdb:    rdb,
		script: redis.NewScript(luaFixedWindowScript),
		local:  New(clock, limits, mirror),
		clock:  clock,
		limits: limits,
	}
}

// luaFixedWindowScript checks (consume=0) or consumes (consume=1) one unit
// across the three windows atomically. KEYS are the per-kind hashes; ARGV is
// now_ms, consume, then (duration_ms, limit) per window. Returns
// {allowed, wait_ms}.
const luaFixedWindowScript = `
local now = tonumber(ARGV[1])
local consume = tonumber(ARGV[2])

local wait = 0
for i = 1, #KEYS do
  local dur = tonumber(ARGV[1 + 2*i])
  local limit = tonumber(ARGV[2 + 2*i])
  local data = redis.call("HMGET", KEYS[i], "start", "count")
  local start = tonumber(data[1])
  local count = tonumber(data[2])
  if start == nil or now - start >= dur then
    start = now
    count = 0
  end
  if count >= limit then
    local remaining = start + dur - now
    if remaining > wait then
      wait = remaining
    end
  end
end

if wait > 0 then
  return { 0, wait }
end

if consume == 1 then
  for i = 1, #KEYS do
    local dur = tonumber(ARGV[1 + 2*i])
    local data = redis.call("HMGET", KEYS[i], "start", "count")
    local start = tonumber(data[1])
    local count = tonumber(data[2])
    if start == nil or now - start >= dur then
      start = now
      count = 0
    end
    redis.call("HMSET", KEYS[i], "start", start, "count", count + 1)
    redis.call("PEXPIRE", KEYS[i], dur * 2)
  end
end

return { 1, 0 }
`

func (l *RedisLimiter) run(ctx context.Context, marketplace string, consume bool) (Decision, error) {
	perMinute, perHour, perDay, err := l.limits(marketplace)
	if err != nil {
		return Decision{}, fmt.Errorf("op=ratelimit.redis: %w", err)
	}

	keys := []string{
		"rate:" + marketplace + ":minute",
		"rate:" + marketplace + ":hour",
		"rate:" + marketplace + ":day",
	}
	nowMs := l.clock.Now().UnixMilli()
	consumeArg := 0
	if consume {
		consumeArg = 1
	}
	args := []any{
		nowMs, consumeArg,
		domain.WindowMinute.Duration().Milliseconds(), perMinute,
		domain.WindowHour.Duration().Milliseconds(), perHour,
		domain.WindowDay.Duration().Milliseconds(), perDay,
	}

	res, err := l.script.Run(ctx, l.rdb, keys, args...).Int64Slice()
	if err != nil {
		// Fail open on Redis errors to avoid a hard outage; the marketplace
		// 429 path still applies.
		slog.Error("redis rate limiter script error",
			slog.String("marketplace", marketplace), slog.Any("error", err))
		return Decision{Allowed: true}, nil
	}
	if len(res) < 2 {
		return Decision{Allowed: true}, nil
	}
	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{
		Allowed: false,
		Wait:    time.Duration(res[1]) * time.Millisecond,
		Reason:  "window exhausted",
	}, nil
}

// Check is a pure read.
func (l *RedisLimiter) Check(ctx context.Context, marketplace string) (Decision, error) {
	return l.run(ctx, marketplace, false)
}

// Acquire consumes one unit from all three windows or denies.
func (l *RedisLimiter) Acquire(ctx context.Context, marketplace string) (Decision, error) {
	return l.run(ctx, marketplace, true)
}

// Record delegates to the per-process adaptive multiplier.
func (l *RedisLimiter) Record(ctx context.Context, marketplace string, ok bool) {
	l.local.Record(ctx, marketplace, ok)
}

// OptimalDelay delegates to the per-process multiplier and static limits.
func (l *RedisLimiter) OptimalDelay(marketplace string, priority int) time.Duration {
	return l.local.OptimalDelay(marketplace, priority)
}
