package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the token bucket atomically in Redis so multiple
// nodes share one budget per client.
// KEYS[1] = bucket key, ARGV[1] = refill rate (tokens/sec),
// ARGV[2] = capacity, ARGV[3] = cost, ARGV[4] = now (unix seconds, float).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter is the distributed flavor of Allower for multi-node
// deployments. Redis failures fail open: throttling is protective, not
// load-bearing.
type RedisLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
	logger *slog.Logger
}

// NewRedisLimiter connects to the given Redis address.
func NewRedisLimiter(addr string, rps float64, burst int) *RedisLimiter {
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		rps:    rps,
		burst:  burst,
		logger: slog.Default().With("component", "redis-limiter"),
	}
}

// Allow consumes one token from the shared bucket for key.
func (l *RedisLimiter) Allow(ctx context.Context, key string) bool {
	now := float64(time.Now().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, l.client,
		[]string{fmt.Sprintf("ratelimit:%s", key)}, l.rps, l.burst, 1, now).Int64()
	if err != nil {
		l.logger.Warn("limiter unavailable, failing open", "error", err)
		return true
	}
	return res == 1
}
