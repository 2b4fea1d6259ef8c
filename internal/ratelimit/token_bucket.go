// Package ratelimit throttles job starts per user with a Redis-backed token
// bucket, so the limit holds across API replicas.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const userKeyPrefix = "throttle:user:"

// Limiter is a distributed token bucket keyed by user id. Each start-job
// request spends one token; tokens refill continuously up to the burst
// capacity.
type Limiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// New constructs a limiter. ttl bounds how long an idle user's bucket state
// lingers in Redis.
func New(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *Limiter {
	return &Limiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// AllowUser spends one token from the user's bucket if available. It returns
// the allowed flag and the remaining token count.
func (l *Limiter) AllowUser(ctx context.Context, userID string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := spendScript.Run(ctx, l.client, []string{userKeyPrefix + userID},
		l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	var remaining float64
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case float64:
		remaining = v
	}
	return allowed, remaining, nil
}

var spendScript = redis.NewScript(`
local bucket = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', bucket, 'tokens', 'refilled_ms')
local tokens = tonumber(state[1])
local refilled = tonumber(state[2])
if tokens == nil then tokens = capacity end
if refilled == nil then refilled = now end

local elapsed = math.max(0, now - refilled)
tokens = math.min(capacity, tokens + elapsed / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', bucket, 'tokens', tokens, 'refilled_ms', now)
if ttl > 0 then redis.call('PEXPIRE', bucket, ttl) end
return {allowed, tokens}
`)
