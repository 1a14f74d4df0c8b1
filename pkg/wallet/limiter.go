package wallet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter bounds how often a key may attempt an auth operation. Keys
// combine route, username, and client address.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// tokenBucketScript refills and consumes a bucket atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = current unix time (seconds, fractional)
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

return {allowed, tokens}
`)

// RedisLimiter shares one token bucket per key across wallet replicas.
type RedisLimiter struct {
	client    *redis.Client
	perMinute int
	burst     int
}

func NewRedisLimiter(client *redis.Client, perMinute, burst int) *RedisLimiter {
	return &RedisLimiter{client: client, perMinute: perMinute, burst: burst}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	ratePerSecond := float64(l.perMinute) / 60.0
	if ratePerSecond <= 0 {
		ratePerSecond = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client,
		[]string{"limiter:" + key}, ratePerSecond, l.burst, 1, now).Result()
	if err != nil {
		return false, err
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, errMalformedBucket
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

var errMalformedBucket = errors.New("unexpected token bucket reply")

// LocalLimiter is the single-process fallback when no Redis is configured.
// One rate.Limiter per key; the map grows with distinct keys and is
// acceptable for auth endpoints where keys are usernames and addresses.
type LocalLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*rate.Limiter
	perSecond rate.Limit
	burst     int
}

func NewLocalLimiter(perMinute, burst int) *LocalLimiter {
	return &LocalLimiter{
		buckets:   make(map[string]*rate.Limiter),
		perSecond: rate.Limit(float64(perMinute) / 60.0),
		burst:     burst,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	bucket, ok := l.buckets[key]
	if !ok {
		bucket = rate.NewLimiter(l.perSecond, l.burst)
		l.buckets[key] = bucket
	}
	l.mu.Unlock()
	return bucket.Allow(), nil
}
