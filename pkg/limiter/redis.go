package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and consumes atomically.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost
// ARGV[4] = now (unix seconds, microsecond precision)
// ARGV[5] = ttl seconds
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return allowed
`)

// Redis is a limiter shared by every process using the same Redis.
type Redis struct {
	client redis.UniversalClient
	policy Policy
	prefix string
	clock  func() time.Time
}

// NewRedis creates a limiter on an existing client.
func NewRedis(client redis.UniversalClient, p Policy) *Redis {
	return &Redis{client: client, policy: p, prefix: "quorum:limiter:", clock: time.Now}
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr string, p Policy) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis limiter: ping %s: %w", addr, err)
	}
	return NewRedis(client, p), nil
}

// Allow consumes one token for key.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	now := float64(r.clock().UnixMicro()) / 1e6
	// a full bucket refills in burst/rate seconds; keep state a bit longer
	ttl := int(float64(r.policy.burst())/r.policy.perSecond()) + 60

	res, err := tokenBucketScript.Run(ctx, r.client, []string{r.prefix + key},
		r.policy.perSecond(), r.policy.burst(), 1, now, ttl).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return res == 1, nil
}

// Close releases the client.
func (r *Redis) Close() error {
	if r.client == nil {
		return errors.New("redis limiter: no client")
	}
	return r.client.Close()
}
