package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// LimiterPolicy bounds invocation admission per actor.
type LimiterPolicy struct {
	RPM   int
	Burst int
}

// LimiterStore abstracts the token-bucket backend. The in-memory store
// serves single-instance deployments; Redis serves shared ones.
type LimiterStore interface {
	Allow(ctx context.Context, actorID string, policy LimiterPolicy, cost int) (bool, error)
}

// Admit checks the actor against the policy, failing closed on backend
// errors.
func Admit(ctx context.Context, store LimiterStore, actorID string, policy LimiterPolicy) error {
	if store == nil {
		return fmt.Errorf("limiter: no store configured")
	}
	allowed, err := store.Allow(ctx, actorID, policy, 1)
	if err != nil {
		return fmt.Errorf("limiter: check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("limiter: rate limit exceeded for %s", actorID)
	}
	return nil
}

// InMemoryLimiterStore keeps one token bucket per actor in process.
type InMemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewInMemoryLimiterStore() *InMemoryLimiterStore {
	return &InMemoryLimiterStore{buckets: make(map[string]*rate.Limiter)}
}

func (s *InMemoryLimiterStore) Allow(ctx context.Context, actorID string, policy LimiterPolicy, cost int) (bool, error) {
	s.mu.Lock()
	limiter, ok := s.buckets[actorID]
	if !ok {
		perSec := rate.Limit(float64(policy.RPM) / 60.0)
		if perSec <= 0 {
			perSec = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(perSec, burst)
		s.buckets[actorID] = limiter
	}
	s.mu.Unlock()

	return limiter.AllowN(time.Now(), cost), nil
}

// redisTokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key, ARGV = rate per second, capacity, cost, now.
var redisTokenBucketScript = redis.NewScript(`
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

// RedisLimiterStore shares buckets across kernel instances.
type RedisLimiterStore struct {
	client *redis.Client
}

func NewRedisLimiterStore(addr, password string, db int) *RedisLimiterStore {
	return &RedisLimiterStore{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *RedisLimiterStore) Allow(ctx context.Context, actorID string, policy LimiterPolicy, cost int) (bool, error) {
	key := fmt.Sprintf("limiter:%s", actorID)

	perSec := float64(policy.RPM) / 60.0
	if perSec <= 0 {
		perSec = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{key}, perSec, policy.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("limiter: redis: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("limiter: unexpected script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}
