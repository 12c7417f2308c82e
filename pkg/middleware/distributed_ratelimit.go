package middleware

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// DistributedRateLimiter is a fixed-window counter in Redis, shared by all
// engine instances
type DistributedRateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewDistributedRateLimiter creates a new Redis-backed rate limiter
func NewDistributedRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *DistributedRateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "ratelimit"
	}

	return &DistributedRateLimiter{
		redis:  redisClient,
		config: config,
		prefix: prefix,
	}
}

func (rl *DistributedRateLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// Allow increments key's window counter. The window starts at the first
// request; burst is added to the window's budget.
func (rl *DistributedRateLimiter) Allow(ctx context.Context, key string) (RateLimitStatus, error) {
	redisKey := rl.key(key)

	pipe := rl.redis.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return RateLimitStatus{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	reset := ttl.Val()
	if reset < 0 {
		// First request of the window anchors its expiry
		if err := rl.redis.PExpire(ctx, redisKey, rl.config.WindowDuration).Err(); err != nil {
			return RateLimitStatus{}, fmt.Errorf("rate limit %s: %w", key, err)
		}
		reset = rl.config.WindowDuration
	}

	budget := int64(rl.config.RequestsPerWindow + rl.config.BurstSize)
	count := incr.Val()

	return RateLimitStatus{
		Allowed:   count <= budget,
		Limit:     rl.config.RequestsPerWindow,
		Remaining: int(max(budget-count, 0)),
		Reset:     reset,
	}, nil
}

// Remaining returns the number of remaining requests in the window
func (rl *DistributedRateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	budget := rl.config.RequestsPerWindow + rl.config.BurstSize
	count, err := rl.redis.Get(ctx, rl.key(key)).Int()
	if err == redis.Nil {
		return budget, nil
	} else if err != nil {
		return 0, err
	}
	return max(budget-count, 0), nil
}

// Reset clears the window for a key
func (rl *DistributedRateLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}

// HealthCheck verifies Redis connectivity for rate limiting
func (rl *DistributedRateLimiter) HealthCheck(ctx context.Context) error {
	return rl.redis.Ping(ctx).Err()
}
