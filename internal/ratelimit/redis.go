package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "gtm:ratelimit:"

// RedisLimiter counts requests per key in fixed windows stored in Redis.
// Every replica pointed at the same Redis shares the budget.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisLimiter allows limit requests per window for each key.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration) (*RedisLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("ratelimit: redis client is required")
	}
	if limit < 1 || window <= 0 {
		return nil, fmt.Errorf("ratelimit: limit and window must be positive")
	}
	return &RedisLimiter{client: client, limit: limit, window: window, now: time.Now}, nil
}

// NewRedisLimiterForRate derives a window from a sustained rate and burst:
// burst requests per burst/rate seconds.
func NewRedisLimiterForRate(client *redis.Client, rate float64, burst int) (*RedisLimiter, error) {
	if rate <= 0 || burst < 1 {
		return nil, fmt.Errorf("ratelimit: rate and burst must be positive")
	}
	window := time.Duration(float64(burst) / rate * float64(time.Second))
	if window < time.Second {
		window = time.Second
	}
	return NewRedisLimiter(client, burst, window)
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	slot := now.UnixNano() / int64(l.window)
	redisKey := redisKeyPrefix + key + ":" + strconv.FormatInt(slot, 10)

	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, l.window+time.Second)
		return nil
	})
	if err != nil {
		return Decision{Allowed: true}, fmt.Errorf("ratelimit: redis incr: %w", err)
	}

	count := int(incr.Val())
	d := Decision{Limit: l.limit}
	if count > l.limit {
		windowEnd := time.Unix(0, (slot+1)*int64(l.window))
		d.RetryAfter = windowEnd.Sub(now)
		return d, nil
	}
	d.Allowed = true
	d.Remaining = l.limit - count
	return d, nil
}

// Close is a no-op. The client belongs to the caller.
func (l *RedisLimiter) Close() error { return nil }
