// Package ratelimit limits request rates on the HTTP ingest surface.
//
// MemoryLimiter keeps a token bucket per key inside one process.
// RedisLimiter counts fixed windows in Redis so several replicas share one
// budget per client.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Limit is the maximum burst for the key.
	Limit int
	// Remaining is the number of requests left before rejection.
	Remaining int
	// RetryAfter is how long a rejected caller should wait. Zero when allowed.
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key should proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one unit of the key's budget. An error means the
	// limiter itself failed; callers fail open.
	Allow(ctx context.Context, key string) (Decision, error)

	Close() error
}

// NoopLimiter permits every request.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

func (NoopLimiter) Close() error { return nil }
