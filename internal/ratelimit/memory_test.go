package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock returns a limiter whose clock only moves when advance is called.
func fakeClock(t *testing.T, rate float64, burst int) (*MemoryLimiter, func(time.Duration)) {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	t.Cleanup(func() { require.NoError(t, m.Close()) })

	var mu sync.Mutex
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	return m, func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := fakeClock(t, 10, 3)
	ctx := context.Background()

	for i := range 3 {
		d, err := m.Allow(ctx, "k")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d within burst", i)
		assert.Equal(t, 3, d.Limit)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := m.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 100*time.Millisecond, d.RetryAfter)
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, advance := fakeClock(t, 10, 2)
	ctx := context.Background()

	for range 2 {
		_, _ = m.Allow(ctx, "k")
	}
	d, _ := m.Allow(ctx, "k")
	require.False(t, d.Allowed)

	advance(100 * time.Millisecond)
	d, _ = m.Allow(ctx, "k")
	assert.True(t, d.Allowed, "one token refilled after 1/rate")

	d, _ = m.Allow(ctx, "k")
	assert.False(t, d.Allowed)
}

func TestMemoryLimiterCapsAtBurst(t *testing.T) {
	m, advance := fakeClock(t, 1000, 3)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "k")
	advance(time.Hour)

	for i := range 3 {
		d, _ := m.Allow(ctx, "k")
		assert.True(t, d.Allowed, "request %d after idle", i)
	}
	d, _ := m.Allow(ctx, "k")
	assert.False(t, d.Allowed)
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := fakeClock(t, 10, 1)
	ctx := context.Background()

	d, _ := m.Allow(ctx, "a")
	assert.True(t, d.Allowed)
	d, _ = m.Allow(ctx, "a")
	assert.False(t, d.Allowed)
	d, _ = m.Allow(ctx, "b")
	assert.True(t, d.Allowed)
	assert.Equal(t, 2, m.Len())
}

func TestMemoryLimiterZeroRate(t *testing.T) {
	m, _ := fakeClock(t, 0, 1)
	ctx := context.Background()

	d, _ := m.Allow(ctx, "k")
	require.True(t, d.Allowed)
	d, _ = m.Allow(ctx, "k")
	assert.False(t, d.Allowed)
	assert.Positive(t, d.RetryAfter)
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := fakeClock(t, 100, 50)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			for range 10 {
				d, err := m.Allow(ctx, "shared")
				if err == nil && d.Allowed {
					allowed.Add(1)
				}
			}
		})
	}
	wg.Wait()

	// The clock is frozen, so exactly the burst gets through.
	assert.Equal(t, int64(50), allowed.Load())
}

func TestMemoryLimiterEvict(t *testing.T) {
	m, advance := fakeClock(t, 10, 5)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "stale")
	advance(15 * time.Minute)
	_, _ = m.Allow(ctx, "recent")

	m.evict(m.now().Add(-staleAfter))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "stale")
	assert.Contains(t, m.buckets, "recent")
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	for range 100 {
		d, err := l.Allow(context.Background(), "anything")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	require.NoError(t, l.Close())
}
