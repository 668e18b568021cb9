package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket_Take(t *testing.T) {
	now := time.Now()
	bucket := NewTokenBucket(5, 5*time.Second, now)

	for i := 0; i < 5; i++ {
		ok, remaining, _ := bucket.Take(now)
		assert.True(t, ok, "request %d", i+1)
		assert.Equal(t, 4-i, remaining)
	}

	ok, _, resetAt := bucket.Take(now)
	assert.False(t, ok)
	assert.Equal(t, now.Add(5*time.Second), resetAt)

	// 1초에 한 개씩 채워진다
	ok, _, _ = bucket.Take(now.Add(time.Second))
	assert.True(t, ok)
	ok, _, _ = bucket.Take(now.Add(time.Second))
	assert.False(t, ok)
}

func TestLocalLimiter_PerKey(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewLocalLimiter(3, time.Minute, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, "addr:GA")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 3, d.Limit)
	}
	d, err := limiter.Allow(ctx, "addr:GA")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	d, err = limiter.Allow(ctx, "addr:GB")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "keys are independent")

	clock.Advance(20 * time.Second)
	d, err = limiter.Allow(ctx, "addr:GA")
	require.NoError(t, err)
	assert.True(t, d.Allowed, "one token refilled after a third of the window")
}

func TestLocalLimiter_ResetAndCleanup(t *testing.T) {
	clock := clockwork.NewFakeClock()
	limiter := NewLocalLimiter(1, time.Minute, clock)
	ctx := context.Background()

	_, _ = limiter.Allow(ctx, "a")
	d, _ := limiter.Allow(ctx, "a")
	require.False(t, d.Allowed)

	limiter.Reset("a")
	d, _ = limiter.Allow(ctx, "a")
	assert.True(t, d.Allowed)

	_, _ = limiter.Allow(ctx, "b")
	assert.Equal(t, 2, limiter.Size())

	clock.Advance(2 * time.Minute)
	_, _ = limiter.Allow(ctx, "c")
	assert.Equal(t, 1, limiter.Size(), "idle buckets are dropped")
}

func TestLocalLimiter_ConcurrentAccess(t *testing.T) {
	limiter := NewLocalLimiter(100, time.Hour, clockwork.NewFakeClock())
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		allowed int64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if d, _ := limiter.Allow(ctx, "shared"); d.Allowed {
					atomic.AddInt64(&allowed, 1)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), allowed)
}

func BenchmarkLocalLimiter_Allow(b *testing.B) {
	limiter := NewLocalLimiter(1000000, time.Second, nil)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow(ctx, fmt.Sprintf("key%d", i%100))
	}
}
