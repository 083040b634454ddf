package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestLimiter(t *testing.T, rpm, burst int) (*MemoryLimiter, *ManualClock) {
	t.Helper()
	clock := NewManualClock(epoch)
	limiter, err := NewMemoryLimiter(Config{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		Shards:            4,
		IdleTTL:           time.Minute,
	}, WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = limiter.Close() })
	return limiter, clock
}

// tokensOf reads a bucket's stored token count.
func tokensOf(m *MemoryLimiter, id string) (float64, bool) {
	s := m.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.buckets[id]
	if !ok {
		return 0, false
	}
	return e.Value.(*bucket).tokens, true
}

func TestNewMemoryLimiter(t *testing.T) {
	t.Run("rejects invalid config", func(t *testing.T) {
		_, err := NewMemoryLimiter(Config{RequestsPerMinute: 0, BurstSize: 5})
		assert.ErrorIs(t, err, ErrInvalidConfig)

		_, err = NewMemoryLimiter(Config{RequestsPerMinute: 60, BurstSize: 0})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("defaults shard count", func(t *testing.T) {
		limiter, err := NewMemoryLimiter(Config{RequestsPerMinute: 60, BurstSize: 5})
		require.NoError(t, err)
		defer limiter.Close()

		assert.Len(t, limiter.shards, DefaultConfig().Shards)
	})
}

func TestMemoryLimiter_Allow(t *testing.T) {
	ctx := context.Background()

	t.Run("admits a full burst then rejects", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, 60, 20)
		identifier := "192.168.1.1"

		for i := 0; i < 20; i++ {
			d, err := limiter.Allow(ctx, identifier)
			require.NoError(t, err)
			assert.True(t, d.Allowed, "request %d should be allowed", i+1)
			assert.Equal(t, float64(20-i-1), d.Remaining)
			assert.Equal(t, 60, d.Limit)
		}

		d, err := limiter.Allow(ctx, identifier)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.GreaterOrEqual(t, d.RetryAfterSeconds(), 1)
	})

	t.Run("waiting retry-after admits exactly one more", func(t *testing.T) {
		limiter, clock := newTestLimiter(t, 60, 20)
		identifier := "10.0.0.1"

		for i := 0; i < 20; i++ {
			_, err := limiter.Allow(ctx, identifier)
			require.NoError(t, err)
		}
		d, err := limiter.Allow(ctx, identifier)
		require.NoError(t, err)
		require.False(t, d.Allowed)

		clock.Advance(time.Duration(d.RetryAfterSeconds()) * time.Second)

		d, err = limiter.Allow(ctx, identifier)
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		d, err = limiter.Allow(ctx, identifier)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	})

	t.Run("different identifiers have separate buckets", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, 60, 1)

		d1, err := limiter.Allow(ctx, "192.168.1.1")
		require.NoError(t, err)
		assert.True(t, d1.Allowed)

		d2, err := limiter.Allow(ctx, "192.168.1.2")
		require.NoError(t, err)
		assert.True(t, d2.Allowed)

		d3, err := limiter.Allow(ctx, "192.168.1.1")
		require.NoError(t, err)
		assert.False(t, d3.Allowed)
	})

	t.Run("refill is clamped to burst", func(t *testing.T) {
		limiter, clock := newTestLimiter(t, 60, 5)

		_, err := limiter.Allow(ctx, "a")
		require.NoError(t, err)

		clock.Advance(time.Hour)

		d, err := limiter.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 4.0, d.Remaining)
	})

	t.Run("retry-after rounds partial tokens up", func(t *testing.T) {
		// 30 rpm refills one token every two seconds
		limiter, clock := newTestLimiter(t, 30, 1)

		_, err := limiter.Allow(ctx, "a")
		require.NoError(t, err)

		clock.Advance(500 * time.Millisecond)
		d, err := limiter.Allow(ctx, "a")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		// 0.25 tokens present, 0.75 missing at 0.5 tokens/s -> 1.5s -> 2s
		assert.Equal(t, 2, d.RetryAfterSeconds())
		assert.InDelta(t, 0.25, d.Remaining, 1e-9)
	})

	t.Run("rejection persists refill progress", func(t *testing.T) {
		limiter, clock := newTestLimiter(t, 60, 1)

		_, err := limiter.Allow(ctx, "a")
		require.NoError(t, err)

		// A storm of rejected retries must not stop the bucket from refilling.
		for i := 0; i < 4; i++ {
			clock.Advance(250 * time.Millisecond)
			d, err := limiter.Allow(ctx, "a")
			require.NoError(t, err)
			if i < 3 {
				assert.False(t, d.Allowed, "retry %d", i)
			} else {
				assert.True(t, d.Allowed, "bucket should have refilled after 1s of rejected retries")
			}
		}
	})

	t.Run("empty identity maps to unknown", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, 60, 1)

		d, err := limiter.Allow(ctx, "")
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		d, err = limiter.Allow(ctx, UnknownIdentity)
		require.NoError(t, err)
		assert.False(t, d.Allowed, "empty and unknown identities share one bucket")
	})

	t.Run("clock moving backwards does not mint tokens", func(t *testing.T) {
		limiter, clock := newTestLimiter(t, 60, 2)

		_, _ = limiter.Allow(ctx, "a")
		_, _ = limiter.Allow(ctx, "a")

		clock.Advance(-10 * time.Second)
		d, err := limiter.Allow(ctx, "a")
		require.NoError(t, err)
		assert.False(t, d.Allowed)

		// Returning to the original time is not elapsed time either.
		clock.Advance(10 * time.Second)
		d, err = limiter.Allow(ctx, "a")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	})

	t.Run("reset after headers", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, 60, 10)

		d, err := limiter.Allow(ctx, "a")
		require.NoError(t, err)
		// one token missing at 1 token/s
		assert.Equal(t, time.Second, d.ResetAfter)
	})
}

func TestMemoryLimiter_TokensStayInBounds(t *testing.T) {
	limiter, clock := newTestLimiter(t, 90, 7)
	ctx := context.Background()

	steps := []time.Duration{0, 0, 10 * time.Millisecond, 700 * time.Millisecond, 0, 3 * time.Second, time.Minute, 0, 0, 0}
	for round := 0; round < 5; round++ {
		for _, step := range steps {
			clock.Advance(step)
			d, err := limiter.Allow(ctx, "bounded")
			require.NoError(t, err)

			tokens, ok := tokensOf(limiter, "bounded")
			require.True(t, ok)
			assert.GreaterOrEqual(t, tokens, 0.0)
			assert.LessOrEqual(t, tokens, 7.0)
			assert.Equal(t, tokens, d.Remaining)
		}
	}
}

func TestMemoryLimiter_Deterministic(t *testing.T) {
	ctx := context.Background()
	offsets := []time.Duration{0, 0, 0, 100 * time.Millisecond, 900 * time.Millisecond, 0, 2 * time.Second, 0, 0, 0, 0}
	ids := []string{"a", "b", "a", "a", "b", "a", "c", "a", "a", "b", "a"}

	run := func() []bool {
		limiter, clock := newTestLimiter(t, 60, 3)
		out := make([]bool, 0, len(ids))
		for i, id := range ids {
			clock.Advance(offsets[i])
			d, err := limiter.Allow(ctx, id)
			require.NoError(t, err)
			out = append(out, d.Allowed)
		}
		return out
	}

	assert.Equal(t, run(), run())
}

func TestMemoryLimiter_Reset(t *testing.T) {
	limiter, _ := newTestLimiter(t, 60, 1)
	ctx := context.Background()
	identifier := "192.168.1.1"

	d, err := limiter.Allow(ctx, identifier)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = limiter.Allow(ctx, identifier)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	require.NoError(t, limiter.Reset(ctx, identifier))

	d, err = limiter.Allow(ctx, identifier)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "should be allowed after reset")
}

func TestMemoryLimiter_Concurrency(t *testing.T) {
	ctx := context.Background()

	t.Run("last token goes to exactly one of two racers", func(t *testing.T) {
		for attempt := 0; attempt < 50; attempt++ {
			limiter, _ := newTestLimiter(t, 60, 1)

			var (
				wg      sync.WaitGroup
				allowed int64
				start   = make(chan struct{})
			)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					d, err := limiter.Allow(ctx, "racer")
					if err == nil && d.Allowed {
						atomic.AddInt64(&allowed, 1)
					}
				}()
			}
			close(start)
			wg.Wait()

			require.Equal(t, int64(1), allowed, "attempt %d", attempt)
		}
	})

	t.Run("admits exactly burst under concurrent load", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, 60, 100)

		var wg sync.WaitGroup
		var allowed int64

		for i := 0; i < 200; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := limiter.Allow(ctx, "192.168.1.1")
				if err == nil && d.Allowed {
					atomic.AddInt64(&allowed, 1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(100), allowed)
	})

	t.Run("handles concurrent requests for different identifiers", func(t *testing.T) {
		limiter, _ := newTestLimiter(t, 60, 10)

		var wg sync.WaitGroup
		var totalAllowed int64

		for id := 0; id < 10; id++ {
			identifier := fmt.Sprintf("client-%d", id)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					d, err := limiter.Allow(ctx, id)
					if err == nil && d.Allowed {
						atomic.AddInt64(&totalAllowed, 1)
					}
				}(identifier)
			}
		}
		wg.Wait()

		assert.Equal(t, int64(100), totalAllowed)
	})
}

func TestMemoryLimiter_Sweep(t *testing.T) {
	ctx := context.Background()

	t.Run("evicts only buckets idle past ttl and full refill", func(t *testing.T) {
		// Full refill of 20 tokens at 1/s takes 20s; IdleTTL is 1m.
		limiter, clock := newTestLimiter(t, 60, 20)

		_, _ = limiter.Allow(ctx, "old")
		clock.Advance(30 * time.Second)
		_, _ = limiter.Allow(ctx, "recent")

		clock.Advance(30 * time.Second)
		assert.Equal(t, 1, limiter.Sweep())
		assert.Equal(t, 1, limiter.Len())

		_, ok := tokensOf(limiter, "recent")
		assert.True(t, ok)
	})

	t.Run("keeps buckets that are still refilling", func(t *testing.T) {
		// 1 rpm with burst 5 needs 5 minutes to refill, longer than the 1m IdleTTL.
		limiter, clock := newTestLimiter(t, 1, 5)

		_, _ = limiter.Allow(ctx, "slow")
		clock.Advance(2 * time.Minute)
		assert.Equal(t, 0, limiter.Sweep())

		clock.Advance(3 * time.Minute)
		assert.Equal(t, 1, limiter.Sweep())
	})

	t.Run("eviction is lossless", func(t *testing.T) {
		limiter, clock := newTestLimiter(t, 60, 3)

		for i := 0; i < 3; i++ {
			_, _ = limiter.Allow(ctx, "a")
		}
		clock.Advance(time.Minute)
		require.Equal(t, 1, limiter.Sweep())

		for i := 0; i < 3; i++ {
			d, err := limiter.Allow(ctx, "a")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		}
	})
}

func TestMemoryLimiter_MaxBuckets(t *testing.T) {
	clock := NewManualClock(epoch)
	limiter, err := NewMemoryLimiter(Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
		Shards:            1,
		MaxBuckets:        3,
	}, WithClock(clock))
	require.NoError(t, err)
	defer limiter.Close()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, _ = limiter.Allow(ctx, id)
		clock.Advance(time.Millisecond)
	}
	_, _ = limiter.Allow(ctx, "b")
	_, _ = limiter.Allow(ctx, "d")

	assert.Equal(t, 3, limiter.Len())
	_, ok := tokensOf(limiter, "a")
	assert.False(t, ok, "least recently used bucket should be evicted")
	_, ok = tokensOf(limiter, "b")
	assert.True(t, ok)
}

func TestMemoryLimiter_MaxBucketsEvictionOrder(t *testing.T) {
	limiter, err := NewMemoryLimiter(Config{
		RequestsPerMinute: 60,
		BurstSize:         1,
		Shards:            1,
		MaxBuckets:        100,
	}, WithClock(NewManualClock(epoch)))
	require.NoError(t, err)
	defer limiter.Close()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, _ = limiter.Allow(ctx, fmt.Sprintf("10.0.0.%d", i))
	}
	// Touch the oldest entry so the next one in line is evicted instead.
	_, _ = limiter.Allow(ctx, "10.0.0.0")

	for i := 0; i < 1000; i++ {
		_, _ = limiter.Allow(ctx, fmt.Sprintf("203.0.113.%d", i))
		require.LessOrEqual(t, limiter.Len(), 100)
	}

	s := limiter.shards[0]
	assert.Equal(t, len(s.buckets), s.lru.Len(), "index and recency list stay in step")

	_, ok := tokensOf(limiter, "203.0.113.999")
	assert.True(t, ok)
	_, ok = tokensOf(limiter, "10.0.0.1")
	assert.False(t, ok)

	require.NoError(t, limiter.Reset(ctx, "203.0.113.999"))
	assert.Equal(t, len(s.buckets), s.lru.Len())
	assert.Equal(t, 99, limiter.Len())
}

func TestMemoryLimiter_SweepLoop(t *testing.T) {
	limiter, err := NewMemoryLimiter(Config{
		RequestsPerMinute: 6000,
		BurstSize:         1,
		Shards:            2,
		IdleTTL:           time.Millisecond,
		SweepInterval:     5 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = limiter.Allow(context.Background(), "x")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return limiter.Len() == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, limiter.Close())
	require.NoError(t, limiter.Close(), "close is idempotent")
}
