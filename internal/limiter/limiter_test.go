package limiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowFor(t *testing.T) {
	assert.Equal(t, time.Minute, WindowFor(Minute))
	assert.Equal(t, time.Hour, WindowFor(Hour))
	assert.Equal(t, 24*time.Hour, WindowFor(Day))
}

func TestParseGranularity(t *testing.T) {
	g, err := ParseGranularity("hour")
	require.NoError(t, err)
	assert.Equal(t, Hour, g)

	_, err = ParseGranularity("week")
	assert.Error(t, err)
}

func TestResetAt(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 30, 45, 0, time.UTC)

	assert.Equal(t, time.Date(2024, 1, 1, 12, 31, 0, 0, time.UTC), ResetAt(Minute, now))
	assert.Equal(t, time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC), ResetAt(Hour, now))
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), ResetAt(Day, now))
}

func TestResetAtIsUTC(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	now := time.Date(2024, 3, 10, 2, 15, 0, 0, loc) // 2024-03-09 21:15 UTC
	assert.Equal(t, time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC), ResetAt(Day, now))
}

func TestResetAtWithinWindow(t *testing.T) {
	base := time.Date(2024, 6, 30, 23, 59, 59, 999, time.UTC)
	for _, g := range []Granularity{Minute, Hour, Day} {
		for _, offset := range []time.Duration{0, time.Second, 17 * time.Minute, 5 * time.Hour} {
			now := base.Add(offset)
			d := ResetAt(g, now).Sub(now)
			assert.Greater(t, d, time.Duration(0), "g=%s now=%s", g, now)
			assert.LessOrEqual(t, d, WindowFor(g), "g=%s now=%s", g, now)
		}
	}
	// Exactly on a boundary the next boundary is a full window away.
	aligned := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Minute, ResetAt(Minute, aligned).Sub(aligned))
}

func perMinute(max int64) []Limit {
	return []Limit{{Name: "requests_per_minute", Window: time.Minute, Max: max, Cost: 1}}
}

func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"redis": func() Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { client.Close() })
			return NewRedisStore(client)
		},
	}
}

func TestStoreSlidingBoundary(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

			// 60 requests spread over the first 59 seconds.
			for i := 0; i < 60; i++ {
				d, err := s.Reserve(ctx, "key-1", perMinute(60), start.Add(time.Duration(i)*time.Second))
				require.NoError(t, err)
				require.True(t, d.Allowed, "request %d", i)
			}

			d, err := s.Reserve(ctx, "key-1", perMinute(60), start.Add(59*time.Second+500*time.Millisecond))
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, "requests_per_minute", d.Exceeded)
			assert.Equal(t, int64(0), d.Remaining["requests_per_minute"])

			// Once the first entry leaves the trailing window one slot frees up.
			d, err = s.Reserve(ctx, "key-1", perMinute(60), start.Add(60*time.Second+time.Millisecond))
			require.NoError(t, err)
			assert.True(t, d.Allowed)

			// After the whole window has elapsed everything is admitted again.
			d, err = s.Reserve(ctx, "key-1", perMinute(60), start.Add(3*time.Minute))
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, int64(59), d.Remaining["requests_per_minute"])
		})
	}
}

func TestStoreNotClockAligned(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			// Two requests straddling a minute boundary still share the window.
			t0 := time.Date(2024, 1, 1, 12, 0, 59, 0, time.UTC)
			d, err := s.Reserve(ctx, "k", perMinute(1), t0)
			require.NoError(t, err)
			require.True(t, d.Allowed)

			d, err = s.Reserve(ctx, "k", perMinute(1), t0.Add(2*time.Second))
			require.NoError(t, err)
			assert.False(t, d.Allowed)
		})
	}
}

func TestStoreRetryAfterFollowsTrailingWindow(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			t0 := time.Date(2024, 1, 1, 12, 0, 10, 0, time.UTC)

			for _, offset := range []time.Duration{0, 20 * time.Second, 30 * time.Second} {
				d, err := s.Reserve(ctx, "k", perMinute(3), t0.Add(offset))
				require.NoError(t, err)
				require.True(t, d.Allowed)
			}

			d, err := s.Reserve(ctx, "k", perMinute(3), t0.Add(40*time.Second))
			require.NoError(t, err)
			require.False(t, d.Allowed)
			assert.Equal(t, 20*time.Second, d.RetryAfter)

			// A cost of two needs the first two entries gone.
			heavy := []Limit{{Name: "requests_per_minute", Window: time.Minute, Max: 3, Cost: 2}}
			d, err = s.Reserve(ctx, "k", heavy, t0.Add(40*time.Second))
			require.NoError(t, err)
			require.False(t, d.Allowed)
			assert.Equal(t, 40*time.Second, d.RetryAfter)

			oversized := []Limit{{Name: "requests_per_minute", Window: time.Minute, Max: 3, Cost: 4}}
			d, err = s.Reserve(ctx, "k", oversized, t0.Add(40*time.Second))
			require.NoError(t, err)
			require.False(t, d.Allowed)
			assert.Equal(t, time.Minute, d.RetryAfter)

			d, err = s.Reserve(ctx, "k", perMinute(3), t0.Add(60*time.Second+time.Millisecond))
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		})
	}
}

func TestMemoryStoreOutOfOrderReservations(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	// Clock reads race the lock, so a later reservation can carry an older
	// timestamp than one already stored.
	for _, at := range []time.Time{t0.Add(30 * time.Second), t0, t0.Add(10 * time.Second)} {
		d, err := s.Reserve(ctx, "k", perMinute(3), at)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	w := s.forKey("k").windows["requests_per_minute"]
	require.Len(t, w.entries, 3)
	assert.Equal(t, t0, w.entries[0].at)
	assert.Equal(t, t0.Add(10*time.Second), w.entries[1].at)
	assert.Equal(t, t0.Add(30*time.Second), w.entries[2].at)

	// The t0 entry has left the window even though it was not stored first.
	d, err := s.Reserve(ctx, "k", perMinute(3), t0.Add(60*time.Second+time.Millisecond))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining["requests_per_minute"])

	d, err = s.Reserve(ctx, "k", perMinute(3), t0.Add(60*time.Second+2*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 10*time.Second-2*time.Millisecond, d.RetryAfter)
}

func TestStoreAtomicAcrossLimits(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			limits := func(tokens int64) []Limit {
				return []Limit{
					{Name: "requests_per_minute", Window: time.Minute, Max: 10, Cost: 1},
					{Name: "tokens_per_minute", Window: time.Minute, Max: 100, Cost: tokens},
				}
			}

			d, err := s.Reserve(ctx, "k", limits(80), now)
			require.NoError(t, err)
			require.True(t, d.Allowed)
			assert.Equal(t, int64(9), d.Remaining["requests_per_minute"])
			assert.Equal(t, int64(20), d.Remaining["tokens_per_minute"])

			d, err = s.Reserve(ctx, "k", limits(30), now.Add(time.Second))
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, "tokens_per_minute", d.Exceeded)

			// The denied request must not have consumed a request slot.
			d, err = s.Reserve(ctx, "k", limits(20), now.Add(2*time.Second))
			require.NoError(t, err)
			require.True(t, d.Allowed)
			assert.Equal(t, int64(8), d.Remaining["requests_per_minute"])
			assert.Equal(t, int64(0), d.Remaining["tokens_per_minute"])
		})
	}
}

func TestStoreKeysArePartitioned(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			now := time.Now()

			d, err := s.Reserve(ctx, "a", perMinute(1), now)
			require.NoError(t, err)
			require.True(t, d.Allowed)

			d, err = s.Reserve(ctx, "b", perMinute(1), now)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		})
	}
}

func TestStoreConcurrentLastSlot(t *testing.T) {
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore()
			ctx := context.Background()
			now := time.Now()

			for i := 0; i < 9; i++ {
				_, err := s.Reserve(ctx, "hot", perMinute(10), now)
				require.NoError(t, err)
			}

			var admitted atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := s.Reserve(ctx, "hot", perMinute(10), now)
					if err == nil && d.Allowed {
						admitted.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int64(1), admitted.Load())
		})
	}
}

func TestRedisStoreError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	s := NewRedisStore(client)

	mr.Close()
	_, err := s.Reserve(context.Background(), "k", perMinute(1), time.Now())
	assert.Error(t, err)
}

func TestMemoryStoreReset(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_, err := s.Reserve(ctx, "k", perMinute(1), now)
	require.NoError(t, err)
	s.Reset("k")

	d, err := s.Reserve(ctx, "k", perMinute(1), now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewMemoryStore().Reserve(ctx, "k", perMinute(1), time.Now())
	assert.ErrorIs(t, err, context.Canceled)
}
