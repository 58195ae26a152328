package ratelimit

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func TestLimiterWindowResets(t *testing.T) {
	clock := newClock()
	l := New(Config{Ceiling: 3, Window: time.Minute}, nil, WithClock(clock.now))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d, err := l.Allow(ctx, "sess-1")
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d should pass", i)
		require.Equal(t, 3-i, d.Remaining)
		require.Equal(t, i, d.Count)
	}

	d, err := l.Allow(ctx, "sess-1")
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Equal(t, 0, d.Remaining)
	require.Equal(t, time.Minute, d.RetryAfter)

	clock.advance(time.Minute + time.Second)

	d, err = l.Allow(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Count)
	require.Equal(t, 2, d.Remaining)
}

func TestLimiterWindowBoundaryIsInclusive(t *testing.T) {
	clock := newClock()
	l := New(Config{Ceiling: 1, Window: time.Minute}, nil, WithClock(clock.now))
	ctx := context.Background()

	d, _ := l.Allow(ctx, "k")
	require.True(t, d.Allowed)

	// Exactly one window later is still the same window.
	clock.advance(time.Minute)
	d, _ = l.Allow(ctx, "k")
	require.False(t, d.Allowed)
	require.Equal(t, time.Duration(0), d.RetryAfter)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	clock := newClock()
	l := New(Config{Ceiling: 1, Window: time.Minute}, nil, WithClock(clock.now))
	ctx := context.Background()

	d, _ := l.Allow(ctx, "a")
	require.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "a")
	require.False(t, d.Allowed)
	d, _ = l.Allow(ctx, "b")
	require.True(t, d.Allowed)
}

func TestLimiterConcurrentHitsCountExactly(t *testing.T) {
	l := New(Config{Ceiling: 50, Window: time.Hour}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(ctx, "shared")
			if err == nil && d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 50, allowed)
}

func TestMemoryStoreSweep(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	_, _ = s.Hit(ctx, "old", start, time.Minute)
	_, _ = s.Hit(ctx, "new", start.Add(2*time.Minute), time.Minute)

	removed := s.Sweep(start.Add(2*time.Minute+time.Second), time.Minute)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, s.Len())
}

func TestWindowAdvance(t *testing.T) {
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	w := Window{Key: "k"}.Advance(start, time.Minute)
	require.Equal(t, 1, w.Count)
	require.Equal(t, start, w.WindowStart)

	w = w.Advance(start.Add(30*time.Second), time.Minute)
	require.Equal(t, 2, w.Count)
	require.Equal(t, start, w.WindowStart)

	w = w.Advance(start.Add(61*time.Second), time.Minute)
	require.Equal(t, 1, w.Count)
	require.Equal(t, start.Add(61*time.Second), w.WindowStart)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TUTOR_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TUTOR_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	key := "test-" + time.Now().Format("150405.000000000")
	store := NewRedisStore(client, "tutor-test")
	start := time.Now().Truncate(time.Millisecond)

	w, err := store.Hit(ctx, key, start, time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, w.Count)

	w, err = store.Hit(ctx, key, start.Add(time.Second), time.Minute)
	require.NoError(t, err)
	require.Equal(t, 2, w.Count)
	require.True(t, w.WindowStart.Equal(start))

	w, err = store.Hit(ctx, key, start.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, w.Count)
}
