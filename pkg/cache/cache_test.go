package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(ttl time.Duration, capacity int, clock *fakeClock) *Cache[string, int] {
	return New[string, int](ttl, capacity, WithClock[string, int](clock.Now))
}

func TestGetPut(t *testing.T) {
	c := newTestCache(time.Hour, 10, newFakeClock())

	_, ok := c.Get("nasa")
	assert.False(t, ok)

	c.Put("nasa", 42)
	got, ok := c.Get("nasa")
	require.True(t, ok)
	assert.Equal(t, 42, got)

	c.Put("nasa", 43)
	got, _ = c.Get("nasa")
	assert.Equal(t, 43, got)
	assert.Equal(t, 1, c.Len())

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestExpiredEntriesAreNeverReturned(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(time.Hour, 10, clock)

	c.Put("nasa", 1)
	clock.Advance(59 * time.Minute)
	_, ok := c.Get("nasa")
	assert.True(t, ok, "entry is live before the TTL")

	clock.Advance(time.Minute)
	_, ok = c.Get("nasa")
	assert.False(t, ok, "entry must expire exactly at the TTL")
	assert.Equal(t, 0, c.Len())
}

func TestRewriteRefreshesTTL(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(time.Hour, 10, clock)

	c.Put("nasa", 1)
	clock.Advance(50 * time.Minute)
	c.Put("nasa", 2)
	clock.Advance(50 * time.Minute)

	got, ok := c.Get("nasa")
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestCapacityEvictsExactlyOneLRU(t *testing.T) {
	clock := newFakeClock()
	var evicted []string
	c := New[string, int](time.Hour, 3,
		WithClock[string, int](clock.Now),
		WithEvictHook[string, int](func(key string) { evicted = append(evicted, key) }),
	)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)
	_, _ = c.Get("a") // b is now least recently used

	c.Put("d", 4)

	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []string{"b"}, evicted)
	_, ok := c.Get("b")
	assert.False(t, ok)
	for _, key := range []string{"a", "c", "d"} {
		_, ok := c.Get(key)
		assert.True(t, ok, "key %s should survive", key)
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestCapacityNeverExceeded(t *testing.T) {
	c := newTestCache(time.Hour, 5, newFakeClock())

	for i := 0; i < 100; i++ {
		c.Put(fmt.Sprintf("user%d", i), i)
		assert.LessOrEqual(t, c.Len(), 5)
	}
	assert.Equal(t, uint64(95), c.Stats().Evictions)
}

func TestFullCachePrefersExpiredVictim(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(time.Hour, 2, clock)

	c.Put("old", 1)
	clock.Advance(30 * time.Minute)
	c.Put("fresh", 2)
	_, _ = c.Get("old")
	clock.Advance(31 * time.Minute)

	c.Put("new", 3)

	_, ok := c.Get("fresh")
	assert.True(t, ok)
	assert.Zero(t, c.Stats().Evictions)
}

func TestPurgeAndClear(t *testing.T) {
	clock := newFakeClock()
	c := newTestCache(time.Minute, 10, clock)

	c.Put("a", 1)
	c.Put("b", 2)
	clock.Advance(30 * time.Second)
	c.Put("c", 3)
	clock.Advance(30 * time.Second)

	assert.Equal(t, 2, c.Purge())
	assert.Equal(t, 1, c.Len())

	c.Delete("c")
	assert.Equal(t, 0, c.Len())

	c.Put("d", 4)
	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	c := New[string, int](10*time.Millisecond, 10)
	c.Put("a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return c.Stats().Expired == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancellation")
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New[string, int](time.Hour, 50)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*200+i)%80)
				c.Put(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
}

func TestRewriteInFullCacheEvictsNothing(t *testing.T) {
	var evicted []string
	c := New[string, int](time.Hour, 2, WithEvictHook[string, int](func(key string) {
		evicted = append(evicted, key)
	}))

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("a", 10)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 10, v)
	_, ok = c.Get("b")
	assert.True(t, ok)
	assert.Empty(t, evicted)
	assert.Equal(t, 2, c.Len())
}
