package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time

// Stats is a snapshot of cache counters
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Expired   uint64
}

// Cache is a bounded key/value store whose entries expire a fixed TTL after
// insertion. When full, the least recently used entry is evicted.
type Cache[K comparable, V any] struct {
	ttl      time.Duration
	capacity int
	now      Clock

	mu      sync.Mutex
	lru     *simplelru.LRU[K, entry[V]]
	stats   Stats
	onEvict func(key K)
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Option configures a Cache
type Option[K comparable, V any] func(*Cache[K, V])

// WithClock replaces the time source
func WithClock[K comparable, V any](clock Clock) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.now = clock
	}
}

// WithEvictHook registers a callback run for every capacity eviction.
// It is called with the cache lock held and must not call back into the cache.
func WithEvictHook[K comparable, V any](fn func(key K)) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.onEvict = fn
	}
}

// New creates a cache holding at most capacity entries for ttl each
func New[K comparable, V any](ttl time.Duration, capacity int, opts ...Option[K, V]) *Cache[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	// Only fails for a non-positive size
	lru, _ := simplelru.NewLRU[K, entry[V]](capacity, nil)

	c := &Cache[K, V]{
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		lru:      lru,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the live value for key. Expired entries are removed and
// reported as missing.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.lru.Peek(key)
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.lru.Remove(key)
		c.stats.Expired++
		c.stats.Misses++
		return zero, false
	}

	c.lru.Get(key) // promote
	c.stats.Hits++
	return e.value, true
}

// Put stores value under key with a fresh TTL. Inserting a new key into a
// full cache evicts exactly one entry, preferring an expired one.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.lru.Contains(key) && c.lru.Len() >= c.capacity {
		c.evictOne(now)
	}
	c.lru.Add(key, entry[V]{value: value, expiresAt: now.Add(c.ttl)})
}

// Delete removes key if present
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Remove(key)
}

// Len returns the number of live entries. Expired entries are purged first.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpired(c.now())
	return c.lru.Len()
}

// Purge removes every expired entry and returns how many were dropped
func (c *Cache[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.purgeExpired(c.now())
}

// Clear drops all entries
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
}

// Stats returns a copy of the cache counters
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Run sweeps expired entries every interval until ctx is done
func (c *Cache[K, V]) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Purge()
		}
	}
}

// evictOne makes room for a single insert
func (c *Cache[K, V]) evictOne(now time.Time) {
	// Keys are ordered oldest first, so the first expired one is the cheapest victim
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && !now.Before(e.expiresAt) {
			c.lru.Remove(key)
			c.stats.Expired++
			return
		}
	}

	key, _, ok := c.lru.RemoveOldest()
	if !ok {
		return
	}
	c.stats.Evictions++
	if c.onEvict != nil {
		c.onEvict(key)
	}
}

func (c *Cache[K, V]) purgeExpired(now time.Time) int {
	removed := 0
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && !now.Before(e.expiresAt) {
			c.lru.Remove(key)
			c.stats.Expired++
			removed++
		}
	}
	return removed
}
