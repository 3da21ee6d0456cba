package ratelimit

import (
	"container/list"
	"sync"
	"time"
)

// KeyedLimiter applies an independent sliding window to every client key.
// At most maxKeys windows are tracked; the least recently seen client is
// forgotten when a new one arrives at capacity.
type KeyedLimiter struct {
	maxRequests int
	window      time.Duration
	maxKeys     int
	now         Clock

	mu      sync.Mutex
	windows map[string]*list.Element
	order   *list.List
}

type keyedEntry struct {
	key    string
	window *SlidingWindow
}

// NewKeyedLimiter creates a per-key limiter admitting maxRequests per window
func NewKeyedLimiter(maxRequests int, window time.Duration, maxKeys int) *KeyedLimiter {
	return NewKeyedLimiterWithClock(maxRequests, window, maxKeys, time.Now)
}

// NewKeyedLimiterWithClock creates a per-key limiter driven by clock
func NewKeyedLimiterWithClock(maxRequests int, window time.Duration, maxKeys int, clock Clock) *KeyedLimiter {
	if maxKeys <= 0 {
		maxKeys = 1
	}
	return &KeyedLimiter{
		maxRequests: maxRequests,
		window:      window,
		maxKeys:     maxKeys,
		now:         clock,
		windows:     make(map[string]*list.Element),
		order:       list.New(),
	}
}

// Admit records a request for key and reports whether it is within quota
func (kl *KeyedLimiter) Admit(key string) bool {
	return kl.windowFor(key).Allow()
}

// RetryAfter reports how long key must wait before its next admitted request
func (kl *KeyedLimiter) RetryAfter(key string) time.Duration {
	kl.mu.Lock()
	element, ok := kl.windows[key]
	kl.mu.Unlock()
	if !ok {
		return 0
	}
	return element.Value.(*keyedEntry).window.RetryAfter()
}

// Len returns the number of tracked keys
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.windows)
}

// Reset forgets every tracked key
func (kl *KeyedLimiter) Reset() {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	kl.windows = make(map[string]*list.Element)
	kl.order.Init()
}

// windowFor returns the window for key, creating it lazily
func (kl *KeyedLimiter) windowFor(key string) *SlidingWindow {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	if element, ok := kl.windows[key]; ok {
		kl.order.MoveToFront(element)
		return element.Value.(*keyedEntry).window
	}

	entry := &keyedEntry{
		key:    key,
		window: NewSlidingWindowWithClock(kl.maxRequests, kl.window, kl.now),
	}
	kl.windows[key] = kl.order.PushFront(entry)

	for len(kl.windows) > kl.maxKeys {
		oldest := kl.order.Back()
		if oldest == nil {
			break
		}
		kl.order.Remove(oldest)
		delete(kl.windows, oldest.Value.(*keyedEntry).key)
	}

	return entry.window
}
