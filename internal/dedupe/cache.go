// ABOUTME: Thread-safe TTL cache mapping idempotency keys to server-assigned ids
// ABOUTME: Shared by the send endpoint (replay detection) and the pipeline (pairing temp ids)

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry stores the value, write time, and list element for a cached key.
type cacheEntry struct {
	value     string
	timestamp time.Time
	element   *list.Element
}

// Cache is a thread-safe, TTL-based, size-limited key/value cache.
// A doubly-linked list keeps insertion order for O(1) eviction.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in insertion order (oldest at front)
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically drops expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	return newCache(ttl, maxSize, time.Now)
}

func newCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns the value stored for key if it has not expired.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok || c.now().Sub(entry.timestamp) >= c.ttl {
		return "", false
	}
	return entry.value, true
}

// Put stores value under key, evicting the oldest entry when full.
func (c *Cache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

// GetOrPut returns the live value for key if one exists. Otherwise it stores
// value and returns it with loaded=false. Check and store happen atomically.
func (c *Cache) GetOrPut(key, value string) (actual string, loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok && c.now().Sub(entry.timestamp) < c.ttl {
		return entry.value, true
	}
	c.putLocked(key, value)
	return value, false
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		c.order.Remove(entry.element)
		delete(c.seen, key)
	}
}

// Len returns the number of stored entries, expired ones included until cleanup.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// putLocked must be called with mu held.
func (c *Cache) putLocked(key, value string) {
	now := c.now()

	if entry, exists := c.seen[key]; exists {
		entry.value = value
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{value: value, timestamp: now, element: elem}
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.order.Remove(entry.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
