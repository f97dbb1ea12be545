// Package cache provides a small thread-safe TTL cache.
package cache

import (
	"sync"
	"time"
)

const cleanupInterval = 5 * time.Minute

type entry[V any] struct {
	expiration time.Time
	value      V
}

// Cache holds values of type V for a fixed time-to-live.
type Cache[V any] struct {
	entries map[string]entry[V]
	done    chan struct{}
	ttl     time.Duration
	mu      sync.RWMutex
	once    sync.Once
}

// New creates a cache with the given TTL and starts its janitor. Call Close
// when the cache is no longer needed.
func New[V any](ttl time.Duration) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[string]entry[V]),
		done:    make(chan struct{}),
		ttl:     ttl,
	}
	go c.cleanupExpired(cleanupInterval)
	return c
}

// Get returns the value for key if it is present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if time.Now().After(e.expiration) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && time.Now().After(cur.expiration) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Set stores a value with the cache's default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores a value with a custom TTL.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expiration: time.Now().Add(ttl)}
}

// Delete removes key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of stored entries, including expired ones not yet collected.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the janitor goroutine. It is safe to call more than once.
func (c *Cache[V]) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Cache[V]) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.removeExpired(time.Now())
		}
	}
}

func (c *Cache[V]) removeExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if now.After(e.expiration) {
			delete(c.entries, key)
		}
	}
}
