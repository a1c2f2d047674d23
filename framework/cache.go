package framework

import (
	"sync"
	"time"
)

// Clock abstracts time for components that expire state.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

type cacheEntry[V any] struct {
	value   V
	expires time.Time
}

// Cache is a small TTL cache. Entries expire lazily when read; there is no
// background sweeper. A zero TTL means entries never expire.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	clock   Clock
	ttl     time.Duration
	entries map[K]cacheEntry[V]
}

// NewCache builds a cache. A nil clock uses the system clock.
func NewCache[K comparable, V any](ttl time.Duration, clock Clock) *Cache[K, V] {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Cache[K, V]{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[K]cacheEntry[V]),
	}
}

// Get returns a live entry, evicting it first if it expired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	var zero V
	if !ok {
		return zero, false
	}
	if c.ttl > 0 && !c.clock.Now().Before(entry.expires) {
		c.mu.Lock()
		if current, still := c.entries[key]; still && current.expires.Equal(entry.expires) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return zero, false
	}
	return entry.value, true
}

// Put stores a value.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry[V]{value: value, expires: c.clock.Now().Add(c.ttl)}
}

// GetOrLoad returns the cached value or calls load and caches a successful
// result. Concurrent misses may call load more than once.
func (c *Cache[K, V]) GetOrLoad(key K, load func() (V, error)) (V, error) {
	if value, ok := c.Get(key); ok {
		return value, nil
	}
	value, err := load()
	if err != nil {
		return value, err
	}
	c.Put(key, value)
	return value, nil
}

// Delete removes a key.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the number of stored entries, including expired ones not yet
// read.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
