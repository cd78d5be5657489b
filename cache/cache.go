package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader fetches the value for a key on a cache miss.
type Loader[K comparable, V any] func(ctx context.Context, key K) (V, error)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a mutex-guarded map of loaded values that expire ttl after loading.
// Loader errors are returned to the caller and not cached.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]entry[V]

	ttl    time.Duration
	loader Loader[K, V]
	now    func() time.Time
	group  singleflight.Group
}

// New creates a cache that loads missing or expired keys with loader.
func New[K comparable, V any](loader Loader[K, V], ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{
		entries: make(map[K]entry[V]),
		ttl:     ttl,
		loader:  loader,
		now:     time.Now,
	}
}

// SetClock replaces the time source used for expiration.
func (c *Cache[K, V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the cached value for key, loading it when absent or expired.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(fmt.Sprint(key), func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := c.loader(ctx, key)
		if err != nil {
			return v, err
		}
		c.Set(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	v, _ := res.(V)
	return v, nil
}

// Set stores value for key with the cache ttl.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Remove evicts key.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear evicts every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

// Len returns the number of entries, including expired ones not yet replaced.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[K, V]) lookup(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}
