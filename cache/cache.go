// Package cache provides a small in-process TTL cache used to deduplicate
// repeated store calls (check enqueueing, sample cleanup, retention lookups)
// within a time window.
package cache

import (
	"sync"
	"time"
)

type item struct {
	value      any
	insertedAt time.Time
}

// Cache is a mutex-guarded map of call results keyed by caller-chosen
// strings. Entries never expire eagerly, a stale entry is refreshed on the
// next Do call with its key.
type Cache struct {
	mu    sync.Mutex
	items map[string]item
}

func New() *Cache {
	return &Cache{items: map[string]item{}}
}

// Do runs fn unless an entry under key is younger than ttl, in which case the
// cached result is returned and fn is skipped. The stale entry is re-stamped
// before fn runs, so concurrent callers racing on the same key coalesce onto
// a single producer instead of piling up.
func (c *Cache) Do(key string, ttl time.Duration, fn func() (any, error)) (any, error) {
	now := time.Now()
	c.mu.Lock()
	it, ok := c.items[key]
	if ok && now.Sub(it.insertedAt) < ttl {
		c.mu.Unlock()
		return it.value, nil
	}
	c.items[key] = item{value: it.value, insertedAt: now}
	c.mu.Unlock()

	value, err := fn()
	if err != nil {
		// Drop the sentinel so the next caller retries.
		c.mu.Lock()
		if cur, ok := c.items[key]; ok && cur.insertedAt.Equal(now) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	c.items[key] = item{value: value, insertedAt: now}
	c.mu.Unlock()
	return value, nil
}

// Forget drops the entry under key.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// DoTyped is a typed convenience wrapper over Cache.Do.
func DoTyped[T any](c *Cache, key string, ttl time.Duration, fn func() (T, error)) (T, error) {
	v, err := c.Do(key, ttl, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	result, ok := v.(T)
	if !ok {
		var zero T
		return zero, nil
	}
	return result, nil
}
