package cache

import (
	"context"
	"sync"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

func (i item[V]) expired(now time.Time) bool {
	return now.After(i.expiresAt)
}

// Cache is a thread-safe TTL map. Expired entries are invisible to Get and are
// swept in the background until Stop is called.
type Cache[K comparable, V any] struct {
	mu         sync.RWMutex
	items      map[K]item[V]
	defaultTTL time.Duration

	stopOnce    sync.Once
	stopCleanup chan struct{}
}

func New[K comparable, V any](defaultTTL time.Duration) *Cache[K, V] {
	c := &Cache[K, V]{
		items:       make(map[K]item[V]),
		defaultTTL:  defaultTTL,
		stopCleanup: make(chan struct{}),
	}
	go c.cleanup(defaultTTL / 2)
	return c
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[key]
	if !ok || it.expired(time.Now()) {
		var zero V
		return zero, false
	}
	return it.value, true
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = item[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// GetOrLoad returns the cached value for key or calls load and caches its
// result. Errors are not cached. Concurrent misses may each call load.
func (c *Cache[K, V]) GetOrLoad(ctx context.Context, key K, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

// Len counts live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, it := range c.items {
		if !it.expired(now) {
			n++
		}
	}
	return n
}

func (c *Cache[K, V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, it := range c.items {
		if it.expired(now) {
			delete(c.items, k)
		}
	}
}

func (c *Cache[K, V]) cleanup(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCleanup:
			return
		}
	}
}

// Stop ends the background sweep. It is safe to call more than once.
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}
