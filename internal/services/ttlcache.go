package services

import (
	"sync"
	"time"

	"github.com/anvilworks/ragserver/internal/observability"
)

const (
	defaultCacheTTL        = 5 * time.Minute
	defaultCacheMaxEntries = 1000
)

type cacheEntry[T any] struct {
	value     T
	timestamp time.Time
}

// TTLCache is a per-process map cache. Entries older than the TTL read as
// absent; the cache self-limits to maxEntries by evicting the oldest
// timestamps first. Safe for concurrent use.
type TTLCache[T any] struct {
	mu sync.Mutex

	name       string
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	metrics    *observability.Metrics

	entries map[string]cacheEntry[T]
}

func NewTTLCache[T any](name string, ttl time.Duration, maxEntries int, metrics *observability.Metrics) *TTLCache[T] {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultCacheMaxEntries
	}
	return &TTLCache[T]{
		name:       name,
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		metrics:    metrics,
		entries:    map[string]cacheEntry[T]{},
	}
}

func (c *TTLCache[T]) Get(key string) (T, bool) {
	var zero T
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.observe("miss")
		return zero, false
	}
	if c.now().Sub(entry.timestamp) > c.ttl {
		delete(c.entries, key)
		c.observe("expired")
		return zero, false
	}
	c.observe("hit")
	return entry.value, true
}

func (c *TTLCache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry[T]{value: value, timestamp: c.now()}
	for len(c.entries) > c.maxEntries {
		c.evictOldestLocked()
	}
}

func (c *TTLCache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

func (c *TTLCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *TTLCache[T]) evictOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for k, e := range c.entries {
		if !found || e.timestamp.Before(oldest) {
			oldestKey = k
			oldest = e.timestamp
			found = true
		}
	}
	if found {
		delete(c.entries, oldestKey)
		c.observe("evicted")
	}
}

func (c *TTLCache[T]) observe(event string) {
	if c.metrics != nil {
		c.metrics.ObserveCacheEvent(c.name, event)
	}
}
