package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/drallgood/reader-progress-sync/internal/logger"
)

// Cache defines the interface for a generic cache
// that can store and retrieve values with a TTL
type Cache[K comparable, V any] interface {
	// Set stores a value in the cache with the specified TTL
	Set(key K, value V, ttl time.Duration)
	// Get retrieves a value from the cache and a boolean indicating if it was found
	Get(key K) (V, bool)
	// Delete removes a value from the cache
	Delete(key K)
	// Clear removes all values from the cache
	Clear()
	// Len counts stored entries, expired ones included until they are swept
	Len() int
}

// entry represents a cache entry with its expiration time
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// memoryCache is an in-memory implementation of the Cache interface
type memoryCache[K comparable, V any] struct {
	items map[K]entry[V]
	mu    sync.RWMutex
	log   *logger.Logger
	now   func() time.Time
}

// NewMemoryCache creates a new in-memory cache with the provided logger
func NewMemoryCache[K comparable, V any](log *logger.Logger) Cache[K, V] {
	return newMemoryCache[K, V](log, time.Now)
}

func newMemoryCache[K comparable, V any](log *logger.Logger, now func() time.Time) *memoryCache[K, V] {
	if log == nil {
		log = logger.Nop()
	}
	return &memoryCache[K, V]{
		items: make(map[K]entry[V]),
		log:   log.Component("cache"),
		now:   now,
	}
}

// Set stores a value in the cache with the specified TTL. A ttl <= 0 never expires.
func (c *memoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	c.items[key] = entry[V]{value: value, expiresAt: expiresAt}

	c.log.Debug("Item added to cache", map[string]interface{}{
		"key":        fmt.Sprint(key),
		"cache_size": len(c.items),
	})
}

// Get retrieves a value from the cache and a boolean indicating if it was found
func (c *memoryCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	item, found := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !found {
		return zero, false
	}
	if !item.expiresAt.IsZero() && c.now().After(item.expiresAt) {
		c.mu.Lock()
		// re-check: the key may have been refreshed meanwhile
		if cur, ok := c.items[key]; ok && cur.expiresAt.Equal(item.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		c.log.Debug("Cache item expired", map[string]interface{}{"key": fmt.Sprint(key)})
		return zero, false
	}
	return item.value, true
}

// Delete removes a value from the cache
func (c *memoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes all values from the cache
func (c *memoryCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]entry[V])
	c.log.Info("Cache cleared")
}

func (c *memoryCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// WithTTL returns a wrapper that automatically applies a TTL to all Set operations
func WithTTL[K comparable, V any](cache Cache[K, V], ttl time.Duration) Cache[K, V] {
	return &ttlWrapper[K, V]{cache: cache, ttl: ttl}
}

type ttlWrapper[K comparable, V any] struct {
	cache Cache[K, V]
	ttl   time.Duration
}

func (w *ttlWrapper[K, V]) Set(key K, value V, _ time.Duration) { w.cache.Set(key, value, w.ttl) }
func (w *ttlWrapper[K, V]) Get(key K) (V, bool)                 { return w.cache.Get(key) }
func (w *ttlWrapper[K, V]) Delete(key K)                        { w.cache.Delete(key) }
func (w *ttlWrapper[K, V]) Clear()                              { w.cache.Clear() }
func (w *ttlWrapper[K, V]) Len() int                            { return w.cache.Len() }
