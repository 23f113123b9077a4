// Package lru wraps hashicorp/golang-lru with the size-gauge publishing
// spec.md §4.4 requires on every mutation. Three instances of Cache back
// the preprocessed-script, solver-pair, and sts caches; all are keyed by
// player-file path.
package lru

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kestrel-labs/sigresolve/internal/observability"
)

// Cache is a capacity-bounded LRU cache of path -> V that publishes its
// current size to the cache_size{cache_name} gauge on every mutation.
type Cache[V any] struct {
	name string
	inner *lru.Cache[string, V]
}

// New constructs a Cache with the given capacity, labeled name for its
// size-gauge series.
func New[V any](name string, size int) (*Cache[V], error) {
	inner, err := lru.New[string, V](size)
	if err != nil {
		return nil, err
	}
	c := &Cache[V]{name: name, inner: inner}
	c.publish()
	return c, nil
}

// Get returns the cached value for key, promoting it to most-recently-used.
func (c *Cache[V]) Get(key string) (V, bool) {
	return c.inner.Get(key)
}

// Set inserts or updates key, evicting the least-recently-used entry on
// overflow, and publishes the resulting size.
func (c *Cache[V]) Set(key string, value V) {
	c.inner.Add(key, value)
	c.publish()
}

// Delete removes key, if present, and publishes the resulting size.
func (c *Cache[V]) Delete(key string) {
	c.inner.Remove(key)
	c.publish()
}

// Clear empties the cache and publishes the resulting size.
func (c *Cache[V]) Clear() {
	c.inner.Purge()
	c.publish()
}

// Len returns the current number of cached entries.
func (c *Cache[V]) Len() int { return c.inner.Len() }

func (c *Cache[V]) publish() {
	observability.CacheSize.WithLabelValues(c.name).Set(float64(c.inner.Len()))
}
