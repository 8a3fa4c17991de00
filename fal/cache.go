package fal

import (
	lru "github.com/hashicorp/golang-lru"
)

// CachingRegistry wraps another Registry, caching the last N
// name→device lookups. A FAL_PTABLE override that reintroduces a
// partition under a flash device name seen earlier in the same
// stream does not have to re-resolve it on every block.
type CachingRegistry struct {
	inner Registry
	cache *lru.Cache
}

// NewCachingRegistry wraps inner with an LRU of the given size.
func NewCachingRegistry(inner Registry, size int) *CachingRegistry {
	cache, err := lru.New(size)
	if err != nil {
		// Only returns an error for size <= 0; fall back to a
		// single-entry cache rather than propagating a constructor error.
		cache, _ = lru.New(1)
	}
	return &CachingRegistry{inner: inner, cache: cache}
}

// Find implements Registry, consulting the cache before inner.
func (r *CachingRegistry) Find(name string) (FlashDevice, bool) {
	if v, ok := r.cache.Get(name); ok {
		return v.(FlashDevice), true
	}
	dev, ok := r.inner.Find(name)
	if ok {
		r.cache.Add(name, dev)
	}
	return dev, ok
}
