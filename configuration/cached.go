package configuration

import "sync"

// DefaultCacheLimit is the capacity used when none is given.
const DefaultCacheLimit = 200

type cached[V any] struct {
	value V
	ok    bool
}

// CachedResolver memoizes Resolve of a wrapped Resolver in a size-limited
// FIFO cache. Lookups do not refresh an entry's position. Add clears the
// cache, since a new matcher can change any previous answer.
type CachedResolver[K comparable, V any] struct {
	Resolver[K, V]

	mu    sync.Mutex
	limit int
	cache map[K]cached[V]
	order []K
	// gen changes on every reset so that lookups racing with Add do not
	// store answers computed against the old matchers.
	gen uint64
}

// NewCachedResolver wraps r. A limit below 1 means DefaultCacheLimit.
func NewCachedResolver[K comparable, V any](r Resolver[K, V], limit int) *CachedResolver[K, V] {
	if limit < 1 {
		limit = DefaultCacheLimit
	}
	return &CachedResolver[K, V]{
		Resolver: r,
		limit:    limit,
		cache:    make(map[K]cached[V], limit),
		order:    make([]K, 0, limit),
	}
}

// Resolve returns the cached answer for value, computing and caching it on
// a miss. Misses are cached too.
func (c *CachedResolver[K, V]) Resolve(value K) (V, bool) {
	c.mu.Lock()
	if hit, ok := c.cache[value]; ok {
		c.mu.Unlock()
		return hit.value, hit.ok
	}
	gen := c.gen
	c.mu.Unlock()

	v, ok := c.Resolver.Resolve(value)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return v, ok
	}
	if _, exists := c.cache[value]; exists {
		return v, ok
	}
	if len(c.cache) >= c.limit {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.cache, oldest)
	}
	c.cache[value] = cached[V]{value: v, ok: ok}
	c.order = append(c.order, value)

	return v, ok
}

// Add stores value in the wrapped resolver and clears the cache.
func (c *CachedResolver[K, V]) Add(matcher K, value V) error {
	err := c.Resolver.Add(matcher, value)
	c.Reset()
	return err
}

// Reset clears the cache.
func (c *CachedResolver[K, V]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	clear(c.cache)
	c.order = c.order[:0]
}

// Len returns the number of cached answers.
func (c *CachedResolver[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}
