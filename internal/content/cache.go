package content

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheSize is how many parsed books the cache keeps by default.
const DefaultCacheSize = 3

// Cache wraps Parse with a bounded LRU so repeated translation calls for the
// same book do not re-parse the package. Safe for concurrent use; concurrent
// requests for the same path share a single parse.
type Cache struct {
	lru *lru.Cache[string, *Model]
	sf  singleflight.Group
}

// NewCache creates a cache holding at most size parsed models, evicted
// least-recently-used. A size <= 0 uses DefaultCacheSize.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, *Model](size)
	if err != nil {
		// lru.New only fails on size <= 0, which is handled above.
		panic(err)
	}
	return &Cache{lru: c}
}

// Get returns the parsed model for pkgPath, parsing it on a miss.
func (c *Cache) Get(pkgPath string) (*Model, error) {
	if m, ok := c.lru.Get(pkgPath); ok {
		return m, nil
	}
	v, err, _ := c.sf.Do(pkgPath, func() (any, error) {
		if m, ok := c.lru.Get(pkgPath); ok {
			return m, nil
		}
		m, err := Parse(pkgPath)
		if err != nil {
			return nil, err
		}
		c.lru.Add(pkgPath, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Model), nil
}

// Invalidate drops a cached model, forcing a re-parse on next access.
func (c *Cache) Invalidate(pkgPath string) {
	c.lru.Remove(pkgPath)
}

// Len reports how many parsed models are currently cached.
func (c *Cache) Len() int {
	return c.lru.Len()
}
