// Package cache provides the TTL cache used to short-circuit repeated
// collector lookups for the same IP address.
package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// ErrRejected is returned when the cache drops a value on admission
var ErrRejected = errors.New("cache rejected value")

// Cache is a bounded in-memory TTL cache keyed by string
type Cache struct {
	store *ristretto.Cache[string, any]
}

// New creates a cache holding up to maxEntries values
func New(maxEntries int64) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = 1000
	}

	store, err := ristretto.NewCache(&ristretto.Config[string, any]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	return &Cache{store: store}, nil
}

// Get returns the cached value for key
func (c *Cache) Get(key string) (any, bool) {
	return c.store.Get(key)
}

// Set stores value under key until ttl expires. The value is visible to
// Get as soon as Set returns.
func (c *Cache) Set(key string, value any, ttl time.Duration) error {
	if !c.store.SetWithTTL(key, value, 1, ttl) {
		return ErrRejected
	}
	c.store.Wait()
	return nil
}

// Close releases the cache's background goroutines
func (c *Cache) Close() {
	c.store.Close()
}
