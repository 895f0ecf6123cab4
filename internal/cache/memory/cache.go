// Package memory provides an in-process TTL cache backed by ristretto.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

const (
	defaultMaxCost     = 64 << 20
	defaultNumCounters = 1e5
)

// Cache stores byte values with per-entry TTLs. Cost is the value size.
type Cache struct {
	inner *ristretto.Cache[string, []byte]
}

// New builds a cache holding at most maxBytes of values.
func New(maxBytes int64) (*Cache, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxCost
	}
	inner, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: defaultNumCounters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create ristretto cache: %w", err)
	}
	return &Cache{inner: inner}, nil
}

// Get returns a copy of the cached value.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.inner.Get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set stores value for ttl. Sets are applied before Set returns so a
// following Get observes them; ristretto may still reject an entry under
// memory pressure.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := append([]byte(nil), value...)
	c.inner.SetWithTTL(key, stored, int64(len(stored)), ttl)
	c.inner.Wait()
	return nil
}

// Close releases the cache goroutines.
func (c *Cache) Close() {
	c.inner.Close()
}
