// Package cache provides the bounded, time-expiring key/value store passed
// into generator call context (shared search results and similar
// short-lived lookups). It is handed around explicitly, never global.
package cache

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// TTLCache is a bounded in-process cache with per-entry expiry.
type TTLCache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates a cache holding at most maxCostBytes of values.
func New(maxCostBytes int64) (*TTLCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCostBytes / 100 * 10, // ~10x expected entries
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &TTLCache{c: c}, nil
}

// Get retrieves a value.
func (t *TTLCache) Get(key string) ([]byte, bool) {
	return t.c.Get(key)
}

// Set stores a value with the given TTL. Admission is best-effort.
func (t *TTLCache) Set(key string, value []byte, ttl time.Duration) {
	t.c.SetWithTTL(key, value, int64(len(value)), ttl)
}

// Delete removes a value.
func (t *TTLCache) Delete(key string) {
	t.c.Del(key)
}

// Wait blocks until pending writes are applied. Tests only.
func (t *TTLCache) Wait() {
	t.c.Wait()
}

// Close releases the cache's resources.
func (t *TTLCache) Close() {
	t.c.Close()
}
