package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultLocalCapacity bounds the in-process cache.
const DefaultLocalCapacity = 1024

type localItem struct {
	data      []byte
	expiresAt time.Time
}

// LocalCache is an in-process LRU with per-entry TTL. Capacity eviction is
// handled by the underlying LRU; expiry is checked lazily on Get so a stale
// entry is never served.
//
// Use this backend when Redis is not available. For multi-replica
// deployments use RedisCache instead so all replicas share the same cache.
type LocalCache struct {
	lru *expirable.LRU[string, localItem]
}

// NewLocalCache creates a LocalCache holding at most capacity entries.
// A capacity ≤ 0 falls back to DefaultLocalCapacity.
func NewLocalCache(capacity int) *LocalCache {
	if capacity <= 0 {
		capacity = DefaultLocalCapacity
	}
	// TTL 0 disables the LRU's own expiry; entries carry their own deadline.
	return &LocalCache{lru: expirable.NewLRU[string, localItem](capacity, nil, 0)}
}

// Get returns the cached value for key. Returns (nil, false) on a miss or if
// the entry has expired. Expired entries are removed on access.
func (c *LocalCache) Get(_ context.Context, key string) ([]byte, bool) {
	item, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(item.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return item.data, true
}

// Set stores value under key for the duration of ttl.
// A zero or negative ttl is treated as a 1-hour TTL.
func (c *LocalCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.lru.Add(key, localItem{data: value, expiresAt: time.Now().Add(ttl)})
	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *LocalCache) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Len returns the number of entries currently held, including entries that
// may have expired but not yet been evicted.
func (c *LocalCache) Len() int {
	return c.lru.Len()
}
