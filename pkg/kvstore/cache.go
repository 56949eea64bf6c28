package kvstore

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// ReadCache is a per-session cache in front of the KV engine, grounded on
// the teacher's pkg/cachegc.Cache: an LRU with TTL-based invalidation so
// stale entries never outlive their welcome even if never evicted for
// space.
type ReadCache struct {
	lru *lru.Cache
	ttl time.Duration
}

type cacheEntry struct {
	value       []byte
	lastUpdated time.Time
}

// NewReadCache builds a read cache holding up to size entries.
func NewReadCache(size int, ttl time.Duration) (*ReadCache, error) {
	l, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &ReadCache{lru: l, ttl: ttl}, nil
}

// Get returns a cached value, ignoring (and evicting) expired entries.
func (c *ReadCache) Get(key [12]byte) ([]byte, bool) {
	raw, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	entry := raw.(*cacheEntry)
	if time.Since(entry.lastUpdated) > c.ttl {
		c.lru.Remove(key)
		return nil, false
	}
	return entry.value, true
}

// Put inserts or refreshes a cached value.
func (c *ReadCache) Put(key [12]byte, value []byte) {
	c.lru.Add(key, &cacheEntry{value: value, lastUpdated: time.Now()})
}

// Invalidate removes key from the cache unconditionally.
func (c *ReadCache) Invalidate(key [12]byte) {
	c.lru.Remove(key)
}
