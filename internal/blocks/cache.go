package blocks

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache maps (tenant, label) to a memory-host block ID. Implementations
// must be safe for concurrent use.
type Cache interface {
	Get(tenantID, label string) (string, bool)
	Set(tenantID, label, blockID string)
	Invalidate(tenantID, label string)
}

// LRUCache is a bounded Cache with TTL expiry.
type LRUCache struct {
	lru *expirable.LRU[string, string]
}

var _ Cache = (*LRUCache)(nil)

// NewLRUCache creates a cache holding at most size entries for ttl each.
// A size of 0 means unlimited; a ttl of 0 disables expiry.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	return &LRUCache{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

func cacheKey(tenantID, label string) string {
	return tenantID + "\x00" + label
}

func (c *LRUCache) Get(tenantID, label string) (string, bool) {
	return c.lru.Get(cacheKey(tenantID, label))
}

func (c *LRUCache) Set(tenantID, label, blockID string) {
	c.lru.Add(cacheKey(tenantID, label), blockID)
}

func (c *LRUCache) Invalidate(tenantID, label string) {
	c.lru.Remove(cacheKey(tenantID, label))
}

// Len returns the number of cached entries.
func (c *LRUCache) Len() int {
	return c.lru.Len()
}
