// Package negativecache implements the process-lifetime set of store-path
// fingerprints known to be absent from the backend, used by
// internal/httpapi to elide redundant upstream lookups (spec.md §4.D).
//
// Grounded on rclone's reader-writer-lock-guarded shared state pattern
// (spec.md §5 calls this out explicitly: "read-write guarded by a
// reader-writer lock; writes are infrequent... so writers do not
// starve"), implemented with sync.RWMutex the way rclone guards its
// directory-cache maps.
package negativecache

import "sync"

// Cache is a concurrency-safe set of fingerprint strings with no
// eviction; its size bound is implicitly the number of distinct paths
// seen during the workflow (spec.md §3).
type Cache struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{seen: make(map[string]struct{})}
}

// Contains reports whether fingerprint is currently recorded as missing.
func (c *Cache) Contains(fingerprint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.seen[fingerprint]
	return ok
}

// Insert records fingerprint as a confirmed miss.
func (c *Cache) Insert(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[fingerprint] = struct{}{}
}

// Remove clears fingerprint, used after a confirmed upload makes it no
// longer a miss.
func (c *Cache) Remove(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, fingerprint)
}

// Len reports the number of fingerprints currently recorded, for metrics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}
