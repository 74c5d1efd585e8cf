package connection

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the number of live managers a process keeps.
const DefaultCacheSize = 128

// Cache is a bounded LRU of live managers keyed by session id. Evicted
// managers are disconnected so their transports do not leak; the durable
// session record survives eviction and the manager can be rehydrated later.
type Cache struct {
	inner *lru.Cache[string, *Manager]
}

// NewCache creates a Cache holding at most size managers. A non-positive
// size falls back to DefaultCacheSize.
func NewCache(size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	inner, err := lru.NewWithEvict(size, func(_ string, mgr *Manager) {
		mgr.Disconnect()
	})
	if err != nil {
		return nil, err
	}
	return &Cache{inner: inner}, nil
}

// Get returns the cached manager for the session id, if present.
func (c *Cache) Get(sessionID string) (*Manager, bool) {
	return c.inner.Get(sessionID)
}

// Add stores the manager, possibly evicting the least recently used one.
func (c *Cache) Add(sessionID string, mgr *Manager) {
	c.inner.Add(sessionID, mgr)
}

// Remove drops the cached manager, if present. The eviction callback
// disconnects it.
func (c *Cache) Remove(sessionID string) {
	c.inner.Remove(sessionID)
}

// Len reports the number of cached managers.
func (c *Cache) Len() int {
	return c.inner.Len()
}
