package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is the in-process ResultCache used when no Redis address is
// configured. Entries expire lazily on read.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryEntry
}

type memoryEntry struct {
	payload   []byte
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-process result cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		items: make(map[string]memoryEntry),
	}
}

// StoreResult keeps a serialized result until its TTL passes.
func (c *MemoryCache) StoreResult(_ context.Context, taskID string, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[taskID] = memoryEntry{
		payload:   payload,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// GetResult returns a stored result, or ErrMiss when absent or expired.
func (c *MemoryCache) GetResult(_ context.Context, taskID string) ([]byte, error) {
	c.mu.RLock()
	entry, found := c.items[taskID]
	c.mu.RUnlock()

	if !found {
		return nil, ErrMiss
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.items, taskID)
		c.mu.Unlock()
		return nil, ErrMiss
	}
	return entry.payload, nil
}
