// Package cache holds the device's read-only view of backend stock. It is
// only used to warn before a likely oversell; the backend's answer always
// wins.
package cache

import (
	"context"
	"sync"
	"time"

	"kasirsync/internal/domain"
)

type StockLevel = domain.StockLevel

type StockCache interface {
	Get(ctx context.Context, locationID string, sku string) (*StockLevel, bool, error)
	Set(ctx context.Context, locationID string, level StockLevel, ttl time.Duration) error
}

func stockKey(locationID, sku string) string {
	return "kasirsync:stock:" + locationID + ":" + sku
}

type NoopStockCache struct{}

func (NoopStockCache) Get(_ context.Context, _ string, _ string) (*StockLevel, bool, error) {
	return nil, false, nil
}

func (NoopStockCache) Set(_ context.Context, _ string, _ StockLevel, _ time.Duration) error {
	return nil
}

type memoryEntry struct {
	level     StockLevel
	expiresAt time.Time
}

// MemoryStockCache is the process-local cache used when no Redis is
// configured.
type MemoryStockCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStockCache() *MemoryStockCache {
	return &MemoryStockCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryStockCache) Get(_ context.Context, locationID string, sku string) (*StockLevel, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[stockKey(locationID, sku)]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		return nil, false, nil
	}
	level := entry.level
	return &level, true, nil
}

// Set stores the level; a zero ttl keeps it until overwritten.
func (c *MemoryStockCache) Set(_ context.Context, locationID string, level StockLevel, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := memoryEntry{level: level}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
	}
	c.entries[stockKey(locationID, level.SKU)] = entry
	return nil
}
