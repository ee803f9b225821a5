package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend and Versions.
type MemoryBackend struct {
	mu       sync.RWMutex
	entries  map[string]*cacheEntry
	versions map[string]int64
	now      func() time.Time
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return NewMemoryBackendWithClock(time.Now)
}

// NewMemoryBackendWithClock uses now for expiry decisions.
func NewMemoryBackendWithClock(now func() time.Time) *MemoryBackend {
	return &MemoryBackend{
		entries:  make(map[string]*cacheEntry),
		versions: make(map[string]int64),
		now:      now,
	}
}

// Get retrieves a value from the cache. Returns (nil, false) on miss or expiry.
func (c *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if !c.now().Before(entry.expiresAt) {
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && current == entry {
			delete(c.entries, key)
		}
		c.mu.Unlock()

		return nil, false
	}

	return entry.value, true
}

// Set stores a value with the given TTL. TTL<=0 stores nothing.
func (c *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	c.mu.Lock()
	c.entries[key] = &cacheEntry{
		value:     stored,
		expiresAt: c.now().Add(ttl),
	}
	c.mu.Unlock()

	return nil
}

func (c *MemoryBackend) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	return nil
}

func (c *MemoryBackend) Version(_ context.Context, group string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.versions[group], nil
}

func (c *MemoryBackend) Bump(_ context.Context, group string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.versions[group]++

	return c.versions[group], nil
}

// Len returns the number of stored entries, expired ones included.
func (c *MemoryBackend) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

var (
	_ Backend  = (*MemoryBackend)(nil)
	_ Versions = (*MemoryBackend)(nil)
)
