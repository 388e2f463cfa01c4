// Package cache holds the redirector's short code to long URL read-through cache.
package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long a resolved short code stays cached.
const DefaultTTL = time.Hour

// URLCache maps short codes to long URLs. Misses and backend errors look the same to callers.
type URLCache interface {
	Get(ctx context.Context, code string) (string, bool)
	Set(ctx context.Context, code, longURL string)
	Delete(ctx context.Context, code string)
	Close()
}

type memoryEntry struct {
	url     string
	expires time.Time
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemory returns a process-local cache. It serves single-process
// deployments and tests, and is the fallback when Redis is unavailable.
func NewMemory(ttl time.Duration) URLCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &memoryCache{entries: make(map[string]memoryEntry), ttl: ttl, now: time.Now}
}

func (c *memoryCache) Get(_ context.Context, code string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[code]
	if !ok {
		return "", false
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, code)
		return "", false
	}
	return entry.url, true
}

func (c *memoryCache) Set(_ context.Context, code, longURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[code] = memoryEntry{url: longURL, expires: c.now().Add(c.ttl)}
}

func (c *memoryCache) Delete(_ context.Context, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, code)
}

func (c *memoryCache) Close() {}

type noopCache struct{}

// Noop returns a cache that never stores anything.
func Noop() URLCache { return noopCache{} }

func (noopCache) Get(context.Context, string) (string, bool) {
	return "", false
}

func (noopCache) Set(context.Context, string, string) {}

func (noopCache) Delete(context.Context, string) {}

func (noopCache) Close() {}
