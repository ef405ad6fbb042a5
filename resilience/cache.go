package resilience

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultCacheTTL is how long cached invocation results stay valid.
const DefaultCacheTTL = 5 * time.Minute

// CacheKey derives the cache key for an invocation: a sha256 over the server
// id, tool name, and a canonical rendering of the parameters. Two calls with
// the same parameters in different map order produce the same key.
func CacheKey(serverID, toolName string, params map[string]any) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00", serverID, toolName)
	writeCanonical(h, params)
	return hex.EncodeToString(h.Sum(nil))
}

func writeCanonical(h interface{ Write([]byte) (int, error) }, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		h.Write([]byte{'{'})
		for _, k := range keys {
			fmt.Fprintf(h, "%q:", k)
			writeCanonical(h, val[k])
			h.Write([]byte{','})
		}
		h.Write([]byte{'}'})
	case []any:
		h.Write([]byte{'['})
		for _, item := range val {
			writeCanonical(h, item)
			h.Write([]byte{','})
		}
		h.Write([]byte{']'})
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			fmt.Fprintf(h, "%v", val)
			return
		}
		h.Write(raw)
	}
}

type cacheEntry struct {
	result    json.RawMessage
	expiresAt time.Time
}

// Cache is a TTL cache for invocation results. Expiry is enforced at read
// time, so a stale entry is never returned even if the sweeper has not run.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

// NewCache creates a result cache. A non-positive ttl falls back to
// DefaultCacheTTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached result for key, or false if absent or expired.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry.result, true
}

// Put stores a result under key for the cache's TTL.
func (c *Cache) Put(key string, result json.RawMessage) {
	c.mu.Lock()
	c.entries[key] = cacheEntry{result: result, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// Invalidate drops one entry.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len reports the number of stored entries, including any not yet swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// sweep removes expired entries and returns how many were dropped.
func (c *Cache) sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := 0
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
			dropped++
		}
	}
	return dropped
}

// Sweep evicts expired entries on the given interval until ctx is canceled.
// Read-time expiry makes this an optimization, not a correctness requirement.
func (c *Cache) Sweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}
