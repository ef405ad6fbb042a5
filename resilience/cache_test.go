package resilience

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func TestCacheKeyIgnoresMapOrder(t *testing.T) {
	a := CacheKey("tracker", "create_task", map[string]any{"title": "Buy milk", "priority": 2.0})
	b := CacheKey("tracker", "create_task", map[string]any{"priority": 2.0, "title": "Buy milk"})
	if a != b {
		t.Fatalf("keys differ for identical params: %q vs %q", a, b)
	}
}

func TestCacheKeyVariesByEveryComponent(t *testing.T) {
	base := CacheKey("tracker", "create_task", map[string]any{"title": "Buy milk"})
	cases := map[string]string{
		"server": CacheKey("wiki", "create_task", map[string]any{"title": "Buy milk"}),
		"tool":   CacheKey("tracker", "list_tasks", map[string]any{"title": "Buy milk"}),
		"params": CacheKey("tracker", "create_task", map[string]any{"title": "Buy bread"}),
	}
	for name, key := range cases {
		if key == base {
			t.Errorf("changing %s did not change the key", name)
		}
	}
}

func TestCacheKeyNestedParams(t *testing.T) {
	a := CacheKey("s", "t", map[string]any{
		"assignee": map[string]any{"id": "u1", "name": "pat"},
		"labels":   []any{"bug", "urgent"},
	})
	b := CacheKey("s", "t", map[string]any{
		"labels":   []any{"bug", "urgent"},
		"assignee": map[string]any{"name": "pat", "id": "u1"},
	})
	if a != b {
		t.Fatal("nested maps must hash identically regardless of key order")
	}
	c := CacheKey("s", "t", map[string]any{
		"assignee": map[string]any{"id": "u1", "name": "pat"},
		"labels":   []any{"urgent", "bug"},
	})
	if a == c {
		t.Fatal("array element order must be significant")
	}
}

func TestCacheGetMissesAfterTTL(t *testing.T) {
	c := NewCache(time.Minute)
	base := time.Now()
	now := base
	var mu sync.Mutex
	c.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	c.Put("k", json.RawMessage(`1`))
	if _, ok := c.Get("k"); !ok {
		t.Fatal("Get() immediately after Put() missed")
	}

	mu.Lock()
	now = base.Add(61 * time.Second)
	mu.Unlock()
	if _, ok := c.Get("k"); ok {
		t.Fatal("Get() past the TTL returned a stale entry")
	}
}

func TestCacheSweepDropsExpired(t *testing.T) {
	c := NewCache(time.Minute)
	base := time.Now()
	now := base
	var mu sync.Mutex
	c.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	c.Put("old", json.RawMessage(`1`))
	mu.Lock()
	now = base.Add(30 * time.Second)
	mu.Unlock()
	c.Put("young", json.RawMessage(`2`))

	mu.Lock()
	now = base.Add(61 * time.Second)
	mu.Unlock()
	if dropped := c.sweep(); dropped != 1 {
		t.Fatalf("sweep() dropped %d, want 1", dropped)
	}
	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", c.Len())
	}
	if _, ok := c.Get("young"); !ok {
		t.Fatal("sweep() evicted a live entry")
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := NewCache(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := CacheKey("s", "t", map[string]any{"i": float64(i % 4)})
			for j := 0; j < 100; j++ {
				c.Put(key, json.RawMessage(`{"v":1}`))
				c.Get(key)
			}
		}(i)
	}
	wg.Wait()
	if c.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", c.Len())
	}
}
