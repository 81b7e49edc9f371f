package cache

import (
	"strconv"
	"sync"
	"testing"
)

func TestNew(t *testing.T) {
	c := New[string, int](100)
	if c == nil {
		t.Fatal("New returned nil")
	}
	if c.Capacity() != 100 {
		t.Errorf("expected capacity 100, got %d", c.Capacity())
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", c.Len())
	}
}

func TestCacheGetSet(t *testing.T) {
	c := New[string, int](10)

	c.Set("key1", 42)

	val, ok := c.Get("key1")
	if !ok {
		t.Error("expected key1 to exist")
	}
	if val != 42 {
		t.Errorf("expected 42, got %d", val)
	}

	_, ok = c.Get("nonexistent")
	if ok {
		t.Error("expected nonexistent key to not exist")
	}
}

func TestCacheGetOrCreate(t *testing.T) {
	c := New[string, int](10)
	createCalled := 0

	val := c.GetOrCreate("key1", func() int {
		createCalled++
		return 100
	})
	if val != 100 {
		t.Errorf("expected 100, got %d", val)
	}
	if createCalled != 1 {
		t.Errorf("expected create called once, got %d", createCalled)
	}

	// Second call should return cached.
	val = c.GetOrCreate("key1", func() int {
		createCalled++
		return 200
	})
	if val != 100 {
		t.Errorf("expected 100 (cached), got %d", val)
	}
	if createCalled != 1 {
		t.Errorf("expected create still called once, got %d", createCalled)
	}
}

func TestCacheEviction(t *testing.T) {
	c := New[string, int](4)

	for i := 0; i < 4; i++ {
		c.Set(strconv.Itoa(i), i)
	}
	if c.Len() != 4 {
		t.Fatalf("expected 4 entries, got %d", c.Len())
	}

	// Touch "0" so "1" becomes the oldest.
	c.Get("0")
	c.Set("4", 4)

	if c.Len() != 4 {
		t.Errorf("expected 4 entries after eviction, got %d", c.Len())
	}
	if _, ok := c.Get("1"); ok {
		t.Error("expected oldest entry 1 to be evicted")
	}
	if _, ok := c.Get("0"); !ok {
		t.Error("expected recently used entry 0 to survive")
	}
}

func TestCacheDeleteClear(t *testing.T) {
	c := New[string, int](10)
	c.Set("key1", 1)
	c.Set("key2", 2)

	if !c.Delete("key1") {
		t.Error("expected Delete to return true for existing key")
	}
	if c.Delete("key1") {
		t.Error("expected Delete to return false for deleted key")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("expected 0 entries after clear, got %d", c.Len())
	}
}

func TestShardedGetSet(t *testing.T) {
	c := NewSharded[string, int](10, StringHasher)

	c.Set("a", 1)
	c.Set("b", 2)

	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v; want 1, true", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("expected missing key to not exist")
	}
	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}
}

func TestShardedGetOrCreate(t *testing.T) {
	c := NewSharded[uint64, string](10, Uint64Hasher)
	calls := 0

	v := c.GetOrCreate(7, func() string {
		calls++
		return "seven"
	})
	if v != "seven" || calls != 1 {
		t.Fatalf("GetOrCreate = %q, calls = %d; want seven, 1", v, calls)
	}
	v = c.GetOrCreate(7, func() string {
		calls++
		return "other"
	})
	if v != "seven" || calls != 1 {
		t.Errorf("GetOrCreate (cached) = %q, calls = %d; want seven, 1", v, calls)
	}
}

func TestShardedEviction(t *testing.T) {
	// Capacity 2 per shard; identity hashing with a shard-count stride
	// pins all keys to one shard.
	c := NewSharded[uint64, int](2, Uint64Hasher)

	c.Set(0*DefaultShardCount, 0)
	c.Set(1*DefaultShardCount, 1)
	c.Get(0 * DefaultShardCount)
	c.Set(2*DefaultShardCount, 2)

	if _, ok := c.Get(1 * DefaultShardCount); ok {
		t.Error("expected LRU entry to be evicted")
	}
	if _, ok := c.Get(0 * DefaultShardCount); !ok {
		t.Error("expected recently used entry to survive")
	}

	stats := c.Stats()
	if stats.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", stats.Evictions)
	}
}

func TestShardedStats(t *testing.T) {
	c := NewSharded[string, int](10, StringHasher)
	c.Set("a", 1)

	c.Get("a")
	c.Get("a")
	c.Get("missing")

	stats := c.Stats()
	if stats.Hits != 2 {
		t.Errorf("expected 2 hits, got %d", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
	if stats.HitRate <= 0.6 || stats.HitRate >= 0.7 {
		t.Errorf("expected hit rate ~0.67, got %f", stats.HitRate)
	}
}

func TestShardedConcurrent(t *testing.T) {
	c := NewSharded[uint64, int](64, Uint64Hasher)
	var wg sync.WaitGroup

	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				k := uint64(g*100 + i)
				c.Set(k, i)
				c.Get(k)
				c.GetOrCreate(k, func() int { return i })
			}
		}(g)
	}
	wg.Wait()

	if c.Len() == 0 {
		t.Error("expected entries after concurrent access")
	}
}
