package core

import (
	"fmt"
	"sync"
	"testing"
)

func TestCachePutGetRemove(t *testing.T) {
	cache := NewEmbeddingCache(10)

	cache.Put("c1", []float32{1, 2, 3}, "doc1", "physics")
	vec, docID, lib, ok := cache.Get("c1")
	if !ok {
		t.Fatal("Get() miss after Put()")
	}
	if len(vec) != 3 || docID != "doc1" || lib != "physics" {
		t.Errorf("Get() = (%v, %s, %s)", vec, docID, lib)
	}

	cache.Remove("c1")
	if _, _, _, ok := cache.Get("c1"); ok {
		t.Error("entry survived Remove()")
	}
}

func TestCacheEnforcesCap(t *testing.T) {
	cache := NewEmbeddingCache(100)

	for i := 0; i < 500; i++ {
		cache.Put(fmt.Sprintf("c%d", i), []float32{float32(i)}, "doc", "")
	}
	if cache.Size() > cache.Cap() {
		t.Errorf("Size() = %d exceeds Cap() = %d", cache.Size(), cache.Cap())
	}

	// Newest entries survive approximate insertion-order eviction.
	if _, _, _, ok := cache.Get("c499"); !ok {
		t.Error("most recent entry was evicted")
	}
}

func TestCacheRemoveCompactsOrder(t *testing.T) {
	cache := NewEmbeddingCache(1000)

	// Churn well below the cap: every id is put and removed again, so the
	// entry count stays tiny while the order slice sees constant traffic.
	for i := 0; i < 5000; i++ {
		id := fmt.Sprintf("c%d", i)
		cache.Put(id, []float32{float32(i)}, "doc", "")
		cache.Remove(id)
	}

	cache.mu.RLock()
	orderLen, entryLen := len(cache.order), len(cache.entries)
	cache.mu.RUnlock()
	if entryLen != 0 {
		t.Fatalf("entries = %d after symmetric churn, want 0", entryLen)
	}
	if orderLen > 2*entryLen+16 {
		t.Errorf("order slice holds %d ids for %d entries", orderLen, entryLen)
	}
}

func TestCacheConcurrentWriters(t *testing.T) {
	cache := NewEmbeddingCache(100)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				id := fmt.Sprintf("w%d-c%d", w, i)
				cache.Put(id, []float32{float32(i)}, "doc", "")
				cache.Get(id)
			}
		}(w)
	}
	wg.Wait()

	if cache.Size() > cache.Cap() {
		t.Errorf("Size() = %d exceeds Cap() = %d after concurrent writes", cache.Size(), cache.Cap())
	}
}

func TestCacheSample(t *testing.T) {
	cache := NewEmbeddingCache(10)
	cache.Put("good", []float32{1, 2}, "doc", "lib")

	samples := cache.Sample(5)
	if len(samples) != 1 {
		t.Fatalf("Sample() returned %d entries, want 1", len(samples))
	}
	s := samples[0]
	if s.ID != "good" || s.Dim != 2 || !s.AllFinite || s.SubLibraryID != "lib" {
		t.Errorf("Sample()[0] = %+v", s)
	}

	if got := cache.Sample(0); got != nil {
		t.Errorf("Sample(0) = %v, want nil", got)
	}
}

func TestCacheClear(t *testing.T) {
	cache := NewEmbeddingCache(10)
	cache.Put("c1", []float32{1}, "doc", "")
	cache.Put("c2", []float32{2}, "doc", "")

	cache.Clear()
	if cache.Size() != 0 {
		t.Errorf("Size() = %d after Clear()", cache.Size())
	}
	if _, _, _, ok := cache.Get("c1"); ok {
		t.Error("entry survived Clear()")
	}
}
