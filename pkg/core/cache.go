package core

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/000haoji/deep-student-rag/internal/encoding"
)

// defaultCacheCap is the soft entry limit of the embedding cache.
const defaultCacheCap = 100_000

type cacheEntry struct {
	Embedding    []float32
	DocumentID   string
	SubLibraryID string
}

// EmbeddingCache maps chunk ids to their embedding and document identity.
// It is a warm-up aid for integrity audits and re-embedding diffs, not a
// correctness layer: eviction is approximate insertion order, and a brief
// overshoot of the cap under concurrent writers is tolerated.
type EmbeddingCache struct {
	mu      sync.RWMutex
	cap     int
	entries map[string]cacheEntry
	order   []string
}

// NewEmbeddingCache creates a cache with the given soft capacity.
// A non-positive capacity uses the default.
func NewEmbeddingCache(capacity int) *EmbeddingCache {
	if capacity <= 0 {
		capacity = defaultCacheCap
	}
	return &EmbeddingCache{
		cap:     capacity,
		entries: make(map[string]cacheEntry),
	}
}

// Put inserts or replaces an entry and enforces the cap.
func (c *EmbeddingCache) Put(chunkID string, embedding []float32, documentID, subLibraryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[chunkID]; !exists {
		c.order = append(c.order, chunkID)
	}
	c.entries[chunkID] = cacheEntry{
		Embedding:    embedding,
		DocumentID:   documentID,
		SubLibraryID: subLibraryID,
	}

	if len(c.entries) > c.cap {
		c.evictLocked()
	}
}

// evictLocked drops roughly 10% of entries in insertion order. The order
// slice may reference already-evicted ids; skipping those keeps the
// eviction approximate rather than strict.
func (c *EmbeddingCache) evictLocked() {
	drop := c.cap / 10
	if drop < 1 {
		drop = 1
	}
	removed := 0
	i := 0
	for ; i < len(c.order) && removed < drop; i++ {
		if _, ok := c.entries[c.order[i]]; ok {
			delete(c.entries, c.order[i])
			removed++
		}
	}
	c.order = c.order[i:]
}

// Get returns the cached embedding and document identity for a chunk id.
func (c *EmbeddingCache) Get(chunkID string) ([]float32, string, string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[chunkID]
	if !ok {
		return nil, "", "", false
	}
	return entry.Embedding, entry.DocumentID, entry.SubLibraryID, true
}

// Remove drops entries by chunk id.
func (c *EmbeddingCache) Remove(chunkIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range chunkIDs {
		delete(c.entries, id)
	}
	// The order slice holds tombstones for removed ids; rebuild it once
	// they dominate so churny put/remove workloads stay bounded.
	if len(c.order) > 2*len(c.entries)+16 {
		c.compactLocked()
	}
}

// compactLocked drops order entries whose id is no longer cached.
func (c *EmbeddingCache) compactLocked() {
	kept := c.order[:0]
	for _, id := range c.order {
		if _, ok := c.entries[id]; ok {
			kept = append(kept, id)
		}
	}
	c.order = kept
}

// Clear drops every entry.
func (c *EmbeddingCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.order = c.order[:0]
}

// Size returns the current entry count.
func (c *EmbeddingCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Cap returns the soft capacity.
func (c *EmbeddingCache) Cap() int {
	return c.cap
}

// Sample returns up to n entries for integrity audits.
func (c *EmbeddingCache) Sample(n int) []CacheSample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n <= 0 {
		return nil
	}
	samples := make([]CacheSample, 0, n)
	for id, entry := range c.entries {
		samples = append(samples, CacheSample{
			ID:           id,
			Dim:          len(entry.Embedding),
			AllFinite:    encoding.AllFinite(entry.Embedding),
			SubLibraryID: entry.SubLibraryID,
		})
		if len(samples) >= n {
			break
		}
	}
	return samples
}

// warmCache scans every existing knowledge-base wide table and fills the
// cache until capacity. Best-effort: failures are logged, never fatal.
func (s *SQLiteStore) warmCache(ctx context.Context) {
	dims, err := s.existingDims(ctx, kindKB)
	if err != nil {
		s.log.Warn().Err(err).Msg("cache warm-up: listing tables failed")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(2)
	for _, d := range dims {
		g.Go(func() error {
			return s.warmCacheTable(gctx, kbTableName(d))
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		s.log.Warn().Err(err).Msg("cache warm-up incomplete")
	}
}

func (s *SQLiteStore) warmCacheTable(ctx context.Context, table string) error {
	rows, err := s.vec.QueryContext(ctx, fmt.Sprintf(
		"SELECT chunk_id, document_id, COALESCE(sub_library_id, ''), embedding FROM %s", table))
	if err != nil {
		return fmt.Errorf("scan %s: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		if s.cache.Size() >= s.cache.Cap() {
			return nil
		}
		var chunkID, docID, subLib string
		var blob []byte
		if err := rows.Scan(&chunkID, &docID, &subLib, &blob); err != nil {
			continue
		}
		vec, err := encoding.DecodeVector(blob)
		if err != nil {
			s.log.Warn().Str("chunk_id", chunkID).Msg("cache warm-up: undecodable embedding")
			continue
		}
		s.cache.Put(chunkID, vec, docID, subLib)
	}
	return rows.Err()
}
