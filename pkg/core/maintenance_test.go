package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"
)

func TestOptimizeCooldownSkips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recent := strconv.FormatInt(time.Now().Unix()-10, 10)
	if err := store.Settings().Set(ctx, settingOptimizeLastKey+"kb", recent); err != nil {
		t.Fatal(err)
	}

	if err := store.OptimizeKBTables(ctx, OptimizeOptions{}); err != nil {
		t.Fatalf("OptimizeKBTables() error = %v", err)
	}
	// A skipped run records nothing.
	got := store.Settings().GetString(ctx, settingOptimizeLastKey+"kb", "")
	if got != recent {
		t.Errorf("timestamp changed on skipped run: %s", got)
	}

	if err := store.OptimizeKBTables(ctx, OptimizeOptions{Force: true}); err != nil {
		t.Fatalf("forced OptimizeKBTables() error = %v", err)
	}
	got = store.Settings().GetString(ctx, settingOptimizeLastKey+"kb", "")
	if got == recent {
		t.Error("forced run did not record a new timestamp")
	}
}

func TestOptimizeChatCooldownShorterThanKB(t *testing.T) {
	if chatOptimizeCooldown >= kbOptimizeCooldown {
		t.Errorf("chat cooldown %d should be shorter than kb cooldown %d",
			chatOptimizeCooldown, kbOptimizeCooldown)
	}
}

func TestOptimizeDeleteUnverified(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddDocumentRecordWithLibrary(ctx, DocumentHeader{DocumentID: "doc1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.AddChunks(ctx, []Chunk{testChunk("c1", "doc1", 0, testVec(256, 0))}); err != nil {
		t.Fatal(err)
	}
	// Remove the header behind the store's back, orphaning the vector row.
	if _, err := store.rel.Exec("DELETE FROM documents WHERE document_id = 'doc1'"); err != nil {
		t.Fatal(err)
	}

	del := true
	if err := store.OptimizeKBTables(ctx, OptimizeOptions{Force: true, DeleteUnverified: &del}); err != nil {
		t.Fatalf("OptimizeKBTables() error = %v", err)
	}
	if n := countRows(t, store, kbTableName(256), "chunk_id = ?", "c1"); n != 0 {
		t.Errorf("orphan row survived: %d", n)
	}
}

func TestOptimizeKeepsVerifiedRowsByDefault(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddDocumentRecordWithLibrary(ctx, DocumentHeader{DocumentID: "doc1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.AddChunks(ctx, []Chunk{testChunk("c1", "doc1", 0, testVec(256, 0))}); err != nil {
		t.Fatal(err)
	}

	if err := store.OptimizeKBTables(ctx, OptimizeOptions{Force: true}); err != nil {
		t.Fatalf("OptimizeKBTables() error = %v", err)
	}
	if n := countRows(t, store, kbTableName(256), "chunk_id = ?", "c1"); n != 1 {
		t.Errorf("verified row removed: got %d rows", n)
	}
}

func TestOptimizeLeavesMaintenanceModeAlone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddDocumentRecordWithLibrary(ctx, DocumentHeader{DocumentID: "doc1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.AddChunks(ctx, []Chunk{testChunk("c1", "doc1", 0, testVec(256, 0))}); err != nil {
		t.Fatal(err)
	}

	// The flag belongs to the host; optimizing must not flip it either way.
	store.SetMaintenanceMode(true)
	if err := store.OptimizeKBTables(ctx, OptimizeOptions{Force: true}); err != nil {
		t.Fatalf("OptimizeKBTables() error = %v", err)
	}
	err := store.AddChunks(ctx, []Chunk{testChunk("c2", "doc1", 1, testVec(256, 1))})
	if !errors.Is(err, ErrMaintenance) {
		t.Fatalf("AddChunks() after optimize error = %v, want ErrMaintenance", err)
	}

	store.SetMaintenanceMode(false)
	if err := store.AddChunks(ctx, []Chunk{testChunk("c2", "doc1", 1, testVec(256, 1))}); err != nil {
		t.Fatalf("AddChunks() with flag cleared error = %v", err)
	}
}

func TestOptimizePrunesStaleRevisions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddDocumentRecordWithLibrary(ctx, DocumentHeader{
		DocumentID:     "doc1",
		ActiveRevision: "A",
	}); err != nil {
		t.Fatal(err)
	}
	stale := testChunk("stale", "doc1", 0, testVec(256, 0))
	stale.Metadata = map[string]string{"revision": "B"}
	active := testChunk("active", "doc1", 0, testVec(256, 1))
	active.Metadata = map[string]string{"revision": "A"}
	if err := store.AddChunks(ctx, []Chunk{stale, active}); err != nil {
		t.Fatal(err)
	}

	// Age the stale row past the retention window.
	old := time.Now().UTC().Add(-14 * 24 * time.Hour).Format(time.RFC3339)
	if _, err := store.vec.Exec(fmt.Sprintf(
		"UPDATE %s SET created_at = ? WHERE chunk_id = 'stale'", kbTableName(256)), old); err != nil {
		t.Fatal(err)
	}

	if err := store.OptimizeKBTables(ctx, OptimizeOptions{Force: true}); err != nil {
		t.Fatalf("OptimizeKBTables() error = %v", err)
	}
	if n := countRows(t, store, kbTableName(256), "chunk_id = ?", "stale"); n != 0 {
		t.Error("stale revision row survived the prune")
	}
	if n := countRows(t, store, kbTableName(256), "chunk_id = ?", "active"); n != 1 {
		t.Error("active revision row was pruned")
	}
}
