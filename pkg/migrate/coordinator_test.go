package migrate

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/000haoji/deep-student-rag/pkg/core"
)

func newTestStore(t *testing.T) *core.SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	store, err := core.Open(context.Background(), core.Options{
		RelationalPath: filepath.Join(dir, "app.db"),
		DisableWarmup:  true,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testVec(dim, axis int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = 0.01
	}
	v[axis%dim] = 1
	return v
}

// rawBlob encodes a vector the way the legacy tables stored it: bare
// little-endian float32 bytes.
func rawBlob(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, val := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(val))
	}
	return buf
}

func mustExec(t *testing.T, store *core.SQLiteStore, onVec bool, query string, args ...interface{}) {
	t.Helper()
	db := store.RelationalDB()
	if onVec {
		db = store.VectorDB()
	}
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func seedChunkMirror(t *testing.T, store *core.SQLiteStore, chunkID, docID string, idx int) {
	t.Helper()
	mustExec(t, store, false,
		"INSERT OR IGNORE INTO documents (document_id) VALUES (?)", docID)
	mustExec(t, store, false,
		"INSERT INTO chunks (chunk_id, document_id, chunk_index, text) VALUES (?, ?, ?, ?)",
		chunkID, docID, idx, "text of "+chunkID)
}

func countCanonical(t *testing.T, store *core.SQLiteStore, table, idCol, id string) int {
	t.Helper()
	ok, err := tableExists(context.Background(), store.VectorDB(), table)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		return 0
	}
	var n int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", table, idCol)
	if err := store.VectorDB().QueryRow(query, id).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func migrationGate(t *testing.T, store *core.SQLiteStore) string {
	t.Helper()
	return store.Settings().GetString(context.Background(), core.SettingMigrationCompleted, "")
}

func TestMigrateNoLegacySources(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := New(store, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if gate := migrationGate(t, store); gate != "1" {
		t.Errorf("gate = %q, want 1", gate)
	}

	for _, category := range []string{CategorySQLVectors, CategoryLegacyKBLance, CategoryLegacyChatLance} {
		p, err := loadProgress(ctx, store.RelationalDB(), category)
		if err != nil {
			t.Fatal(err)
		}
		if p.Status != StatusCompleted {
			t.Errorf("category %s status = %s, want completed", category, p.Status)
		}
	}
}

func TestMigrateSQLVectors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustExec(t, store, false,
		"CREATE TABLE rag_vectors (chunk_id TEXT PRIMARY KEY, embedding BLOB)")
	seedChunkMirror(t, store, "c1", "doc1", 0)
	seedChunkMirror(t, store, "c2", "doc1", 1)
	mustExec(t, store, false, "INSERT INTO rag_vectors VALUES (?, ?)", "c1", rawBlob(testVec(256, 0)))
	mustExec(t, store, false, "INSERT INTO rag_vectors VALUES (?, ?)", "c2", rawBlob(testVec(256, 1)))
	// No mirror row for this one: a join miss to be skipped and sampled.
	mustExec(t, store, false, "INSERT INTO rag_vectors VALUES (?, ?)", "orphan", rawBlob(testVec(256, 2)))

	if err := New(store, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	table := core.KBTableName(256)
	for _, id := range []string{"c1", "c2"} {
		if n := countCanonical(t, store, table, "chunk_id", id); n != 1 {
			t.Errorf("chunk %s: %d canonical rows, want 1", id, n)
		}
	}
	if n := countCanonical(t, store, table, "chunk_id", "orphan"); n != 0 {
		t.Error("join miss was migrated anyway")
	}

	p, err := loadProgress(ctx, store.RelationalDB(), CategorySQLVectors)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", p.Status)
	}
	if p.TotalProcessed != 3 {
		t.Errorf("TotalProcessed = %d, want 3", p.TotalProcessed)
	}
	if !strings.Contains(p.LastError, "skipped 1") || !strings.Contains(p.LastError, "orphan") {
		t.Errorf("LastError = %q, want skip sample naming orphan", p.LastError)
	}
	if gate := migrationGate(t, store); gate != "1" {
		t.Errorf("gate = %q, want 1", gate)
	}
}

func TestMigrateLegacyKB(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	legacy := core.LegacyKBTableName(256)
	mustExec(t, store, true, fmt.Sprintf(
		"CREATE TABLE %s (chunk_id TEXT, document_id TEXT, embedding BLOB)", legacy))
	seedChunkMirror(t, store, "k1", "doc1", 0)
	mustExec(t, store, true, fmt.Sprintf("INSERT INTO %s VALUES (?, ?, ?)", legacy),
		"k1", "doc1", rawBlob(testVec(256, 0)))
	// Undecodable blob: length not a multiple of four.
	mustExec(t, store, true, fmt.Sprintf("INSERT INTO %s VALUES (?, ?, ?)", legacy),
		"bad", "doc1", []byte{1, 2, 3})

	if err := New(store, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if n := countCanonical(t, store, core.KBTableName(256), "chunk_id", "k1"); n != 1 {
		t.Errorf("k1 canonical rows = %d, want 1", n)
	}
	p, err := loadProgress(ctx, store.RelationalDB(), CategoryLegacyKBLance)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusCompleted || p.TotalProcessed != 2 {
		t.Errorf("progress = %+v", p)
	}
	if !strings.Contains(p.LastError, "bad") {
		t.Errorf("LastError = %q, want sample naming bad", p.LastError)
	}
}

func seedMessage(t *testing.T, store *core.SQLiteStore, id, content string) {
	t.Helper()
	mustExec(t, store, false,
		"INSERT INTO messages (message_id, mistake_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?)",
		id, "mistake-1", "user", content, "2025-06-01T10:00:00Z")
}

func TestMigrateLegacyChatDuplicateMessageID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustExec(t, store, true, "CREATE TABLE chat_embeddings (message_id TEXT, embedding BLOB)")
	seedMessage(t, store, "m1", "what is photosynthesis")
	first := testVec(256, 0)
	second := testVec(256, 5)
	mustExec(t, store, true, "INSERT INTO chat_embeddings VALUES (?, ?)", "m1", rawBlob(first))
	mustExec(t, store, true, "INSERT INTO chat_embeddings VALUES (?, ?)", "m1", rawBlob(second))

	if err := New(store, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if n := countCanonical(t, store, core.ChatTableName(256), "message_id", "m1"); n != 1 {
		t.Fatalf("m1 canonical rows = %d, want 1", n)
	}

	// The row written last (highest rowid) wins.
	results, err := store.SearchMessages(ctx, second, 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Score < 0.99 {
		t.Errorf("surviving embedding is not the later one: %v", results)
	}
	if results[0].Text != "what is photosynthesis" {
		t.Errorf("Text = %q, want extracted message content", results[0].Text)
	}
}

func TestMigrateResumeAfterCrash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Two legacy chat tables, migrated one batch each.
	mustExec(t, store, true, "CREATE TABLE chat_embeddings (message_id TEXT, embedding BLOB)")
	legacy256 := core.LegacyChatTableName(256)
	mustExec(t, store, true, fmt.Sprintf("CREATE TABLE %s (message_id TEXT, embedding BLOB)", legacy256))
	seedMessage(t, store, "m1", "first message")
	seedMessage(t, store, "m2", "second message")
	mustExec(t, store, true, "INSERT INTO chat_embeddings VALUES (?, ?)", "m1", rawBlob(testVec(256, 0)))
	mustExec(t, store, true, fmt.Sprintf("INSERT INTO %s VALUES (?, ?)", legacy256),
		"m2", rawBlob(testVec(256, 1)))

	crashed := errors.New("simulated crash")
	c := New(store, zerolog.Nop())
	c.afterBatch = func(category string, processed int) error {
		if category == CategoryLegacyChatLance {
			return crashed
		}
		return nil
	}
	if err := c.Run(ctx); !errors.Is(err, crashed) {
		t.Fatalf("Run() error = %v, want simulated crash", err)
	}
	if gate := migrationGate(t, store); gate != "0" {
		t.Errorf("gate after crash = %q, want 0", gate)
	}

	p, err := loadProgress(ctx, store.RelationalDB(), CategoryLegacyChatLance)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusInProgress {
		t.Errorf("status after crash = %s, want in_progress", p.Status)
	}
	if !strings.HasPrefix(p.LastCursor, "chat_embeddings:") {
		t.Errorf("cursor = %q, want position inside chat_embeddings", p.LastCursor)
	}
	// The first table's batch was persisted before the crash.
	if n := countCanonical(t, store, core.ChatTableName(256), "message_id", "m1"); n != 1 {
		t.Errorf("m1 rows after crash = %d, want 1", n)
	}
	if n := countCanonical(t, store, core.ChatTableName(256), "message_id", "m2"); n != 0 {
		t.Errorf("m2 rows after crash = %d, want 0", n)
	}

	// A fresh run picks up from the cursor and finishes.
	if err := New(store, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}
	for _, id := range []string{"m1", "m2"} {
		if n := countCanonical(t, store, core.ChatTableName(256), "message_id", id); n != 1 {
			t.Errorf("%s rows after resume = %d, want 1", id, n)
		}
	}
	if gate := migrationGate(t, store); gate != "1" {
		t.Errorf("gate after resume = %q, want 1", gate)
	}
}

func TestMigrateRerunIsNoOp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustExec(t, store, false,
		"CREATE TABLE rag_vectors (chunk_id TEXT PRIMARY KEY, embedding BLOB)")
	seedChunkMirror(t, store, "c1", "doc1", 0)
	mustExec(t, store, false, "INSERT INTO rag_vectors VALUES (?, ?)", "c1", rawBlob(testVec(256, 0)))

	if err := New(store, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatal(err)
	}
	first, err := loadProgress(ctx, store.RelationalDB(), CategorySQLVectors)
	if err != nil {
		t.Fatal(err)
	}

	if err := New(store, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	second, err := loadProgress(ctx, store.RelationalDB(), CategorySQLVectors)
	if err != nil {
		t.Fatal(err)
	}
	if second.TotalProcessed != first.TotalProcessed {
		t.Errorf("TotalProcessed moved on rerun: %d -> %d", first.TotalProcessed, second.TotalProcessed)
	}
	if n := countCanonical(t, store, core.KBTableName(256), "chunk_id", "c1"); n != 1 {
		t.Errorf("rerun duplicated rows: %d", n)
	}
}

func TestMigrateGateClosesOnUncoveredChunks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Mirror rows with no vector source anywhere: every category completes
	// trivially, but the destination count falls short of the mirror.
	seedChunkMirror(t, store, "c1", "doc1", 0)
	seedChunkMirror(t, store, "c2", "doc1", 1)

	if err := New(store, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if gate := migrationGate(t, store); gate != "0" {
		t.Errorf("gate = %q, want 0 with uncovered chunk mirror", gate)
	}

	// The second unverified run in a row surfaces an error.
	if err := New(store, zerolog.Nop()).Run(ctx); err == nil {
		t.Error("second unverified Run() error = nil, want consecutive-failure error")
	}
	if gate := migrationGate(t, store); gate != "0" {
		t.Errorf("gate after second run = %q, want 0", gate)
	}
}

func TestMigrateGateClosesOnUncoveredUserMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	seedMessage(t, store, "m1", "unanswered question")

	if err := New(store, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if gate := migrationGate(t, store); gate != "0" {
		t.Errorf("gate = %q, want 0 with uncovered user message", gate)
	}
}

func TestMigrateGateIgnoresNonUserMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustExec(t, store, false,
		"INSERT INTO messages (message_id, mistake_id, role, content, timestamp) VALUES (?, ?, ?, ?, ?)",
		"a1", "mistake-1", "assistant", "an answer nobody embeds", "2025-06-01T10:00:00Z")

	if err := New(store, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if gate := migrationGate(t, store); gate != "1" {
		t.Errorf("gate = %q, want 1: assistant messages carry no expectation", gate)
	}
}

func TestMigrateSkipsBrokenLegacyTable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// A legacy table whose schema the reader cannot query, followed by a
	// healthy one. The broken table must not stop the healthy one.
	broken := core.LegacyKBTableName(256)
	mustExec(t, store, true, fmt.Sprintf("CREATE TABLE %s (note TEXT)", broken))
	healthy := core.LegacyKBTableName(384)
	mustExec(t, store, true, fmt.Sprintf(
		"CREATE TABLE %s (chunk_id TEXT, document_id TEXT, embedding BLOB)", healthy))
	seedChunkMirror(t, store, "k2", "doc1", 0)
	mustExec(t, store, true, fmt.Sprintf("INSERT INTO %s VALUES (?, ?, ?)", healthy),
		"k2", "doc1", rawBlob(testVec(384, 0)))

	if err := New(store, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("Run() error = %v, want nil on first unverified run", err)
	}
	if n := countCanonical(t, store, core.KBTableName(384), "chunk_id", "k2"); n != 1 {
		t.Errorf("k2 canonical rows = %d, want 1", n)
	}
	if gate := migrationGate(t, store); gate != "0" {
		t.Errorf("gate = %q, want 0 with a skipped table", gate)
	}

	p, err := loadProgress(ctx, store.RelationalDB(), CategoryLegacyKBLance)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", p.Status)
	}
	if !strings.Contains(p.LastError, broken) {
		t.Errorf("LastError = %q, want mention of %s", p.LastError, broken)
	}
	if p.LastCursor != "" {
		t.Errorf("cursor = %q, want empty so the next run rescans", p.LastCursor)
	}

	// Still broken on the second run: now the failure surfaces.
	err = New(store, zerolog.Nop()).Run(ctx)
	if err == nil {
		t.Fatal("second Run() error = nil, want consecutive-failure error")
	}
	if !strings.Contains(err.Error(), broken) {
		t.Errorf("error = %v, want mention of %s", err, broken)
	}
}

func TestLanceCursorRoundTrip(t *testing.T) {
	tests := []struct {
		raw  string
		want lanceCursor
	}{
		{"", lanceCursor{}},
		{"chat_embeddings:42", lanceCursor{table: "chat_embeddings", rowid: 42}},
		{"kb_embeddings_d256:7", lanceCursor{table: "kb_embeddings_d256", rowid: 7}},
		{"garbage", lanceCursor{}},
	}
	for _, tt := range tests {
		got := parseLanceCursor(tt.raw)
		if got != tt.want {
			t.Errorf("parseLanceCursor(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
	if s := (lanceCursor{table: "t", rowid: 3}).String(); s != "t:3" {
		t.Errorf("String() = %s", s)
	}
	if s := (lanceCursor{}).String(); s != "" {
		t.Errorf("empty String() = %q", s)
	}
}
