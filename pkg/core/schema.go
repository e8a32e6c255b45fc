package core

import (
	"fmt"
	"strings"
)

// candidateDims is the closed set of embedding dimensions the store accepts.
// Physical partitioning by dimension lets heterogeneous embedding models
// coexist without padding or projection.
var candidateDims = []int{256, 384, 512, 768, 1024, 1536, 2048, 3072, 4096}

// ftsExpectedVersion tags the current full-text index build. Bumping it
// forces a replace-in-place rebuild of every FTS table on next open.
const ftsExpectedVersion = "2024-05-kb-ngram-v1"

// tableKind selects between the knowledge-base and chat wide tables.
type tableKind int

const (
	kindKB tableKind = iota
	kindChat
)

func (k tableKind) String() string {
	if k == kindChat {
		return "chat"
	}
	return "kb"
}

// CandidateDims returns the accepted embedding dimensions in ascending
// order. The slice is a copy.
func CandidateDims() []int {
	out := make([]int, len(candidateDims))
	copy(out, candidateDims)
	return out
}

// IsValidDim reports whether d is an accepted embedding dimension.
func IsValidDim(d int) bool {
	return validDim(d)
}

// validDim reports whether d is in the candidate dimension set.
func validDim(d int) bool {
	for _, cd := range candidateDims {
		if cd == d {
			return true
		}
	}
	return false
}

// kbTableName returns the canonical knowledge-base wide table for dimension d.
func kbTableName(d int) string {
	return fmt.Sprintf("kb_chunks_v2_d%d", d)
}

// chatTableName returns the canonical chat wide table for dimension d.
func chatTableName(d int) string {
	return fmt.Sprintf("chat_embeddings_v2_d%d", d)
}

// legacyKBTableName returns the legacy narrow columnar table for dimension d.
func legacyKBTableName(d int) string {
	return fmt.Sprintf("kb_embeddings_d%d", d)
}

// legacyChatTableName returns the legacy chat columnar table for dimension d.
func legacyChatTableName(d int) string {
	return fmt.Sprintf("chat_embeddings_d%d", d)
}

// KBTableName returns the canonical knowledge-base table for dimension d.
// Exported for migration and diagnostics tooling.
func KBTableName(d int) string { return kbTableName(d) }

// ChatTableName returns the canonical chat table for dimension d.
func ChatTableName(d int) string { return chatTableName(d) }

// LegacyKBTableName returns the prior-layout knowledge-base table for
// dimension d.
func LegacyKBTableName(d int) string { return legacyKBTableName(d) }

// LegacyChatTableName returns the prior-layout chat table for dimension d.
func LegacyChatTableName(d int) string { return legacyChatTableName(d) }

func tableName(kind tableKind, d int) string {
	if kind == kindChat {
		return chatTableName(d)
	}
	return kbTableName(d)
}

func ftsTableName(table string) string {
	return table + "_fts"
}

// kbTableDDL builds the canonical knowledge-base wide table. The embedding
// column holds length-prefixed little-endian float32 blobs; every row in one
// table carries the same dimension.
func kbTableDDL(d int) string {
	table := kbTableName(d)
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		chunk_id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		sub_library_id TEXT,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		metadata TEXT,
		created_at TEXT NOT NULL,
		embedding BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_document_id ON %[1]s(document_id);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_sub_library_id ON %[1]s(sub_library_id);
	`, table)
}

// chatTableDDL builds the canonical chat wide table.
func chatTableDDL(d int) string {
	table := chatTableName(d)
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		message_id TEXT PRIMARY KEY,
		mistake_id TEXT NOT NULL,
		role TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		text TEXT NOT NULL,
		embedding BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_mistake_id ON %[1]s(mistake_id);
	CREATE INDEX IF NOT EXISTS idx_%[1]s_role ON %[1]s(role);
	`, table)
}

// ftsDDL builds the external-content FTS5 table over a wide table's text
// column plus the triggers keeping it in sync.
func ftsDDL(table, tokenize string) string {
	fts := ftsTableName(table)
	return fmt.Sprintf(`
	CREATE VIRTUAL TABLE IF NOT EXISTS %[1]s USING fts5(text, content='%[2]s', content_rowid='rowid', tokenize=%[3]s);

	CREATE TRIGGER IF NOT EXISTS %[2]s_fts_ai AFTER INSERT ON %[2]s BEGIN
	  INSERT INTO %[1]s(rowid, text) VALUES (new.rowid, new.text);
	END;
	CREATE TRIGGER IF NOT EXISTS %[2]s_fts_ad AFTER DELETE ON %[2]s BEGIN
	  INSERT INTO %[1]s(%[1]s, rowid, text) VALUES('delete', old.rowid, old.text);
	END;
	CREATE TRIGGER IF NOT EXISTS %[2]s_fts_au AFTER UPDATE ON %[2]s BEGIN
	  INSERT INTO %[1]s(%[1]s, rowid, text) VALUES('delete', old.rowid, old.text);
	  INSERT INTO %[1]s(rowid, text) VALUES (new.rowid, new.text);
	END;
	`, fts, table, tokenize)
}

// ftsDropDDL removes an FTS table and its sync triggers ahead of a
// replace-in-place rebuild.
func ftsDropDDL(table string) string {
	fts := ftsTableName(table)
	return fmt.Sprintf(`
	DROP TRIGGER IF EXISTS %[2]s_fts_ai;
	DROP TRIGGER IF EXISTS %[2]s_fts_ad;
	DROP TRIGGER IF EXISTS %[2]s_fts_au;
	DROP TABLE IF EXISTS %[1]s;
	`, fts, table)
}

// relationalDDL creates the relational-store tables this core owns or
// consumes. Existing application tables are left untouched by IF NOT EXISTS.
const relationalDDL = `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	document_id TEXT PRIMARY KEY,
	file_name TEXT NOT NULL DEFAULT '',
	sub_library_id TEXT,
	total_chunks INTEGER NOT NULL DEFAULT 0,
	active_revision TEXT NOT NULL DEFAULT 'A',
	update_state TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS chunks (
	chunk_id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL,
	chunk_index INTEGER NOT NULL,
	text TEXT NOT NULL,
	metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON chunks(document_id);

CREATE TABLE IF NOT EXISTS messages (
	message_id TEXT PRIMARY KEY,
	mistake_id TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sub_libraries (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);

CREATE TABLE IF NOT EXISTS migration_progress (
	category TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'pending',
	last_cursor TEXT NOT NULL DEFAULT '',
	total_processed INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
);
`

// quoteSQLString doubles single quotes for embedding a value into a
// predicate string.
func quoteSQLString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
