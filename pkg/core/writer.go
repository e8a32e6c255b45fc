package core

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/000haoji/deep-student-rag/internal/encoding"
)

// SQLite caps bound parameters per statement; stay well under it.
const maxDeleteBatch = 900

// batchStrings splits ids into groups of at most size.
func batchStrings(ids []string, size int) [][]string {
	if size <= 0 {
		size = maxDeleteBatch
	}
	var groups [][]string
	for len(ids) > 0 {
		n := size
		if len(ids) < n {
			n = len(ids)
		}
		groups = append(groups, ids[:n])
		ids = ids[n:]
	}
	return groups
}

// inQuery expands a query with an IN(...) placeholder list for ids.
func inQuery(format string, ids []string) (string, []interface{}) {
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return fmt.Sprintf(format, placeholders), args
}

// AddChunks upserts a homogeneous batch of chunks for their documents.
// Existing rows for the same chunk ids are removed from every dimension
// table first, so a chunk re-embedded at a new dimension never leaves a
// stale twin behind. The vector transaction stays open across the
// relational mirror write; a relational failure rolls back both sides.
func (s *SQLiteStore) AddChunks(ctx context.Context, chunks []Chunk) error {
	const op = "add_chunks"

	if err := s.checkWritable(op); err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	dim := len(chunks[0].Embedding)
	for i := range chunks {
		c := &chunks[i]
		if c.ID == "" {
			return validationErr(op, "chunk %d: id cannot be empty", i)
		}
		if c.DocumentID == "" {
			return validationErr(op, "chunk %s: document id cannot be empty", c.ID)
		}
		if len(c.Embedding) != dim {
			return wrapErr(op, KindValidation, fmt.Errorf(
				"%w: chunk %s has dimension %d, batch started with %d",
				ErrInvalidDimension, c.ID, len(c.Embedding), dim))
		}
		if err := encoding.ValidateVector(c.Embedding); err != nil {
			return wrapErr(op, KindValidation, fmt.Errorf("chunk %s: %w", c.ID, err))
		}
	}
	table, err := s.ensureKBTable(ctx, dim)
	if err != nil {
		return err
	}

	// One timestamp for the whole batch keeps revision grouping stable.
	createdAt := time.Now().UTC().Format(time.RFC3339)
	docIDs := make([]string, 0, 4)
	seenDocs := make(map[string]bool)
	chunkIDs := make([]string, len(chunks))
	for i := range chunks {
		chunkIDs[i] = chunks[i].ID
		if !seenDocs[chunks[i].DocumentID] {
			seenDocs[chunks[i].DocumentID] = true
			docIDs = append(docIDs, chunks[i].DocumentID)
		}
	}

	// Chunks without an explicit sub-library inherit the document header's.
	headerLibs := make(map[string]string, len(docIDs))
	for _, docID := range docIDs {
		h, err := s.fetchDocumentHeader(ctx, docID)
		if err != nil {
			if ErrKind(err) == KindNotFound {
				continue
			}
			return err
		}
		headerLibs[docID] = h.SubLibraryID
	}

	dims, err := s.existingDims(ctx, kindKB)
	if err != nil {
		return unavailableErr(op, err)
	}

	vecTx, err := s.vec.BeginTx(ctx, nil)
	if err != nil {
		return unavailableErr(op, err)
	}
	defer func() { _ = vecTx.Rollback() }()

	for _, d := range dims {
		for _, group := range batchStrings(chunkIDs, maxDeleteBatch) {
			query, args := inQuery("DELETE FROM "+kbTableName(d)+" WHERE chunk_id IN (%s)", group)
			if _, err := vecTx.ExecContext(ctx, query, args...); err != nil {
				return unavailableErr(op, err)
			}
		}
	}

	insert, err := vecTx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (chunk_id, document_id, sub_library_id, chunk_index, text, metadata, created_at, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, table))
	if err != nil {
		return unavailableErr(op, err)
	}
	defer func() { _ = insert.Close() }()

	for i := range chunks {
		c := &chunks[i]
		lib := c.SubLibraryID
		if lib == "" {
			lib = headerLibs[c.DocumentID]
		}
		meta, err := encoding.EncodeMetadata(c.Metadata)
		if err != nil {
			return internalErr(op, err)
		}
		blob, err := encoding.EncodeVector(c.Embedding)
		if err != nil {
			return internalErr(op, err)
		}
		libVal := sql.NullString{String: lib, Valid: lib != ""}
		if _, err := insert.ExecContext(ctx, c.ID, c.DocumentID, libVal, c.ChunkIndex,
			c.Text, meta, createdAt, blob); err != nil {
			return unavailableErr(op, err)
		}
	}

	// Relational mirror commits inside the open vector transaction.
	if err := s.mirrorChunks(ctx, chunks); err != nil {
		return err
	}

	if err := vecTx.Commit(); err != nil {
		return unavailableErr(op, err)
	}

	for i := range chunks {
		c := &chunks[i]
		lib := c.SubLibraryID
		if lib == "" {
			lib = headerLibs[c.DocumentID]
		}
		s.cache.Put(c.ID, c.Embedding, c.DocumentID, lib)
	}
	return nil
}

// mirrorChunks writes the relational chunk mirror and bumps per-document
// chunk counts, all in one transaction.
func (s *SQLiteStore) mirrorChunks(ctx context.Context, chunks []Chunk) error {
	const op = "mirror_chunks"

	tx, err := s.rel.BeginTx(ctx, nil)
	if err != nil {
		return unavailableErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (chunk_id, document_id, chunk_index, text, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			document_id = excluded.document_id,
			chunk_index = excluded.chunk_index,
			text = excluded.text,
			metadata = excluded.metadata`)
	if err != nil {
		return unavailableErr(op, err)
	}
	defer func() { _ = stmt.Close() }()

	counts := make(map[string]int)
	for i := range chunks {
		c := &chunks[i]
		meta, err := encoding.EncodeMetadata(c.Metadata)
		if err != nil {
			return internalErr(op, err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.ChunkIndex, c.Text, meta); err != nil {
			return unavailableErr(op, err)
		}
		counts[c.DocumentID]++
	}
	for docID := range counts {
		if _, err := tx.ExecContext(ctx, `
			UPDATE documents SET
				total_chunks = (SELECT COUNT(*) FROM chunks WHERE document_id = ?),
				updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE document_id = ?`, docID, docID); err != nil {
			return unavailableErr(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailableErr(op, err)
	}
	return nil
}

// DeleteChunksByDocumentID removes a document, its chunks in every wide
// table, and its relational mirror rows.
func (s *SQLiteStore) DeleteChunksByDocumentID(ctx context.Context, docID string) error {
	const op = "delete_document_chunks"

	if err := s.checkWritable(op); err != nil {
		return err
	}
	if docID == "" {
		return validationErr(op, "document id cannot be empty")
	}

	ids, err := s.documentChunkIDs(ctx, docID)
	if err != nil {
		return unavailableErr(op, err)
	}
	if err := s.deleteVectorRowsByDocument(ctx, docID); err != nil {
		return unavailableErr(op, err)
	}

	tx, err := s.rel.BeginTx(ctx, nil)
	if err != nil {
		return unavailableErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", docID); err != nil {
		return unavailableErr(op, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM documents WHERE document_id = ?", docID); err != nil {
		return unavailableErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return unavailableErr(op, err)
	}
	s.cache.Remove(ids...)
	return nil
}

func (s *SQLiteStore) documentChunkIDs(ctx context.Context, docID string) ([]string, error) {
	rows, err := s.rel.QueryContext(ctx, "SELECT chunk_id FROM chunks WHERE document_id = ?", docID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClearDocumentChunksKeepHeader removes a document's chunks everywhere but
// leaves the header row in place, zeroing its chunk count. Used when a
// document is about to be re-ingested.
func (s *SQLiteStore) ClearDocumentChunksKeepHeader(ctx context.Context, docID string) error {
	const op = "clear_document_chunks"

	if err := s.checkWritable(op); err != nil {
		return err
	}
	if docID == "" {
		return validationErr(op, "document id cannot be empty")
	}

	ids, err := s.documentChunkIDs(ctx, docID)
	if err != nil {
		return unavailableErr(op, err)
	}
	if err := s.deleteVectorRowsByDocument(ctx, docID); err != nil {
		return unavailableErr(op, err)
	}
	tx, err := s.rel.BeginTx(ctx, nil)
	if err != nil {
		return unavailableErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document_id = ?", docID); err != nil {
		return unavailableErr(op, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET total_chunks = 0, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE document_id = ?`, docID); err != nil {
		return unavailableErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return unavailableErr(op, err)
	}
	s.cache.Remove(ids...)
	return nil
}

func (s *SQLiteStore) deleteVectorRowsByDocument(ctx context.Context, docID string) error {
	dims, err := s.existingDims(ctx, kindKB)
	if err != nil {
		return err
	}
	for _, d := range dims {
		if _, err := s.vec.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE document_id = ?", kbTableName(d)), docID); err != nil {
			return err
		}
	}
	for _, d := range candidateDims {
		legacy := legacyKBTableName(d)
		ok, err := tableExists(ctx, s.vec, legacy)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if _, err := s.vec.ExecContext(ctx,
			"DELETE FROM "+legacy+" WHERE document_id = ?", docID); err != nil {
			return err
		}
	}
	return nil
}

// DeleteChunksByIDs removes specific chunks from every wide table and the
// relational mirror. Unknown ids are ignored.
func (s *SQLiteStore) DeleteChunksByIDs(ctx context.Context, chunkIDs []string) error {
	const op = "delete_chunks"

	if err := s.checkWritable(op); err != nil {
		return err
	}
	if len(chunkIDs) == 0 {
		return nil
	}

	dims, err := s.existingDims(ctx, kindKB)
	if err != nil {
		return unavailableErr(op, err)
	}
	for _, group := range batchStrings(chunkIDs, maxDeleteBatch) {
		for _, d := range dims {
			query, args := inQuery("DELETE FROM "+kbTableName(d)+" WHERE chunk_id IN (%s)", group)
			if _, err := s.vec.ExecContext(ctx, query, args...); err != nil {
				return unavailableErr(op, err)
			}
		}
		query, args := inQuery("DELETE FROM chunks WHERE chunk_id IN (%s)", group)
		if _, err := s.rel.ExecContext(ctx, query, args...); err != nil {
			return unavailableErr(op, err)
		}
	}
	s.cache.Remove(chunkIDs...)
	return nil
}

// LoadDocumentChunks returns a document's chunks in chunk_index order,
// embeddings included, searching all dimension tables.
func (s *SQLiteStore) LoadDocumentChunks(ctx context.Context, docID string) ([]Chunk, error) {
	const op = "load_document_chunks"

	if err := s.checkReadable(op); err != nil {
		return nil, err
	}
	dims, err := s.existingDims(ctx, kindKB)
	if err != nil {
		return nil, unavailableErr(op, err)
	}

	var chunks []Chunk
	for _, d := range dims {
		rows, err := s.vec.QueryContext(ctx, fmt.Sprintf(`
			SELECT chunk_id, document_id, sub_library_id, chunk_index, text, metadata, created_at, embedding
			FROM %s WHERE document_id = ? ORDER BY chunk_index`, kbTableName(d)), docID)
		if err != nil {
			return nil, unavailableErr(op, err)
		}
		batch, err := scanChunkRows(rows)
		if err != nil {
			return nil, internalErr(op, err)
		}
		chunks = append(chunks, batch...)
	}
	return chunks, nil
}

func scanChunkRows(rows *sql.Rows) ([]Chunk, error) {
	defer func() { _ = rows.Close() }()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var subLib, metadata sql.NullString
		var blob []byte
		if err := rows.Scan(&c.ID, &c.DocumentID, &subLib, &c.ChunkIndex, &c.Text, &metadata, &c.CreatedAt, &blob); err != nil {
			return nil, err
		}
		c.SubLibraryID = subLib.String
		vec, err := encoding.DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		c.Embedding = vec
		if metadata.Valid {
			meta, err := encoding.DecodeMetadata(metadata.String)
			if err != nil {
				return nil, fmt.Errorf("chunk %s: %w", c.ID, err)
			}
			c.Metadata = meta
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
