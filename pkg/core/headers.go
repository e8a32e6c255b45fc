package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// fetchDocumentHeader reads a document header. Returns KindNotFound when
// the document is unknown.
func (s *SQLiteStore) fetchDocumentHeader(ctx context.Context, docID string) (*DocumentHeader, error) {
	const op = "fetch_document_header"

	var h DocumentHeader
	var subLib sql.NullString
	var createdAt, updatedAt string
	err := s.rel.QueryRowContext(ctx, `
		SELECT document_id, file_name, sub_library_id, total_chunks, active_revision, update_state, created_at, updated_at
		FROM documents WHERE document_id = ?`, docID).
		Scan(&h.DocumentID, &h.FileName, &subLib, &h.TotalChunks, &h.ActiveRevision, &h.UpdateState, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrapErr(op, KindNotFound, fmt.Errorf("%w: document %s", ErrNotFound, docID))
	}
	if err != nil {
		return nil, unavailableErr(op, err)
	}

	h.SubLibraryID = subLib.String
	h.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	h.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &h, nil
}

// activeRevisions returns the active revision per document id, defaulting
// to "A" for documents without a header.
func (s *SQLiteStore) activeRevisions(ctx context.Context, docIDs []string) (map[string]string, error) {
	revisions := make(map[string]string, len(docIDs))
	for _, id := range docIDs {
		revisions[id] = "A"
	}
	if len(docIDs) == 0 {
		return revisions, nil
	}

	for _, group := range batchStrings(docIDs, maxDeleteBatch) {
		query, args := inQuery(
			"SELECT document_id, active_revision FROM documents WHERE document_id IN (%s)", group)
		rows, err := s.rel.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var id, rev string
			if err := rows.Scan(&id, &rev); err != nil {
				_ = rows.Close()
				return nil, err
			}
			if rev != "" {
				revisions[id] = rev
			}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return revisions, nil
}

// AddDocumentRecordWithLibrary persists a document header in the relational
// store. The vector side is untouched; chunks arrive later via AddChunks.
func (s *SQLiteStore) AddDocumentRecordWithLibrary(ctx context.Context, header DocumentHeader) error {
	const op = "add_document_record"

	if err := s.checkWritable(op); err != nil {
		return err
	}
	if header.DocumentID == "" {
		return validationErr(op, "document id cannot be empty")
	}
	if header.ActiveRevision == "" {
		header.ActiveRevision = "A"
	}

	subLib := sql.NullString{String: header.SubLibraryID, Valid: header.SubLibraryID != ""}
	_, err := s.rel.ExecContext(ctx, `
		INSERT INTO documents (document_id, file_name, sub_library_id, total_chunks, active_revision, update_state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			file_name = excluded.file_name,
			sub_library_id = excluded.sub_library_id,
			total_chunks = excluded.total_chunks,
			active_revision = excluded.active_revision,
			update_state = excluded.update_state,
			updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		header.DocumentID, header.FileName, subLib, header.TotalChunks, header.ActiveRevision, header.UpdateState)
	if err != nil {
		return unavailableErr(op, err)
	}
	return nil
}

// SetActiveRevision flips a document's active revision pointer. This is the
// commit point of an online content replacement.
func (s *SQLiteStore) SetActiveRevision(ctx context.Context, docID, revision string) error {
	const op = "set_active_revision"

	if err := s.checkWritable(op); err != nil {
		return err
	}
	res, err := s.rel.ExecContext(ctx, `
		UPDATE documents SET active_revision = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE document_id = ?`, revision, docID)
	if err != nil {
		return unavailableErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapErr(op, KindNotFound, fmt.Errorf("%w: document %s", ErrNotFound, docID))
	}
	return nil
}

// CreateSubLibrary adds a named chunk bucket. An empty ID gets a fresh
// UUID; the stored id is returned either way.
func (s *SQLiteStore) CreateSubLibrary(ctx context.Context, lib SubLibrary) (string, error) {
	const op = "create_sub_library"

	if err := s.checkWritable(op); err != nil {
		return "", err
	}
	if lib.ID == "" {
		lib.ID = uuid.NewString()
	}
	if lib.Name == "" {
		lib.Name = lib.ID
	}
	if _, err := s.rel.ExecContext(ctx,
		"INSERT OR IGNORE INTO sub_libraries (id, name) VALUES (?, ?)", lib.ID, lib.Name); err != nil {
		return "", unavailableErr(op, err)
	}
	return lib.ID, nil
}

// ListSubLibraries returns all sub-libraries in id order.
func (s *SQLiteStore) ListSubLibraries(ctx context.Context) ([]SubLibrary, error) {
	const op = "list_sub_libraries"

	if err := s.checkReadable(op); err != nil {
		return nil, err
	}
	rows, err := s.rel.QueryContext(ctx, "SELECT id, name, created_at FROM sub_libraries ORDER BY id")
	if err != nil {
		return nil, unavailableErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	var libs []SubLibrary
	for rows.Next() {
		var lib SubLibrary
		var createdAt string
		if err := rows.Scan(&lib.ID, &lib.Name, &createdAt); err != nil {
			return nil, internalErr(op, err)
		}
		lib.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		libs = append(libs, lib)
	}
	return libs, rows.Err()
}

// DeleteSubLibrary removes a sub-library. The default library is reserved.
// When cascade is true the library's chunks and documents are deleted;
// otherwise documents are re-homed to the default library and their chunks
// re-labeled in every wide table.
func (s *SQLiteStore) DeleteSubLibrary(ctx context.Context, libID string, cascade bool) error {
	const op = "delete_sub_library"

	if err := s.checkWritable(op); err != nil {
		return err
	}
	if libID == DefaultSubLibraryID {
		return wrapErr(op, KindValidation, ErrReservedLibrary)
	}

	rows, err := s.rel.QueryContext(ctx, "SELECT document_id FROM documents WHERE sub_library_id = ?", libID)
	if err != nil {
		return unavailableErr(op, err)
	}
	var docIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return internalErr(op, err)
		}
		docIDs = append(docIDs, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return unavailableErr(op, err)
	}
	_ = rows.Close()

	if cascade {
		for _, docID := range docIDs {
			if err := s.DeleteChunksByDocumentID(ctx, docID); err != nil {
				return err
			}
		}
	} else {
		if _, err := s.rel.ExecContext(ctx,
			"UPDATE documents SET sub_library_id = ? WHERE sub_library_id = ?",
			DefaultSubLibraryID, libID); err != nil {
			return unavailableErr(op, err)
		}
		dims, err := s.existingDims(ctx, kindKB)
		if err != nil {
			return unavailableErr(op, err)
		}
		for _, d := range dims {
			if _, err := s.vec.ExecContext(ctx, fmt.Sprintf(
				"UPDATE %s SET sub_library_id = ? WHERE sub_library_id = ?", kbTableName(d)),
				DefaultSubLibraryID, libID); err != nil {
				return unavailableErr(op, err)
			}
		}
	}

	if _, err := s.rel.ExecContext(ctx, "DELETE FROM sub_libraries WHERE id = ?", libID); err != nil {
		return unavailableErr(op, err)
	}
	return nil
}

// MoveDocumentToLibrary re-homes one document and its chunks to another
// sub-library.
func (s *SQLiteStore) MoveDocumentToLibrary(ctx context.Context, docID, libID string) error {
	const op = "move_document"

	if err := s.checkWritable(op); err != nil {
		return err
	}
	res, err := s.rel.ExecContext(ctx, `
		UPDATE documents SET sub_library_id = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE document_id = ?`, libID, docID)
	if err != nil {
		return unavailableErr(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrapErr(op, KindNotFound, fmt.Errorf("%w: document %s", ErrNotFound, docID))
	}

	dims, err := s.existingDims(ctx, kindKB)
	if err != nil {
		return unavailableErr(op, err)
	}
	for _, d := range dims {
		if _, err := s.vec.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET sub_library_id = ? WHERE document_id = ?", kbTableName(d)),
			libID, docID); err != nil {
			return unavailableErr(op, err)
		}
	}
	return nil
}
