package migrate

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/000haoji/deep-student-rag/internal/encoding"
	"github.com/000haoji/deep-student-rag/internal/textutil"
	"github.com/000haoji/deep-student-rag/pkg/core"
)

// migrateSQLVectors moves embeddings out of the relational rag_vectors
// table. Rows join against the chunk mirror for their text and document;
// rows whose chunk is gone or whose blob does not decode to an accepted
// dimension are skipped and sampled into the progress row.
func (c *Coordinator) migrateSQLVectors(ctx context.Context, p *Progress) error {
	rel := c.store.RelationalDB()

	ok, err := tableExists(ctx, rel, "rag_vectors")
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	sampler := &skipSampler{}
	for {
		rows, err := rel.QueryContext(ctx, `
			SELECT v.chunk_id, v.embedding, c.document_id, c.chunk_index, c.text, c.metadata
			FROM rag_vectors v
			LEFT JOIN chunks c ON c.chunk_id = v.chunk_id
			WHERE v.chunk_id > ?
			ORDER BY v.chunk_id
			LIMIT ?`, p.LastCursor, sqlVectorsBatch)
		if err != nil {
			return &tableError{table: "rag_vectors", err: err}
		}

		var fetched int
		var lastID string
		byDim := make(map[int][]core.Chunk)
		for rows.Next() {
			var chunkID string
			var blob []byte
			var docID, text, metadata sql.NullString
			var chunkIndex sql.NullInt64
			if err := rows.Scan(&chunkID, &blob, &docID, &chunkIndex, &text, &metadata); err != nil {
				_ = rows.Close()
				return &tableError{table: "rag_vectors", err: err}
			}
			fetched++
			lastID = chunkID

			if !docID.Valid {
				sampler.add(chunkID)
				continue
			}
			vec, err := encoding.DecodeRawVector(blob)
			if err != nil || !core.IsValidDim(len(vec)) {
				sampler.add(chunkID)
				continue
			}
			chunk := core.Chunk{
				ID:         chunkID,
				DocumentID: docID.String,
				ChunkIndex: int(chunkIndex.Int64),
				Text:       text.String,
				Embedding:  vec,
			}
			if metadata.Valid {
				if meta, err := encoding.DecodeMetadata(metadata.String); err == nil {
					chunk.Metadata = meta
				}
			}
			byDim[len(vec)] = append(byDim[len(vec)], chunk)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return &tableError{table: "rag_vectors", err: err}
		}
		_ = rows.Close()

		if fetched == 0 {
			break
		}

		if err := addChunksByDim(ctx, c.store, byDim); err != nil {
			return err
		}

		p.TotalProcessed += int64(fetched)
		p.LastCursor = lastID
		p.LastError = sampler.summary("unjoinable or undecodable rows")
		if err := c.commitBatch(ctx, p, fetched); err != nil {
			return err
		}
		if fetched < sqlVectorsBatch {
			break
		}
	}
	return nil
}

// addChunksByDim upserts per-dimension groups in ascending dimension order
// so repeated runs behave identically.
func addChunksByDim(ctx context.Context, store *core.SQLiteStore, byDim map[int][]core.Chunk) error {
	dims := make([]int, 0, len(byDim))
	for d := range byDim {
		dims = append(dims, d)
	}
	sort.Ints(dims)
	for _, d := range dims {
		if err := store.AddChunks(ctx, byDim[d]); err != nil {
			return err
		}
	}
	return nil
}

// migrateLegacyKB moves the prior columnar knowledge-base tables into the
// current layout, one table at a time in dimension order, resuming from a
// "table:rowid" cursor.
func (c *Coordinator) migrateLegacyKB(ctx context.Context, p *Progress) error {
	vec := c.store.VectorDB()

	var tables []string
	for _, d := range core.CandidateDims() {
		table := core.LegacyKBTableName(d)
		if ok, err := tableExists(ctx, vec, table); err != nil {
			return err
		} else if ok {
			tables = append(tables, table)
		}
	}
	if len(tables) == 0 {
		return nil
	}

	cursor := parseLanceCursor(p.LastCursor)
	sampler := &skipSampler{}

	var skipped []error
	for _, table := range tables {
		if cursor.table != "" && cursor.table != table {
			continue
		}
		startRowid := int64(0)
		if cursor.table == table {
			startRowid = cursor.rowid
		}
		if err := c.migrateLegacyKBTable(ctx, p, table, startRowid, sampler); err != nil {
			var te *tableError
			if errors.As(err, &te) {
				skipped = append(skipped, err)
				cursor = lanceCursor{}
				continue
			}
			return err
		}
		// Table drained; the cursor moves to the next one from zero.
		cursor = lanceCursor{}
	}
	if len(skipped) > 0 {
		return errors.Join(skipped...)
	}
	return nil
}

func (c *Coordinator) migrateLegacyKBTable(ctx context.Context, p *Progress, table string, startRowid int64, sampler *skipSampler) error {
	vec := c.store.VectorDB()
	rel := c.store.RelationalDB()

	rowid := startRowid
	for {
		rows, err := vec.QueryContext(ctx,
			"SELECT rowid, chunk_id, document_id, embedding FROM "+table+
				" WHERE rowid > ? ORDER BY rowid LIMIT ?", rowid, legacyLanceBatch)
		if err != nil {
			return &tableError{table: table, err: err}
		}

		type legacyRow struct {
			rowid   int64
			chunkID string
			docID   string
			vec     []float32
		}
		var fetched int
		var usable []legacyRow
		for rows.Next() {
			var r legacyRow
			var blob []byte
			var docID sql.NullString
			if err := rows.Scan(&r.rowid, &r.chunkID, &docID, &blob); err != nil {
				_ = rows.Close()
				return &tableError{table: table, err: err}
			}
			fetched++
			rowid = r.rowid

			v, err := encoding.DecodeRawVector(blob)
			if err != nil || !core.IsValidDim(len(v)) {
				sampler.add(r.chunkID)
				continue
			}
			r.docID = docID.String
			r.vec = v
			usable = append(usable, r)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return &tableError{table: table, err: err}
		}
		_ = rows.Close()

		if fetched == 0 {
			break
		}

		byDim := make(map[int][]core.Chunk)
		for _, r := range usable {
			var chunkIndex sql.NullInt64
			var text, metadata sql.NullString
			err := rel.QueryRowContext(ctx,
				"SELECT chunk_index, text, metadata FROM chunks WHERE chunk_id = ?", r.chunkID).
				Scan(&chunkIndex, &text, &metadata)
			if err == sql.ErrNoRows {
				sampler.add(r.chunkID)
				continue
			}
			if err != nil {
				return err
			}
			chunk := core.Chunk{
				ID:         r.chunkID,
				DocumentID: r.docID,
				ChunkIndex: int(chunkIndex.Int64),
				Text:       text.String,
				Embedding:  r.vec,
			}
			if metadata.Valid {
				if meta, err := encoding.DecodeMetadata(metadata.String); err == nil {
					chunk.Metadata = meta
				}
			}
			byDim[len(r.vec)] = append(byDim[len(r.vec)], chunk)
		}

		if err := addChunksByDim(ctx, c.store, byDim); err != nil {
			return err
		}

		p.TotalProcessed += int64(fetched)
		p.LastCursor = lanceCursor{table: table, rowid: rowid}.String()
		p.LastError = sampler.summary("unjoinable or undecodable rows")
		if err := c.commitBatch(ctx, p, fetched); err != nil {
			return err
		}
		if fetched < legacyLanceBatch {
			break
		}
	}
	return nil
}

// migrateLegacyChat moves the prior chat embedding tables, including the
// original un-dimensioned chat_embeddings table whose dimension comes from
// the blob length. Duplicate message ids within a table resolve to the
// highest rowid.
func (c *Coordinator) migrateLegacyChat(ctx context.Context, p *Progress) error {
	vec := c.store.VectorDB()

	var tables []string
	if ok, err := tableExists(ctx, vec, "chat_embeddings"); err != nil {
		return err
	} else if ok {
		tables = append(tables, "chat_embeddings")
	}
	for _, d := range core.CandidateDims() {
		table := core.LegacyChatTableName(d)
		if ok, err := tableExists(ctx, vec, table); err != nil {
			return err
		} else if ok {
			tables = append(tables, table)
		}
	}
	if len(tables) == 0 {
		return nil
	}

	cursor := parseLanceCursor(p.LastCursor)
	sampler := &skipSampler{}

	var skipped []error
	for _, table := range tables {
		if cursor.table != "" && cursor.table != table {
			continue
		}
		startRowid := int64(0)
		if cursor.table == table {
			startRowid = cursor.rowid
		}
		if err := c.migrateLegacyChatTable(ctx, p, table, startRowid, sampler); err != nil {
			var te *tableError
			if errors.As(err, &te) {
				skipped = append(skipped, err)
				cursor = lanceCursor{}
				continue
			}
			return err
		}
		cursor = lanceCursor{}
	}
	if len(skipped) > 0 {
		return errors.Join(skipped...)
	}
	return nil
}

func (c *Coordinator) migrateLegacyChatTable(ctx context.Context, p *Progress, table string, startRowid int64, sampler *skipSampler) error {
	vec := c.store.VectorDB()
	rel := c.store.RelationalDB()

	rowid := startRowid
	for {
		rows, err := vec.QueryContext(ctx,
			"SELECT rowid, message_id, embedding FROM "+table+
				" WHERE rowid > ? ORDER BY rowid LIMIT ?", rowid, legacyLanceBatch)
		if err != nil {
			return &tableError{table: table, err: err}
		}

		type chatRow struct {
			rowid     int64
			messageID string
			vec       []float32
		}
		var fetched int
		// Later rowids overwrite earlier ones within the batch.
		latest := make(map[string]chatRow)
		var order []string
		for rows.Next() {
			var r chatRow
			var blob []byte
			if err := rows.Scan(&r.rowid, &r.messageID, &blob); err != nil {
				_ = rows.Close()
				return &tableError{table: table, err: err}
			}
			fetched++
			rowid = r.rowid

			v, err := encoding.DecodeRawVector(blob)
			if err != nil || !core.IsValidDim(len(v)) {
				sampler.add(r.messageID)
				continue
			}
			r.vec = v
			if _, seen := latest[r.messageID]; !seen {
				order = append(order, r.messageID)
			}
			latest[r.messageID] = r
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return &tableError{table: table, err: err}
		}
		_ = rows.Close()

		if fetched == 0 {
			break
		}

		byDim := make(map[int][]core.ChatMessageVector)
		for _, id := range order {
			r := latest[id]
			var mistakeID, role, content, timestamp sql.NullString
			err := rel.QueryRowContext(ctx,
				"SELECT mistake_id, role, content, timestamp FROM messages WHERE message_id = ?", id).
				Scan(&mistakeID, &role, &content, &timestamp)
			if err == sql.ErrNoRows {
				sampler.add(id)
				continue
			}
			if err != nil {
				return err
			}
			msg := core.ChatMessageVector{
				MessageID: id,
				MistakeID: mistakeID.String,
				Role:      role.String,
				Timestamp: timestamp.String,
				Text:      textutil.ExtractPlainText(content.String),
				Embedding: r.vec,
			}
			byDim[len(r.vec)] = append(byDim[len(r.vec)], msg)
		}

		dims := make([]int, 0, len(byDim))
		for d := range byDim {
			dims = append(dims, d)
		}
		sort.Ints(dims)
		for _, d := range dims {
			if err := c.store.AddChatMessages(ctx, byDim[d]); err != nil {
				return err
			}
		}

		p.TotalProcessed += int64(fetched)
		p.LastCursor = lanceCursor{table: table, rowid: rowid}.String()
		p.LastError = sampler.summary("unjoinable or undecodable rows")
		if err := c.commitBatch(ctx, p, fetched); err != nil {
			return err
		}
		if fetched < legacyLanceBatch {
			break
		}
	}
	return nil
}
