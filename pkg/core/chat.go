package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/000haoji/deep-student-rag/internal/encoding"
)

// AddChatMessages upserts a homogeneous batch of chat message vectors.
// Like the knowledge-base writer, existing rows for the same message ids
// are removed from every dimension table before the append.
func (s *SQLiteStore) AddChatMessages(ctx context.Context, messages []ChatMessageVector) error {
	const op = "add_chat_messages"

	if err := s.checkWritable(op); err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	dim := len(messages[0].Embedding)
	for i := range messages {
		m := &messages[i]
		if m.MessageID == "" {
			return validationErr(op, "message %d: id cannot be empty", i)
		}
		if len(m.Embedding) != dim {
			return wrapErr(op, KindValidation, fmt.Errorf(
				"%w: message %s has dimension %d, batch started with %d",
				ErrInvalidDimension, m.MessageID, len(m.Embedding), dim))
		}
		if err := encoding.ValidateVector(m.Embedding); err != nil {
			return wrapErr(op, KindValidation, fmt.Errorf("message %s: %w", m.MessageID, err))
		}
	}

	table, err := s.ensureChatTable(ctx, dim)
	if err != nil {
		return err
	}
	dims, err := s.existingDims(ctx, kindChat)
	if err != nil {
		return unavailableErr(op, err)
	}

	ids := make([]string, len(messages))
	for i := range messages {
		ids[i] = messages[i].MessageID
	}

	tx, err := s.vec.BeginTx(ctx, nil)
	if err != nil {
		return unavailableErr(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, d := range dims {
		for _, group := range batchStrings(ids, maxDeleteBatch) {
			query, args := inQuery("DELETE FROM "+chatTableName(d)+" WHERE message_id IN (%s)", group)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return unavailableErr(op, err)
			}
		}
	}

	insert, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (message_id, mistake_id, role, timestamp, text, embedding)
		VALUES (?, ?, ?, ?, ?, ?)`, table))
	if err != nil {
		return unavailableErr(op, err)
	}
	defer func() { _ = insert.Close() }()

	for i := range messages {
		m := &messages[i]
		blob, err := encoding.EncodeVector(m.Embedding)
		if err != nil {
			return internalErr(op, err)
		}
		if _, err := insert.ExecContext(ctx, m.MessageID, m.MistakeID, m.Role, m.Timestamp,
			m.Text, blob); err != nil {
			return unavailableErr(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailableErr(op, err)
	}
	return nil
}

// SearchMessages ranks chat messages by cosine similarity to queryVec.
// An empty role matches every role.
func (s *SQLiteStore) SearchMessages(ctx context.Context, queryVec []float32, topK int, role string) ([]ScoredMessage, error) {
	const op = "search_messages"

	if err := s.checkReadable(op); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, validationErr(op, "topK must be positive")
	}
	if err := encoding.ValidateVector(queryVec); err != nil {
		return nil, wrapErr(op, KindValidation, err)
	}
	dim := len(queryVec)
	if !validDim(dim) {
		return nil, wrapErr(op, KindValidation, fmt.Errorf("%w: %d", ErrInvalidDimension, dim))
	}

	table := chatTableName(dim)
	ok, err := tableExists(ctx, s.vec, table)
	if err != nil {
		return nil, unavailableErr(op, err)
	}
	if !ok {
		return nil, nil
	}

	query := fmt.Sprintf("SELECT message_id, mistake_id, role, timestamp, text, embedding FROM %s", table)
	if role != "" {
		query += " WHERE role = " + quoteSQLString(role)
	}
	rows, err := s.vec.QueryContext(ctx, query)
	if err != nil {
		return nil, unavailableErr(op, err)
	}
	defer func() { _ = rows.Close() }()

	var scored []ScoredMessage
	for rows.Next() {
		var m ChatMessageVector
		var blob []byte
		if err := rows.Scan(&m.MessageID, &m.MistakeID, &m.Role, &m.Timestamp, &m.Text, &blob); err != nil {
			return nil, internalErr(op, err)
		}
		vec, err := encoding.DecodeVector(blob)
		if err != nil || len(vec) != dim {
			s.log.Warn().Str("message_id", m.MessageID).Msg("skipping unusable chat embedding")
			continue
		}
		m.Embedding = vec
		scored = append(scored, ScoredMessage{ChatMessageVector: m, Score: cosineSimilarity(queryVec, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailableErr(op, err)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].MessageID < scored[j].MessageID
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// SearchMessagesWithPrefilter ranks chat messages by fusing lexical and
// vector relevance, mirroring the knowledge-base hybrid path. When the
// prefilter is disabled, the query text is empty, or the hybrid query fails
// or finds nothing, it degrades to the plain vector search with the same
// role filter.
func (s *SQLiteStore) SearchMessagesWithPrefilter(ctx context.Context, queryText string, queryVec []float32, topK int, role string) ([]ScoredMessage, error) {
	const op = "search_messages_prefilter"

	if err := s.checkReadable(op); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, validationErr(op, "topK must be positive")
	}
	if err := encoding.ValidateVector(queryVec); err != nil {
		return nil, wrapErr(op, KindValidation, err)
	}
	if !validDim(len(queryVec)) {
		return nil, wrapErr(op, KindValidation, fmt.Errorf("%w: %d", ErrInvalidDimension, len(queryVec)))
	}

	t := s.loadTuning(ctx)
	queryText = strings.TrimSpace(queryText)
	if !t.PrefilterEnabled || queryText == "" {
		return s.SearchMessages(ctx, queryVec, topK, role)
	}

	results, err := s.chatHybrid(ctx, queryText, queryVec, topK, role, t)
	if err != nil {
		s.log.Warn().Err(err).Msg("chat hybrid search failed, falling back to vector search")
		return s.SearchMessages(ctx, queryVec, topK, role)
	}
	if len(results) == 0 {
		return s.SearchMessages(ctx, queryVec, topK, role)
	}
	return results, nil
}

// chatHybrid issues the single prefilter query over the chat wide table
// matching the query dimension and fuses the two rankings. A missing table
// or an empty candidate set yields no results, which the caller treats as a
// fallback signal.
func (s *SQLiteStore) chatHybrid(ctx context.Context, queryText string, queryVec []float32, topK int, role string, t searchTuning) ([]ScoredMessage, error) {
	dim := len(queryVec)
	table := chatTableName(dim)

	ok, err := tableExists(ctx, s.vec, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	fts := ftsTableName(table)
	rolePred := ""
	if role != "" {
		rolePred = " AND t.role = " + quoteSQLString(role)
	}
	query := fmt.Sprintf(`
		SELECT t.message_id, t.mistake_id, t.role, t.timestamp, t.text, t.embedding,
		       -bm25(%[1]s) AS fts_score
		FROM %[1]s
		JOIN %[2]s t ON t.rowid = %[1]s.rowid
		WHERE %[1]s MATCH ?%[3]s
		ORDER BY fts_score DESC
		LIMIT ?`, fts, table, rolePred)

	rows, err := s.vec.QueryContext(ctx, query, ftsMatchExpr(queryText), t.hybridLimit(topK))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	type chatCandidate struct {
		msg      ChatMessageVector
		ftsScore float64
		vecScore float64
		hasVec   bool
	}
	var candidates []chatCandidate
	for rows.Next() {
		var cand chatCandidate
		var blob []byte
		m := &cand.msg
		if err := rows.Scan(&m.MessageID, &m.MistakeID, &m.Role, &m.Timestamp, &m.Text, &blob, &cand.ftsScore); err != nil {
			return nil, err
		}
		if vec, err := encoding.DecodeVector(blob); err == nil && len(vec) == dim {
			m.Embedding = vec
			cand.vecScore = cosineSimilarity(queryVec, vec)
			cand.hasVec = true
		} else {
			s.log.Warn().Str("message_id", m.MessageID).Msg("candidate embedding unusable, ranking lexically only")
		}
		candidates = append(candidates, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	k := float64(t.RRFK)
	ftsScores := make([]float64, len(candidates))
	vecScores := make([]float64, len(candidates))
	for i := range candidates {
		ftsScores[i] = candidates[i].ftsScore
		vecScores[i] = candidates[i].vecScore
	}
	ftsRanks := rrfRanks(ftsScores)
	vecRanks := rrfRanks(vecScores)

	type fusedResult struct {
		sm    ScoredMessage
		fused float64
	}
	fused := make([]fusedResult, 0, len(candidates))
	for i := range candidates {
		cand := &candidates[i]
		score := t.FTSWeight / (k + float64(ftsRanks[i]))
		if cand.hasVec {
			score += t.VecWeight / (k + float64(vecRanks[i]))
		}
		reported := cand.ftsScore
		if cand.hasVec {
			reported = cand.vecScore
		}
		fused = append(fused, fusedResult{
			sm:    ScoredMessage{ChatMessageVector: cand.msg, Score: reported},
			fused: score,
		})
	}
	sort.SliceStable(fused, func(a, b int) bool {
		if fused[a].fused != fused[b].fused {
			return fused[a].fused > fused[b].fused
		}
		return fused[a].sm.MessageID < fused[b].sm.MessageID
	})

	if len(fused) > topK {
		fused = fused[:topK]
	}
	out := make([]ScoredMessage, len(fused))
	for i := range fused {
		out[i] = fused[i].sm
	}
	return out, nil
}

// ListAllMessageIDs returns every embedded message id across all chat
// dimension tables.
func (s *SQLiteStore) ListAllMessageIDs(ctx context.Context) ([]string, error) {
	const op = "list_message_ids"

	if err := s.checkReadable(op); err != nil {
		return nil, err
	}
	dims, err := s.existingDims(ctx, kindChat)
	if err != nil {
		return nil, unavailableErr(op, err)
	}

	var ids []string
	for _, d := range dims {
		rows, err := s.vec.QueryContext(ctx, fmt.Sprintf("SELECT message_id FROM %s", chatTableName(d)))
		if err != nil {
			return nil, unavailableErr(op, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, internalErr(op, err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, unavailableErr(op, err)
		}
		_ = rows.Close()
	}
	sort.Strings(ids)
	return ids, nil
}

// ExistingMessageIDs reports which of the candidate ids are already
// embedded, letting an incremental indexer skip them.
func (s *SQLiteStore) ExistingMessageIDs(ctx context.Context, candidates []string) (map[string]bool, error) {
	const op = "existing_message_ids"

	if err := s.checkReadable(op); err != nil {
		return nil, err
	}
	existing := make(map[string]bool, len(candidates))
	if len(candidates) == 0 {
		return existing, nil
	}
	dims, err := s.existingDims(ctx, kindChat)
	if err != nil {
		return nil, unavailableErr(op, err)
	}

	for _, d := range dims {
		for _, group := range batchStrings(candidates, maxDeleteBatch) {
			query, args := inQuery(
				"SELECT message_id FROM "+chatTableName(d)+" WHERE message_id IN (%s)", group)
			rows, err := s.vec.QueryContext(ctx, query, args...)
			if err != nil {
				return nil, unavailableErr(op, err)
			}
			for rows.Next() {
				var id string
				if err := rows.Scan(&id); err != nil {
					_ = rows.Close()
					return nil, internalErr(op, err)
				}
				existing[id] = true
			}
			if err := rows.Err(); err != nil {
				_ = rows.Close()
				return nil, unavailableErr(op, err)
			}
			_ = rows.Close()
		}
	}
	return existing, nil
}
