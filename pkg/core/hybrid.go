package core

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/000haoji/deep-student-rag/internal/encoding"
)

// hybridStrategy runs one lexically prefiltered vector search: the
// full-text index proposes candidates, cosine similarity re-ranks them,
// and reciprocal-rank fusion orders the final list.
type hybridStrategy struct {
	store     *SQLiteStore
	queryText string
	queryVec  []float32
	topK      int
	libs      []string
	tuning    searchTuning
}

// SearchWithPrefilter ranks chunks by fusing lexical and vector relevance.
// When the prefilter is disabled, the query text is empty, or the hybrid
// path fails or finds nothing, it degrades to the plain vector search over
// the same libraries.
func (s *SQLiteStore) SearchWithPrefilter(ctx context.Context, queryText string, queryVec []float32, topK int, libs []string) ([]ScoredChunk, error) {
	const op = "search_prefilter"

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
		return s.SearchInLibraries(ctx, queryVec, topK, libs)
	}

	strategy := hybridStrategy{
		store:     s,
		queryText: queryText,
		queryVec:  queryVec,
		topK:      topK,
		libs:      libs,
		tuning:    t,
	}
	results, err := strategy.execute(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("hybrid search failed, falling back to vector search")
		return s.SearchInLibraries(ctx, queryVec, topK, libs)
	}
	if len(results) == 0 {
		return s.SearchInLibraries(ctx, queryVec, topK, libs)
	}
	return results, nil
}

// execute runs the prefiltered search against the wide table matching the
// query vector's dimension. A missing table yields no results, which the
// caller treats as a fallback signal.
func (h *hybridStrategy) execute(ctx context.Context) ([]ScoredChunk, error) {
	s := h.store
	dim := len(h.queryVec)
	table := kbTableName(dim)

	ok, err := tableExists(ctx, s.vec, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	candidates, err := h.fetchCandidates(ctx, table)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	fused := h.fuse(candidates)

	filtered, err := s.filterActiveRevisions(ctx, fused)
	if err != nil {
		return nil, err
	}
	filtered = applyPerDocCap(filtered, h.tuning.PerDocCap)
	if len(filtered) > h.topK {
		filtered = filtered[:h.topK]
	}
	return filtered, nil
}

// hybridCandidate carries both relevance signals for one chunk.
type hybridCandidate struct {
	chunk    Chunk
	ftsScore float64 // -bm25, larger is better
	vecScore float64 // cosine similarity
	hasVec   bool
}

// fetchCandidates issues the single prefilter query: FTS MATCH joined back
// to the wide table, library predicate inlined, bounded by the lexical
// fetch limit. Cosine scores are computed in-process on the way out.
func (h *hybridStrategy) fetchCandidates(ctx context.Context, table string) ([]hybridCandidate, error) {
	s := h.store
	fts := ftsTableName(table)
	limit := h.tuning.hybridLimit(h.topK)

	query := fmt.Sprintf(`
		SELECT t.chunk_id, t.document_id, t.sub_library_id, t.chunk_index, t.text, t.metadata, t.created_at, t.embedding,
		       -bm25(%[1]s) AS fts_score
		FROM %[1]s
		JOIN %[2]s t ON t.rowid = %[1]s.rowid
		WHERE %[1]s MATCH ?%[3]s
		ORDER BY fts_score DESC
		LIMIT ?`, fts, table, hybridLibraryPredicate(h.libs))

	rows, err := s.vec.QueryContext(ctx, query, ftsMatchExpr(h.queryText), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var candidates []hybridCandidate
	for rows.Next() {
		var cand hybridCandidate
		var subLib, metadata sql.NullString
		var blob []byte
		c := &cand.chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &subLib, &c.ChunkIndex, &c.Text, &metadata, &c.CreatedAt, &blob, &cand.ftsScore); err != nil {
			return nil, err
		}
		c.SubLibraryID = subLib.String
		if metadata.Valid {
			if meta, err := encoding.DecodeMetadata(metadata.String); err == nil {
				c.Metadata = meta
			}
		}
		if vec, err := encoding.DecodeVector(blob); err == nil && len(vec) == len(h.queryVec) {
			c.Embedding = vec
			cand.vecScore = cosineSimilarity(h.queryVec, vec)
			cand.hasVec = true
		} else {
			s.log.Warn().Str("chunk_id", c.ID).Msg("candidate embedding unusable, ranking lexically only")
		}
		candidates = append(candidates, cand)
	}
	return candidates, rows.Err()
}

// hybridLibraryPredicate is the library restriction with the wide table
// aliased as t.
func hybridLibraryPredicate(libs []string) string {
	p := libraryPredicate(libs)
	return strings.ReplaceAll(p, " sub_library_id", " t.sub_library_id")
}

// rrfRanks returns each element's 1-based rank under descending score,
// stable on ties.
func rrfRanks(scores []float64) []int {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	ranks := make([]int, len(scores))
	for rank, idx := range order {
		ranks[idx] = rank + 1
	}
	return ranks
}

// fuse orders candidates by weighted reciprocal-rank fusion of the lexical
// and vector rankings. The reported score per result prefers the cosine
// similarity; candidates without a usable vector fall back to their raw
// lexical score.
func (h *hybridStrategy) fuse(candidates []hybridCandidate) []ScoredChunk {
	k := float64(h.tuning.RRFK)

	ftsScores := make([]float64, len(candidates))
	vecScores := make([]float64, len(candidates))
	for i := range candidates {
		ftsScores[i] = candidates[i].ftsScore
		vecScores[i] = candidates[i].vecScore
	}
	ftsRanks := rrfRanks(ftsScores)
	vecRanks := rrfRanks(vecScores)

	type fusedResult struct {
		sc    ScoredChunk
		fused float64
	}
	fused := make([]fusedResult, 0, len(candidates))
	for i := range candidates {
		cand := &candidates[i]
		score := h.tuning.FTSWeight / (k + float64(ftsRanks[i]))
		if cand.hasVec {
			score += h.tuning.VecWeight / (k + float64(vecRanks[i]))
		}
		reported := cand.ftsScore
		if cand.hasVec {
			reported = cand.vecScore
		}
		fused = append(fused, fusedResult{
			sc:    ScoredChunk{Chunk: cand.chunk, Score: reported},
			fused: score,
		})
	}
	sort.SliceStable(fused, func(a, b int) bool {
		if fused[a].fused != fused[b].fused {
			return fused[a].fused > fused[b].fused
		}
		return fused[a].sc.ID < fused[b].sc.ID
	})

	out := make([]ScoredChunk, len(fused))
	for i := range fused {
		out[i] = fused[i].sc
	}
	return out
}
