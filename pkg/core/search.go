package core

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/000haoji/deep-student-rag/internal/encoding"
)

// searchTuning is the per-query snapshot of the retrieval knobs. Values
// come from the settings table with compiled-in defaults.
type searchTuning struct {
	RRFK             int
	FTSWeight        float64
	VecWeight        float64
	FTSLimitMult     int
	VecLimitMult     int
	MaxCandidates    int
	PerDocCap        int // 0 means unlimited
	FetchLimitMult   int
	PrefilterEnabled bool
}

func (s *SQLiteStore) loadTuning(ctx context.Context) searchTuning {
	t := searchTuning{
		RRFK:             s.settings.GetInt(ctx, settingRRFK, 60),
		FTSWeight:        s.settings.GetFloat(ctx, settingFTSWeight, 1.0),
		VecWeight:        s.settings.GetFloat(ctx, settingVecWeight, 1.0),
		FTSLimitMult:     s.settings.GetInt(ctx, settingFTSLimitMult, 20),
		VecLimitMult:     s.settings.GetInt(ctx, settingVecLimitMult, 3),
		MaxCandidates:    s.settings.GetInt(ctx, settingMaxCandidates, 1000),
		PerDocCap:        s.settings.GetInt(ctx, settingPerDocCap, 2),
		FetchLimitMult:   s.settings.GetInt(ctx, settingFetchLimitMult, 3),
		PrefilterEnabled: s.settings.GetBool(ctx, settingPrefilterEnable, true),
	}
	if t.RRFK < 1 {
		t.RRFK = 60
	}
	// Zero is a deliberate operator value: it empties the hybrid candidate
	// set, forcing the vector-only fallback.
	if t.MaxCandidates < 0 {
		t.MaxCandidates = 0
	}
	if t.PerDocCap < 0 {
		t.PerDocCap = 0
	}
	return t
}

// fetchLimit bounds how many candidate rows a query may pull. A zero
// max_candidates leaves the multiplier limit unclamped so the vector
// fallback path stays usable.
func (t searchTuning) fetchLimit(topK, mult int) int {
	if mult < 1 {
		mult = 1
	}
	limit := topK * mult
	if limit < topK {
		limit = topK
	}
	if t.MaxCandidates > 0 && limit > t.MaxCandidates {
		limit = t.MaxCandidates
	}
	return limit
}

// hybridLimit is the candidate bound for the fused lexical+vector query:
// topK times the largest of the three multipliers, clamped to
// max_candidates. Unlike the plain paths, a zero max_candidates is honored
// literally and yields an empty hybrid result.
func (t searchTuning) hybridLimit(topK int) int {
	if t.MaxCandidates == 0 {
		return 0
	}
	mult := t.VecLimitMult
	if t.FTSLimitMult > mult {
		mult = t.FTSLimitMult
	}
	if t.FetchLimitMult > mult {
		mult = t.FetchLimitMult
	}
	return t.fetchLimit(topK, mult)
}

// cosineSimilarity returns the cosine of the angle between a and b, or 0
// when either vector has zero norm.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	score := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Guard against float drift past the analytic bounds.
	if score > 1 {
		score = 1
	}
	if score < -1 {
		score = -1
	}
	return score
}

// libraryPredicate renders a sub_library_id restriction for inlining into a
// query. An empty filter matches everything; a NULL sub_library_id row
// never matches a named filter.
func libraryPredicate(libs []string) string {
	switch len(libs) {
	case 0:
		return ""
	case 1:
		return " AND sub_library_id = " + quoteSQLString(libs[0])
	default:
		quoted := make([]string, len(libs))
		for i, lib := range libs {
			quoted[i] = quoteSQLString(lib)
		}
		return " AND sub_library_id IN (" + strings.Join(quoted, ", ") + ")"
	}
}

// Search ranks knowledge-base chunks by cosine similarity to queryVec.
func (s *SQLiteStore) Search(ctx context.Context, queryVec []float32, topK int) ([]ScoredChunk, error) {
	return s.SearchInLibraries(ctx, queryVec, topK, nil)
}

// SearchInLibraries ranks chunks by cosine similarity, restricted to the
// given sub-libraries. Only the wide table matching the query vector's
// dimension is consulted; a missing table yields no results rather than
// an error.
func (s *SQLiteStore) SearchInLibraries(ctx context.Context, queryVec []float32, topK int, libs []string) ([]ScoredChunk, error) {
	const op = "search"

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

	table := kbTableName(dim)
	ok, err := tableExists(ctx, s.vec, table)
	if err != nil {
		return nil, unavailableErr(op, err)
	}
	if !ok {
		return nil, nil
	}

	t := s.loadTuning(ctx)
	query := fmt.Sprintf(`
		SELECT chunk_id, document_id, sub_library_id, chunk_index, text, metadata, created_at, embedding
		FROM %s WHERE 1=1%s LIMIT ?`, table, libraryPredicate(libs))
	rows, err := s.vec.QueryContext(ctx, query, t.fetchLimit(topK, t.VecLimitMult))
	if err != nil {
		return nil, unavailableErr(op, err)
	}

	scored, err := s.scoreRows(rows, queryVec)
	if err != nil {
		return nil, internalErr(op, err)
	}
	return s.postprocess(ctx, scored, topK, t)
}

// scoreRows decodes candidate rows and attaches cosine scores. Rows whose
// stored dimension differs from the query are skipped with a warning
// rather than failing the whole search.
func (s *SQLiteStore) scoreRows(rows *sql.Rows, queryVec []float32) ([]ScoredChunk, error) {
	defer func() { _ = rows.Close() }()

	var scored []ScoredChunk
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
			s.log.Warn().Str("chunk_id", c.ID).Err(err).Msg("skipping undecodable embedding")
			continue
		}
		if len(vec) != len(queryVec) {
			s.log.Warn().Str("chunk_id", c.ID).Int("dim", len(vec)).Msg("skipping mismatched embedding")
			continue
		}
		c.Embedding = vec
		if metadata.Valid {
			if meta, err := encoding.DecodeMetadata(metadata.String); err == nil {
				c.Metadata = meta
			}
		}
		scored = append(scored, ScoredChunk{Chunk: c, Score: cosineSimilarity(queryVec, vec)})
	}
	return scored, rows.Err()
}

// SearchText ranks chunks lexically with the full-text index, across every
// knowledge-base dimension table. Scores are raw lexical relevance, not
// normalized to the cosine range.
func (s *SQLiteStore) SearchText(ctx context.Context, queryText string, topK int) ([]ScoredChunk, error) {
	const op = "search_text"

	if err := s.checkReadable(op); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, validationErr(op, "topK must be positive")
	}
	queryText = strings.TrimSpace(queryText)
	if queryText == "" {
		return nil, nil
	}

	t := s.loadTuning(ctx)
	dims, err := s.existingDims(ctx, kindKB)
	if err != nil {
		return nil, unavailableErr(op, err)
	}

	var scored []ScoredChunk
	limit := t.fetchLimit(topK, t.FTSLimitMult)
	for _, d := range dims {
		table := kbTableName(d)
		batch, err := s.ftsQuery(ctx, table, queryText, limit)
		if err != nil {
			s.log.Warn().Str("table", table).Err(err).Msg("full-text query failed, skipping table")
			continue
		}
		scored = append(scored, batch...)
	}

	return s.postprocess(ctx, scored, topK, t)
}

// ftsQuery runs one MATCH over a wide table's external-content index. The
// returned score is -bm25, so larger is better.
func (s *SQLiteStore) ftsQuery(ctx context.Context, table, queryText string, limit int) ([]ScoredChunk, error) {
	fts := ftsTableName(table)
	query := fmt.Sprintf(`
		SELECT t.chunk_id, t.document_id, t.sub_library_id, t.chunk_index, t.text, t.metadata, t.created_at,
		       -bm25(%[1]s) AS score
		FROM %[1]s
		JOIN %[2]s t ON t.rowid = %[1]s.rowid
		WHERE %[1]s MATCH ?
		ORDER BY score DESC
		LIMIT ?`, fts, table)

	rows, err := s.vec.QueryContext(ctx, query, ftsMatchExpr(queryText), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var scored []ScoredChunk
	for rows.Next() {
		var sc ScoredChunk
		var subLib, metadata sql.NullString
		if err := rows.Scan(&sc.ID, &sc.DocumentID, &subLib, &sc.ChunkIndex, &sc.Text, &metadata, &sc.CreatedAt, &sc.Score); err != nil {
			return nil, err
		}
		sc.SubLibraryID = subLib.String
		if metadata.Valid {
			if meta, err := encoding.DecodeMetadata(metadata.String); err == nil {
				sc.Metadata = meta
			}
		}
		scored = append(scored, sc)
	}
	return scored, rows.Err()
}

// ftsMatchExpr turns free text into a safe FTS5 MATCH expression: each
// whitespace token becomes a quoted phrase, ANDed together.
func ftsMatchExpr(queryText string) string {
	fields := strings.Fields(queryText)
	if len(fields) == 0 {
		return `""`
	}
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " AND ")
}

// sortByScore orders results by score descending, breaking ties by chunk
// id so repeated queries return a stable order.
func sortByScore(scored []ScoredChunk) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
}
