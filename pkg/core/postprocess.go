package core

import "context"

// filterActiveRevisions drops chunks whose revision tag does not match the
// owning document's active revision. Untagged chunks count as revision "A",
// the initial ingest. Order is preserved.
func (s *SQLiteStore) filterActiveRevisions(ctx context.Context, scored []ScoredChunk) ([]ScoredChunk, error) {
	if len(scored) == 0 {
		return scored, nil
	}

	docIDs := make([]string, 0, 8)
	seen := make(map[string]bool)
	for i := range scored {
		if !seen[scored[i].DocumentID] {
			seen[scored[i].DocumentID] = true
			docIDs = append(docIDs, scored[i].DocumentID)
		}
	}
	revisions, err := s.activeRevisions(ctx, docIDs)
	if err != nil {
		return nil, err
	}

	filtered := scored[:0]
	for i := range scored {
		rev := scored[i].Revision()
		if rev == "" {
			rev = "A"
		}
		if rev == revisions[scored[i].DocumentID] {
			filtered = append(filtered, scored[i])
		}
	}
	return filtered, nil
}

// applyPerDocCap keeps at most cap hits per document, preserving order.
// A cap of zero means unlimited.
func applyPerDocCap(scored []ScoredChunk, cap int) []ScoredChunk {
	if cap <= 0 {
		return scored
	}
	perDoc := make(map[string]int)
	kept := scored[:0]
	for i := range scored {
		if perDoc[scored[i].DocumentID] >= cap {
			continue
		}
		perDoc[scored[i].DocumentID]++
		kept = append(kept, scored[i])
	}
	return kept
}

// postprocess is the shared result pipeline for score-ordered retrieval:
// revision filter, score sort, per-document cap, topK truncation.
func (s *SQLiteStore) postprocess(ctx context.Context, scored []ScoredChunk, topK int, t searchTuning) ([]ScoredChunk, error) {
	const op = "postprocess"

	if len(scored) == 0 {
		return nil, nil
	}
	filtered, err := s.filterActiveRevisions(ctx, scored)
	if err != nil {
		return nil, unavailableErr(op, err)
	}
	sortByScore(filtered)
	filtered = applyPerDocCap(filtered, t.PerDocCap)
	if len(filtered) > topK {
		filtered = filtered[:topK]
	}
	return filtered, nil
}
