package core

import (
	"context"
	"fmt"
	"testing"
)

func TestSearchRanksByCosine(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	query := testVec(256, 0)
	near := testVec(256, 0)
	near[1] = 0.5 // close to the query
	far := testVec(256, 9)

	if err := store.AddChunks(ctx, []Chunk{
		testChunk("far", "doc-far", 0, far),
		testChunk("exact", "doc-exact", 0, query),
		testChunk("near", "doc-near", 0, near),
	}); err != nil {
		t.Fatal(err)
	}

	results, err := store.Search(ctx, query, 3)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	want := []string{"exact", "near", "far"}
	for i, id := range want {
		if results[i].ID != id {
			t.Errorf("rank %d = %s, want %s", i, results[i].ID, id)
		}
	}
	for _, r := range results {
		if r.Score < -1 || r.Score > 1 {
			t.Errorf("score %f outside [-1, 1]", r.Score)
		}
	}
	if results[0].Score < results[1].Score || results[1].Score < results[2].Score {
		t.Error("scores not descending")
	}
}

func TestSearchInLibrariesFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	physics := testChunk("p1", "doc-p", 0, testVec(256, 0))
	physics.SubLibraryID = "physics"
	algebra := testChunk("m1", "doc-m", 0, testVec(256, 1))
	algebra.SubLibraryID = "math"
	if err := store.AddChunks(ctx, []Chunk{physics, algebra}); err != nil {
		t.Fatal(err)
	}

	results, err := store.SearchInLibraries(ctx, testVec(256, 0), 10, []string{"physics"})
	if err != nil {
		t.Fatalf("SearchInLibraries() error = %v", err)
	}
	if len(results) != 1 || results[0].ID != "p1" {
		t.Fatalf("got %v, want only p1", results)
	}

	results, err = store.SearchInLibraries(ctx, testVec(256, 0), 10, []string{"physics", "math"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("two-library filter returned %d results, want 2", len(results))
	}
}

func TestSearchInLibrariesNullIsNotDefault(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// No header, no explicit library: the row's sub_library_id stays NULL.
	unassigned := testChunk("u1", "doc-u", 0, testVec(256, 0))
	tagged := testChunk("d1", "doc-d", 0, testVec(256, 1))
	tagged.SubLibraryID = DefaultSubLibraryID
	if err := store.AddChunks(ctx, []Chunk{unassigned, tagged}); err != nil {
		t.Fatal(err)
	}

	results, err := store.SearchInLibraries(ctx, testVec(256, 0), 10, []string{DefaultSubLibraryID})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.ID == "u1" {
			t.Error("NULL sub_library_id matched the default filter")
		}
	}
	if len(results) != 1 || results[0].ID != "d1" {
		t.Errorf("got %v, want only d1", results)
	}

	// Without a filter both rows surface.
	results, err = store.Search(ctx, testVec(256, 0), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("unfiltered search returned %d results, want 2", len(results))
	}
}

func TestPerDocCap(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var chunks []Chunk
	for i := 0; i < 5; i++ {
		chunks = append(chunks, testChunk(fmt.Sprintf("c%d", i), "doc1", i, testVec(256, 0)))
	}
	chunks = append(chunks, testChunk("other", "doc2", 0, testVec(256, 1)))
	if err := store.AddChunks(ctx, chunks); err != nil {
		t.Fatal(err)
	}

	// Default cap keeps two hits per document.
	results, err := store.Search(ctx, testVec(256, 0), 10)
	if err != nil {
		t.Fatal(err)
	}
	perDoc := make(map[string]int)
	for _, r := range results {
		perDoc[r.DocumentID]++
	}
	if perDoc["doc1"] != 2 {
		t.Errorf("doc1 hits = %d, want 2 under default cap", perDoc["doc1"])
	}
}

func TestPerDocCapZeroUnlimited(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Settings().Set(ctx, settingPerDocCap, "0"); err != nil {
		t.Fatal(err)
	}
	var chunks []Chunk
	for i := 0; i < 5; i++ {
		chunks = append(chunks, testChunk(fmt.Sprintf("c%d", i), "doc1", i, testVec(256, 0)))
	}
	if err := store.AddChunks(ctx, chunks); err != nil {
		t.Fatal(err)
	}

	results, err := store.Search(ctx, testVec(256, 0), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 5 {
		t.Errorf("got %d results with cap 0, want all 5", len(results))
	}
}

func TestSearchInLibrariesHonorsMaxCandidates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Settings().Set(ctx, settingMaxCandidates, "1"); err != nil {
		t.Fatal(err)
	}
	if err := store.AddChunks(ctx, []Chunk{
		testChunk("a", "doc-a", 0, testVec(256, 0)),
		testChunk("b", "doc-b", 0, testVec(256, 1)),
		testChunk("c", "doc-c", 0, testVec(256, 2)),
	}); err != nil {
		t.Fatal(err)
	}

	results, err := store.SearchInLibraries(ctx, testVec(256, 0), 10, nil)
	if err != nil {
		t.Fatalf("SearchInLibraries() error = %v", err)
	}
	if len(results) > 1 {
		t.Errorf("got %d results, candidate budget allows 1", len(results))
	}
}

func TestFetchLimits(t *testing.T) {
	t1 := searchTuning{VecLimitMult: 2, FTSLimitMult: 5, FetchLimitMult: 3, MaxCandidates: 100}
	if got := t1.hybridLimit(4); got != 20 {
		t.Errorf("hybridLimit(4) = %d, want 20 from the largest multiplier", got)
	}
	if got := t1.fetchLimit(4, t1.VecLimitMult); got != 8 {
		t.Errorf("fetchLimit(4, 2) = %d, want 8", got)
	}

	clamped := searchTuning{VecLimitMult: 2, FTSLimitMult: 5, FetchLimitMult: 3, MaxCandidates: 10}
	if got := clamped.hybridLimit(4); got != 10 {
		t.Errorf("hybridLimit(4) = %d, want clamp to 10", got)
	}

	zero := searchTuning{VecLimitMult: 2, FTSLimitMult: 5, FetchLimitMult: 3}
	if got := zero.hybridLimit(4); got != 0 {
		t.Errorf("hybridLimit(4) with zero budget = %d, want 0", got)
	}
	// The plain vector path ignores the zero budget so the fallback works.
	if got := zero.fetchLimit(4, zero.VecLimitMult); got != 8 {
		t.Errorf("fetchLimit(4, 2) with zero budget = %d, want 8", got)
	}
}

func TestSearchTieBreakStable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	vec := testVec(256, 0)
	if err := store.AddChunks(ctx, []Chunk{
		testChunk("b", "doc-b", 0, vec),
		testChunk("a", "doc-a", 0, vec),
		testChunk("c", "doc-c", 0, vec),
	}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		results, err := store.Search(ctx, vec, 3)
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"a", "b", "c"}
		for j, id := range want {
			if results[j].ID != id {
				t.Fatalf("round %d rank %d = %s, want %s", i, j, results[j].ID, id)
			}
		}
	}
}

func TestSearchMissingDimensionTable(t *testing.T) {
	store := newTestStore(t)

	results, err := store.Search(context.Background(), testVec(512, 0), 5)
	if err != nil {
		t.Fatalf("Search() on missing table error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from missing table", len(results))
	}
}

func TestSearchFiltersInactiveRevisions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddDocumentRecordWithLibrary(ctx, DocumentHeader{
		DocumentID:     "doc1",
		ActiveRevision: "A",
	}); err != nil {
		t.Fatal(err)
	}
	revA := testChunk("rev-a", "doc1", 0, testVec(256, 0))
	revA.Metadata = map[string]string{"revision": "A"}
	revB := testChunk("rev-b", "doc1", 0, testVec(256, 0))
	revB.Metadata = map[string]string{"revision": "B"}
	untagged := testChunk("untagged", "doc1", 1, testVec(256, 0))
	if err := store.AddChunks(ctx, []Chunk{revA, revB, untagged}); err != nil {
		t.Fatal(err)
	}

	results, err := store.Search(ctx, testVec(256, 0), 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if r.ID == "rev-b" {
			t.Error("inactive revision surfaced while A is active")
		}
	}

	if err := store.SetActiveRevision(ctx, "doc1", "B"); err != nil {
		t.Fatal(err)
	}
	results, err = store.Search(ctx, testVec(256, 0), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != "rev-b" {
		t.Errorf("after flip got %v, want only rev-b", results)
	}
}

func TestSearchText(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	apple := testChunk("apple", "doc1", 0, testVec(256, 0))
	apple.Text = "the apple orchard yields red fruit"
	orbit := testChunk("orbit", "doc2", 0, testVec(256, 1))
	orbit.Text = "planetary orbits follow elliptical paths"
	if err := store.AddChunks(ctx, []Chunk{apple, orbit}); err != nil {
		t.Fatal(err)
	}

	results, err := store.SearchText(ctx, "orchard", 5)
	if err != nil {
		t.Fatalf("SearchText() error = %v", err)
	}
	if len(results) != 1 || results[0].ID != "apple" {
		t.Fatalf("got %v, want only apple", results)
	}

	results, err = store.SearchText(ctx, "", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("empty query returned %d results", len(results))
	}
}
