package search

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"recall/internal/segment"
	"recall/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 512, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, segment.New(nil), nil, nil), st
}

func seedChunk(t *testing.T, st *store.Store, path, text string, start, end int, mtime int64) {
	t.Helper()
	f := store.FileRecord{Path: path, Source: "memory", Hash: "h-" + path, Mtime: mtime, Size: 1}
	c := store.Chunk{
		ID:        "id-" + path,
		Path:      path,
		Source:    "memory",
		StartLine: start,
		EndLine:   end,
		Hash:      "ch-" + path,
		Text:      text,
	}
	if err := st.ReplaceFile(f, []store.Chunk{c}, []string{text}); err != nil {
		t.Fatalf("seed %s: %v", path, err)
	}
}

func TestEmptyQuery(t *testing.T) {
	e, _ := newTestEngine(t)
	results, err := e.Search(context.Background(), "   ", Options{})
	if err != nil || results != nil {
		t.Errorf("empty query = %v, %v", results, err)
	}
}

func TestLexicalSearch(t *testing.T) {
	e, st := newTestEngine(t)
	if !st.FTSAvailable() {
		t.Skip("FTS5 not available in this build")
	}
	seedChunk(t, st, "memory/a.md", "the retry policy uses exponential backoff", 1, 2, 1000)
	seedChunk(t, st, "memory/b.md", "completely unrelated gardening notes", 1, 2, 1000)

	results, err := e.Search(context.Background(), "retry policy", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Path != "memory/a.md" {
		t.Errorf("top result = %s", results[0].Path)
	}
	if results[0].Score <= 0 || results[0].Score > 1 {
		t.Errorf("score out of range: %f", results[0].Score)
	}
	if results[0].Source != "memory" {
		t.Errorf("source = %q", results[0].Source)
	}
}

func TestSubstringFallback(t *testing.T) {
	e, st := newTestEngine(t)
	// A query with no word tokens bypasses the lexical path entirely, so
	// this exercises the LIKE fallback regardless of FTS availability.
	seedChunk(t, st, "memory/a.md", "marker =>> say hello", 1, 1, 1000)

	results, err := e.Search(context.Background(), "=>>", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %+v", results)
	}
	// First fallback hit scores 1/(1+0), then the access boost folds in the
	// fresh count of 1: 0.85*1 + 0.15*(log2(2)/10).
	want := 0.85 + 0.15*(math.Log2(2)/10)
	if math.Abs(results[0].Score-want) > 1e-9 {
		t.Errorf("score = %f, want %f", results[0].Score, want)
	}
}

func TestSubstringFallbackEscapesWildcards(t *testing.T) {
	e, st := newTestEngine(t)
	seedChunk(t, st, "memory/a.md", "value is 100%", 1, 1, 1000)
	seedChunk(t, st, "memory/b.md", "value is 100x", 1, 1, 1000)

	results, err := e.Search(context.Background(), "100%", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Path == "memory/b.md" {
			t.Error("unescaped %% matched wrong row")
		}
	}
}

func TestTokenBudgetBounds(t *testing.T) {
	e, st := newTestEngine(t)
	seedChunk(t, st, "memory/a.md", "~~needle~~ first", 1, 1, 1000)
	seedChunk(t, st, "memory/b.md", "~~needle~~ second", 1, 1, 2000)

	results, err := e.Search(context.Background(), "~~needle~~", Options{TokenMax: 100})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("tokenMax=100 should cap at 1 result, got %d", len(results))
	}
	if len(results[0].Snippet) > 210 {
		t.Errorf("snippet = %d chars, want ≤210", len(results[0].Snippet))
	}
}

func TestTimeFilterExcludesAll(t *testing.T) {
	e, st := newTestEngine(t)
	seedChunk(t, st, "memory/a.md", "findable ##token## text", 1, 1, 1000)

	after := int64(5000)
	results, err := e.Search(context.Background(), "##token##", Options{After: &after})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("time window should exclude all, got %d", len(results))
	}
	// No results returned means no access bump happened.
	chunks, _ := st.ChunksByPath("memory/a.md", "memory")
	if len(chunks) != 1 || chunks[0].AccessCount != 0 {
		t.Errorf("access count mutated by empty search: %+v", chunks)
	}
}

func TestFusionTieKeepsInsertionOrder(t *testing.T) {
	fts := []candidate{
		{path: "x.md", startLine: 1, text: "x", score: 0.8},
		{path: "y.md", startLine: 1, text: "y", score: 0.2},
	}
	vec := []candidate{
		{path: "y.md", startLine: 1, text: "y", score: 0.9},
		{path: "z.md", startLine: 1, text: "z", score: 0.3},
	}
	fused := fuse(fts, vec, 0.01)

	if len(fused) != 2 {
		t.Fatalf("fused = %+v, want X and Y only", fused)
	}
	if fused[0].path != "x.md" || fused[1].path != "y.md" {
		t.Errorf("order = %s, %s", fused[0].path, fused[1].path)
	}
	if math.Abs(fused[0].score-0.5) > 1e-9 || math.Abs(fused[1].score-0.5) > 1e-9 {
		t.Errorf("scores = %f, %f, want 0.5 each", fused[0].score, fused[1].score)
	}
}

func TestNormalizeDegenerate(t *testing.T) {
	one := []candidate{{path: "a", score: 0.42}}
	normalize(one)
	if one[0].score != 1 {
		t.Errorf("single-element normalize = %f, want 1", one[0].score)
	}

	same := []candidate{{path: "a", score: 0.3}, {path: "b", score: 0.3}}
	normalize(same)
	if same[0].score != 1 || same[1].score != 1 {
		t.Errorf("degenerate range normalize = %f, %f", same[0].score, same[1].score)
	}
}

func TestBM25Score(t *testing.T) {
	cases := []struct {
		rank float64
		want float64
	}{
		{-1, 1},
		{-10, 1},   // clamped at 1 via log10(10)/10 = 0.1 → 1.1 → 1
		{-0.1, 0.9},
		{0, 0},
		{math.Inf(-1), 0},
		{math.NaN(), 0},
	}
	for _, c := range cases {
		got := bm25Score(c.rank)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("bm25Score(%f) = %f, want %f", c.rank, got, c.want)
		}
	}
}

func TestAccessBoostRaisesScore(t *testing.T) {
	e, st := newTestEngine(t)
	seedChunk(t, st, "memory/hot.md", "++term++ popular", 1, 1, 1000)
	seedChunk(t, st, "memory/cold.md", "++term++ fresh", 1, 1, 2000)

	ctx := context.Background()
	// Prime the hot chunk's counter.
	for range 5 {
		if _, err := st.BumpAccess([]store.ChunkKey{{Path: "memory/hot.md", StartLine: 1}}); err != nil {
			t.Fatal(err)
		}
	}

	results, err := e.Search(ctx, "++term++", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	// The fallback scores favor recency (cold.md is newer), but the access
	// boost on hot.md must be reflected in its score.
	for _, r := range results {
		if r.Path == "memory/hot.md" && r.Score <= 0.85*0.5 {
			t.Errorf("hot chunk score %f missing boost", r.Score)
		}
	}
}

func TestParseTime(t *testing.T) {
	if _, ok := ParseTime("2026-01-02T15:04:05Z"); !ok {
		t.Error("RFC3339 rejected")
	}
	if _, ok := ParseTime("2026-01-02"); !ok {
		t.Error("date-only rejected")
	}
	if _, ok := ParseTime("yesterday"); ok {
		t.Error("garbage accepted")
	}
}
