// Package search implements hybrid retrieval over the store: a BM25 lexical
// pass and a vector pass fused by normalized score, with a substring scan as
// the last resort. Returned results bump a bounded access counter that
// feeds back into ranking.
package search

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"recall/internal/embedder"
	"recall/internal/segment"
	"recall/internal/store"
)

// Defaults and budget constants.
const (
	DefaultTokenMax = 4096
	defaultMinScore = 0.01

	// perResultOverhead approximates the token cost of a result's metadata
	// envelope; snippetBudget splits the remainder across results.
	perResultOverhead = 30
	perResultBase     = 200

	oversample     = 3
	maxSnippetLen  = 700
	minSnippetToks = 50
)

// Options configure one query. Zero values select defaults; After/Before
// filter by file mtime (epoch ms), not per-chunk recency.
type Options struct {
	MaxResults int
	MinScore   *float64
	TokenMax   int
	After      *int64
	Before     *int64
}

// Result is one search hit.
type Result struct {
	Path      string  `json:"path"`
	StartLine int     `json:"startLine"`
	EndLine   int     `json:"endLine"`
	Score     float64 `json:"score"`
	Snippet   string  `json:"snippet"`
	Source    string  `json:"source"`
}

// Engine runs hybrid queries against the store.
type Engine struct {
	store *store.Store
	seg   *segment.Segmenter
	emb   embedder.Embedder
	log   *slog.Logger
}

// New creates an Engine. emb may be nil when no embedding backend exists.
func New(st *store.Store, seg *segment.Segmenter, emb embedder.Embedder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, seg: seg, emb: emb, log: logger}
}

// candidate is an internal hit with its per-path scores before fusion.
type candidate struct {
	path      string
	source    string
	startLine int
	endLine   int
	text      string
	score     float64
}

// Search runs the full retrieval pipeline for one query.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	tokenMax := opts.TokenMax
	if tokenMax <= 0 {
		tokenMax = DefaultTokenMax
	}
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = clampInt(tokenMax/(perResultBase+perResultOverhead), 1, 20)
	}
	minScore := defaultMinScore
	if opts.MinScore != nil {
		minScore = *opts.MinScore
	}

	snippetTokens := (tokenMax - perResultOverhead*maxResults) / maxResults
	if snippetTokens < minSnippetToks {
		snippetTokens = minSnippetToks
	}
	snippetMaxChars := snippetTokens * 3
	if snippetMaxChars > maxSnippetLen {
		snippetMaxChars = maxSnippetLen
	}

	allowed, err := e.allowedPaths(opts)
	if err != nil {
		return nil, err
	}

	ftsHits := e.lexical(query, maxResults*oversample, minScore, allowed)
	vecHits := e.vector(ctx, query, maxResults*oversample, minScore, allowed)

	var fused []candidate
	switch {
	case len(ftsHits) > 0 && len(vecHits) > 0:
		fused = fuse(ftsHits, vecHits, minScore)
	case len(ftsHits) > 0:
		fused = ftsHits
	case len(vecHits) > 0:
		fused = vecHits
	default:
		fused = e.substring(query, maxResults*oversample, minScore, allowed)
	}

	if len(fused) > maxResults {
		fused = fused[:maxResults]
	}
	if len(fused) == 0 {
		return nil, nil
	}

	e.applyAccessBoost(fused)

	results := make([]Result, len(fused))
	for i, c := range fused {
		results[i] = Result{
			Path:      c.path,
			StartLine: c.startLine,
			EndLine:   c.endLine,
			Score:     c.score,
			Snippet:   truncate(c.text, snippetMaxChars),
			Source:    c.source,
		}
	}
	return results, nil
}

// allowedPaths prefetches the mtime-filtered path set; nil means all paths.
func (e *Engine) allowedPaths(opts Options) (map[string]bool, error) {
	if opts.After == nil && opts.Before == nil {
		return nil, nil
	}
	after := int64(math.MinInt64)
	before := int64(math.MaxInt64)
	if opts.After != nil {
		after = *opts.After
	}
	if opts.Before != nil {
		before = *opts.Before
	}
	return e.store.PathsModifiedBetween(after, before)
}

// lexical runs the FTS pass: OR of quoted query tokens, BM25 rank mapped to
// a [0,1] score.
func (e *Engine) lexical(query string, limit int, minScore float64, allowed map[string]bool) []candidate {
	if !e.store.FTSAvailable() {
		return nil
	}
	tokens := e.seg.ForQuery(query)
	if len(tokens) == 0 {
		return nil
	}

	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, "") + `"`
	}
	match := strings.Join(quoted, " OR ")

	hits, err := e.store.SearchFTS(match, limit)
	if err != nil {
		e.log.Warn("fts search failed", "error", err)
		return nil
	}

	var out []candidate
	for _, h := range hits {
		score := bm25Score(h.Rank)
		if score < minScore || !pathAllowed(allowed, h.Path) {
			continue
		}
		out = append(out, candidate{h.Path, h.Source, h.StartLine, h.EndLine, h.Text, score})
	}
	return out
}

// bm25Score converts a (negative) BM25 rank to clamp(0, 1, 1 + log10(|r|)/10).
// Non-finite or zero ranks score 0.
func bm25Score(rank float64) float64 {
	abs := math.Abs(rank)
	if abs == 0 || math.IsInf(abs, 0) || math.IsNaN(abs) {
		return 0
	}
	return clampFloat(1+math.Log10(abs)/10, 0, 1)
}

// vector runs the nearest-neighbor pass; cosine distance becomes 1−d.
func (e *Engine) vector(ctx context.Context, query string, limit int, minScore float64, allowed map[string]bool) []candidate {
	if !e.store.VecAvailable() || e.emb == nil || !e.emb.Available(ctx) {
		return nil
	}
	qv, err := e.emb.Embed(ctx, query)
	if err != nil {
		e.log.Warn("query embedding failed", "error", err)
		return nil
	}
	hits, err := e.store.SearchVec(qv, limit)
	if err != nil {
		e.log.Warn("vector search failed", "error", err)
		return nil
	}

	var out []candidate
	for _, h := range hits {
		score := 1 - h.Rank
		if score < minScore || !pathAllowed(allowed, h.Path) {
			continue
		}
		out = append(out, candidate{h.Path, h.Source, h.StartLine, h.EndLine, h.Text, score})
	}
	return out
}

// substring is the last-resort LIKE scan, ordered by recency, scored 1/(1+i).
func (e *Engine) substring(query string, limit int, minScore float64, allowed map[string]bool) []candidate {
	esc := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(query)
	hits, err := e.store.SearchLike("%"+esc+"%", limit)
	if err != nil {
		e.log.Warn("substring search failed", "error", err)
		return nil
	}

	var out []candidate
	for _, h := range hits {
		if !pathAllowed(allowed, h.Path) {
			continue
		}
		score := 1 / float64(1+len(out))
		if score < minScore {
			break
		}
		out = append(out, candidate{h.Path, h.Source, h.StartLine, h.EndLine, h.Text, score})
	}
	return out
}

// fuse min-max-normalizes each list independently, then combines scores at
// equal weight keyed by (path, startLine). An absent contribution counts 0.
func fuse(fts, vec []candidate, minScore float64) []candidate {
	normalize(fts)
	normalize(vec)

	type fusedScore struct {
		c   candidate
		fts float64
		vec float64
	}
	merged := make(map[store.ChunkKey]*fusedScore)
	var order []store.ChunkKey

	for _, c := range fts {
		k := store.ChunkKey{Path: c.path, StartLine: c.startLine}
		merged[k] = &fusedScore{c: c, fts: c.score}
		order = append(order, k)
	}
	for _, c := range vec {
		k := store.ChunkKey{Path: c.path, StartLine: c.startLine}
		if f, ok := merged[k]; ok {
			f.vec = c.score
		} else {
			merged[k] = &fusedScore{c: c, vec: c.score}
			order = append(order, k)
		}
	}

	var out []candidate
	for _, k := range order {
		f := merged[k]
		f.c.score = 0.5*f.fts + 0.5*f.vec
		if f.c.score < minScore {
			continue
		}
		out = append(out, f.c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// normalize rescales scores to [0,1] by min-max. A single-element or
// degenerate-range list becomes all 1.0.
func normalize(list []candidate) {
	if len(list) == 0 {
		return
	}
	lo, hi := list[0].score, list[0].score
	for _, c := range list[1:] {
		if c.score < lo {
			lo = c.score
		}
		if c.score > hi {
			hi = c.score
		}
	}
	if hi == lo {
		for i := range list {
			list[i].score = 1
		}
		return
	}
	for i := range list {
		list[i].score = (list[i].score - lo) / (hi - lo)
	}
}

// applyAccessBoost bumps access counters for the returned rows in one
// transaction, folds the counts into the scores, and re-sorts.
func (e *Engine) applyAccessBoost(results []candidate) {
	keys := make([]store.ChunkKey, len(results))
	for i, c := range results {
		keys[i] = store.ChunkKey{Path: c.path, StartLine: c.startLine}
	}
	counts, err := e.store.BumpAccess(keys)
	if err != nil {
		e.log.Warn("access bump failed", "error", err)
		return
	}
	for i := range results {
		count := counts[keys[i]]
		if count > 0 {
			boost := math.Log2(1+float64(count)) / 10
			if boost > 1 {
				boost = 1
			}
			results[i].score = 0.85*results[i].score + 0.15*boost
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })
}

// ParseTime converts an ISO-8601 timestamp to epoch milliseconds.
func ParseTime(value string) (int64, bool) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

func pathAllowed(allowed map[string]bool, path string) bool {
	return allowed == nil || allowed[path]
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
