// Package searchengine implements the id mapping, tombstone set, adaptive
// two-stage HNSW search, exact rerank, optional sparse fusion, and result
// caching that sits between the SyncOrchestrator and the raw HnswGraph.
package searchengine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	roaring "github.com/RoaringBitmap/roaring/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kestrelnotes/vecsync/pkg/hnsw"
	"github.com/kestrelnotes/vecsync/pkg/metrics"
	"github.com/kestrelnotes/vecsync/pkg/vector"
)

// searchQueryPrefix is prepended to raw query text before embedding, per
// §4.2 step 3.
const searchQueryPrefix = "search_query: "

// adaptiveTopScoreFloor is the top-score floor of the adaptive HNSW widening
// rule of §4.2 step 4; the 5x/10x over-fetch and 2x ef multipliers are
// applied in adaptiveSearch.
const adaptiveTopScoreFloor = 0.65

// SparseScorer supplies a keyword/BM25-style score for a parent key,
// combined with the vector score by Config.Alpha. A nil SparseScorer
// disables fusion regardless of Alpha.
type SparseScorer interface {
	Score(ctx context.Context, parentKey string, queryText string) (float64, bool)
}

// EmbeddingClient produces a unit vector for arbitrary text.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// PointMeta is the in-memory metadata retained alongside each indexed
// vector, used for chunk/parent dedup and result presentation.
type PointMeta struct {
	Title          string
	ContentPreview string
}

// SearchResult is one ranked hit returned by Search.
type SearchResult struct {
	Key   string
	Score float64
	Meta  PointMeta
}

// Engine is the mutable index: an HnswGraph plus id maps, tombstones,
// metadata, and caches. All graph mutation and search goes through here —
// callers never touch the HnswGraph directly.
type Engine struct {
	mu sync.RWMutex

	cfg   Config
	graph *hnsw.Graph
	dim   int

	extToInt map[string]uint32
	intToExt map[uint32]string
	meta     map[uint32]PointMeta
	nextID   uint32

	tombstones *roaring.Bitmap

	embedder EmbeddingClient
	sparse   SparseScorer
	metric   *metrics.Recorder

	queryCache   *lru.Cache[string, []float32]
	resultsCache *lru.Cache[string, []SearchResult]
}

// New constructs an empty Engine for vectors of the given dimension. metric
// may be nil.
func New(dim int, cfg Config, embedder EmbeddingClient, metric *metrics.Recorder) (*Engine, error) {
	if cfg.CacheSize <= 0 {
		cfg = DefaultConfig()
	}
	qc, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("searchengine: query cache: %w", err)
	}
	rc, err := lru.New[string, []SearchResult](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("searchengine: results cache: %w", err)
	}
	return &Engine{
		cfg:          cfg,
		graph:        hnsw.NewGraph(dim, cfg.graphConfig()),
		dim:          dim,
		extToInt:     make(map[string]uint32),
		intToExt:     make(map[uint32]string),
		meta:         make(map[uint32]PointMeta),
		tombstones:   roaring.New(),
		embedder:     embedder,
		metric:       metric,
		queryCache:   qc,
		resultsCache: rc,
	}, nil
}

// SetSparseScorer installs (or clears, with nil) a sparse-fusion scorer.
func (e *Engine) SetSparseScorer(s SparseScorer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sparse = s
}

// Size returns the number of live (non-tombstoned) points.
func (e *Engine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	live := 0
	for _, id := range e.extToInt {
		if !e.tombstones.Contains(id) {
			live++
		}
	}
	return live
}

// TombstoneRatio returns the fraction of graph nodes currently tombstoned.
func (e *Engine) TombstoneRatio() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	total := e.graph.NodeCount()
	if total == 0 {
		return 0
	}
	return float64(e.tombstones.GetCardinality()) / float64(total)
}

// AddPoint inserts or replaces the vector for extKey. Replacing an
// already-mapped key tombstones its old internal id and allocates a fresh
// one — the graph is append-only and never overwrites in place.
func (e *Engine) AddPoint(extKey string, v []float32, meta PointMeta) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// A rejected vector leaves the engine untouched: no tombstone, no id.
	if len(v) != e.dim {
		return fmt.Errorf("searchengine: insert %q: %w", extKey, &vector.ErrDimensionMismatch{Want: e.dim, Got: len(v)})
	}

	if _, exists := e.extToInt[extKey]; exists {
		e.removePointLocked(extKey)
	}

	id := e.nextID
	if err := e.graph.Insert(id, v); err != nil {
		return fmt.Errorf("searchengine: insert %q: %w", extKey, err)
	}
	e.nextID++
	e.extToInt[extKey] = id
	e.intToExt[id] = extKey
	e.meta[id] = meta
	e.invalidateCachesLocked()
	return nil
}

// RemovePoint tombstones extKey, if present. A no-op for unknown keys.
func (e *Engine) RemovePoint(extKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removePointLocked(extKey)
}

func (e *Engine) removePointLocked(extKey string) {
	id, ok := e.extToInt[extKey]
	if !ok {
		return
	}
	e.tombstones.Add(id)
	e.invalidateCachesLocked()
}

func (e *Engine) invalidateCachesLocked() {
	e.queryCache.Purge()
	e.resultsCache.Purge()
}

// Clear resets the engine to empty: fresh graph, maps, tombstones, caches.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graph = hnsw.NewGraph(e.dim, e.cfg.graphConfig())
	e.extToInt = make(map[string]uint32)
	e.intToExt = make(map[uint32]string)
	e.meta = make(map[uint32]PointMeta)
	e.nextID = 0
	e.tombstones = roaring.New()
	e.invalidateCachesLocked()
}

// InstallGraph replaces the engine's graph and mapping wholesale — used by
// warm boot, where identity is restored directly from a persisted mapping
// rather than by re-scanning rows. mapping is expected to already exclude
// tombstoned keys (see Snapshot), so every restored id is live. nextID is
// taken from the graph's own node count, not the mapping's max id, since
// the underlying HnswGraph is append-only and its arena may extend past
// the highest id any surviving key still maps to.
func (e *Engine) InstallGraph(g *hnsw.Graph, mapping map[string]uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.graph = g
	e.dim = g.Dim()
	e.extToInt = make(map[string]uint32, len(mapping))
	e.intToExt = make(map[uint32]string, len(mapping))
	for ext, id := range mapping {
		e.extToInt[ext] = id
		e.intToExt[id] = ext
	}
	e.nextID = uint32(g.NodeCount())
	e.meta = make(map[uint32]PointMeta, len(mapping))
	e.tombstones = roaring.New()
	e.invalidateCachesLocked()
}

// Snapshot returns the current graph and ext→int mapping for persistence.
// Tombstoned keys are excluded from the mapping: a removed key must not be
// resurrected by warm boot, so InstallGraph is only ever handed live
// identities. The underlying HnswGraph nodes for tombstoned ids are still
// persisted as part of the graph itself (it never deletes), but with no
// mapping entry pointing at them they are unreachable through the engine
// after a restart — the tombstone bitmap is rebuilt lazily as removals
// recur, per §4.2's "purged only by full rebuild" policy.
func (e *Engine) Snapshot() (*hnsw.Graph, map[string]uint32) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mapping := make(map[string]uint32, len(e.extToInt))
	for k, v := range e.extToInt {
		if e.tombstones.Contains(v) {
			continue
		}
		mapping[k] = v
	}
	return e.graph, mapping
}

// ExportMapping returns a copy of the ext→int mapping alone.
func (e *Engine) ExportMapping() map[string]uint32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]uint32, len(e.extToInt))
	for k, v := range e.extToInt {
		out[k] = v
	}
	return out
}

// Search runs the eight-step adaptive search pipeline of §4.2.
func (e *Engine) Search(ctx context.Context, queryText string, k int) ([]SearchResult, error) {
	start := time.Now()
	queryText = strings.TrimSpace(queryText)
	if queryText == "" || k <= 0 {
		return nil, nil
	}

	if cached, ok := e.resultsCacheGet(queryText); ok {
		if len(cached) > k {
			cached = cached[:k]
		}
		e.metric.ObserveSearch(metrics.CacheHit, time.Since(start))
		return cached, nil
	}

	qv, err := e.embedQuery(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("searchengine: embed query: %w", err)
	}

	candidates, widened, err := e.adaptiveSearch(qv, k)
	if err != nil {
		return nil, fmt.Errorf("searchengine: adaptive search: %w", err)
	}

	results := e.rerankAndFuse(ctx, qv, candidates, queryText)
	results = dedupChunksToParent(results)

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}

	e.resultsCache.Add(queryText, results)

	outcome := metrics.CacheMiss
	if widened {
		outcome = metrics.CacheAdaptiveRetry
	}
	e.metric.ObserveSearch(outcome, time.Since(start))
	return results, nil
}

func (e *Engine) resultsCacheGet(queryText string) ([]SearchResult, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.resultsCache.Get(queryText)
	return v, ok
}

func (e *Engine) embedQuery(ctx context.Context, queryText string) ([]float32, error) {
	e.mu.RLock()
	if v, ok := e.queryCache.Get(queryText); ok {
		e.mu.RUnlock()
		return v, nil
	}
	e.mu.RUnlock()

	raw, err := e.embedder.Embed(ctx, searchQueryPrefix+queryText)
	if err != nil {
		return nil, err
	}
	qv := vector.Normalize(raw)

	e.mu.Lock()
	e.queryCache.Add(queryText, qv)
	e.mu.Unlock()
	return qv, nil
}

type candidate struct {
	id  uint32
	ext string
}

// adaptiveSearch implements §4.2 step 4: over-fetch, filter tombstones,
// and widen once if the result is too thin or too weak. The bool result
// reports whether the widening retry was taken, for cache-outcome metrics.
func (e *Engine) adaptiveSearch(qv []float32, k int) ([]candidate, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cands, topScore, err := e.searchOnceLocked(qv, k, e.cfg.EfSearch, 5)
	if err != nil {
		return nil, false, err
	}
	if topScore >= adaptiveTopScoreFloor && len(cands) >= k {
		return cands, false, nil
	}

	widened, _, err := e.searchOnceLocked(qv, k, 2*e.cfg.EfSearch, 10)
	if err != nil {
		return nil, false, err
	}
	if len(widened) > len(cands) {
		return widened, true, nil
	}
	return cands, true, nil
}

// searchOnceLocked returns surviving (non-tombstoned, mapped) candidates
// along with the score of the first surviving candidate — not raw.SearchKNN
// index 0, which may itself be tombstoned and would otherwise report a
// zero top score even when a real high-scoring candidate follows it.
func (e *Engine) searchOnceLocked(qv []float32, k, ef, multiple int) ([]candidate, float64, error) {
	raw, err := e.graph.SearchKNN(qv, multiple*k, ef)
	if err != nil {
		return nil, 0, err
	}
	out := make([]candidate, 0, len(raw))
	var top float64
	for _, r := range raw {
		if e.tombstones.Contains(r.ID) {
			continue
		}
		ext, ok := e.intToExt[r.ID]
		if !ok {
			continue
		}
		if len(out) == 0 {
			top = float64(r.Score)
		}
		out = append(out, candidate{id: r.ID, ext: ext})
	}
	return out, top, nil
}

// rerankAndFuse recomputes exact dot-product similarity against the cached
// query vector (§4.2 step 5) and optionally fuses a sparse score (step 6).
func (e *Engine) rerankAndFuse(ctx context.Context, qv []float32, cands []candidate, queryText string) []SearchResult {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]SearchResult, 0, len(cands))
	for _, c := range cands {
		vec, ok := e.graph.VectorAt(c.id)
		if !ok {
			continue
		}
		score := float64(vector.Dot(vec, qv))

		if e.sparse != nil && e.cfg.Alpha < 1.0 {
			parent := parentKey(c.ext)
			if sparseScore, ok := e.sparse.Score(ctx, parent, queryText); ok {
				score = e.cfg.Alpha*score + (1-e.cfg.Alpha)*sparseScore
			}
		}

		out = append(out, SearchResult{Key: c.ext, Score: score, Meta: e.meta[c.id]})
	}
	return out
}

// parentKey strips a trailing ":chunkIndex" suffix, per the "parent:chunk"
// key convention used for chunked notes.
func parentKey(key string) string {
	if i := strings.LastIndex(key, ":"); i >= 0 {
		return key[:i]
	}
	return key
}

// dedupChunksToParent collapses chunk keys sharing a parent, keeping the
// highest-scoring chunk under the parent's key (§4.2 step 7).
func dedupChunksToParent(results []SearchResult) []SearchResult {
	best := make(map[string]SearchResult, len(results))
	order := make([]string, 0, len(results))
	for _, r := range results {
		p := parentKey(r.Key)
		if existing, ok := best[p]; !ok || r.Score > existing.Score {
			if !ok {
				order = append(order, p)
			}
			r.Key = p
			best[p] = r
		}
	}
	out := make([]SearchResult, 0, len(order))
	for _, p := range order {
		out = append(out, best[p])
	}
	return out
}
