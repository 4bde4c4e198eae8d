package searchengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelnotes/vecsync/pkg/metrics"
	"github.com/kestrelnotes/vecsync/pkg/vector"
)

type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0, 0}, nil
}

func newTestEngine(t *testing.T, embedder EmbeddingClient) *Engine {
	t.Helper()
	e, err := New(4, DefaultConfig(), embedder, nil)
	require.NoError(t, err)
	return e
}

func TestAddPointAndSearchExactMatch(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		searchQueryPrefix + "hello": {1, 0, 0, 0},
	}}
	e := newTestEngine(t, embedder)
	require.NoError(t, e.AddPoint("doc-1", vector.Normalize([]float32{1, 0, 0, 0}), PointMeta{Title: "Doc 1"}))
	require.NoError(t, e.AddPoint("doc-2", vector.Normalize([]float32{0, 1, 0, 0}), PointMeta{Title: "Doc 2"}))

	results, err := e.Search(context.Background(), "hello", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-1", results[0].Key)
	assert.InDelta(t, 1.0, results[0].Score, 1e-4)
}

func TestSearchEmptyQueryReturnsNil(t *testing.T) {
	e := newTestEngine(t, &stubEmbedder{})
	results, err := e.Search(context.Background(), "   ", 5)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestRemovePointExcludesFromSearch(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		searchQueryPrefix + "q": {1, 0, 0, 0},
	}}
	e := newTestEngine(t, embedder)
	require.NoError(t, e.AddPoint("doc-1", vector.Normalize([]float32{1, 0, 0, 0}), PointMeta{}))
	e.RemovePoint("doc-1")

	results, err := e.Search(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 1, e.graph.NodeCount())
	// The graph node itself survives until the next full rebuild, but
	// Size reports live points only.
	assert.Equal(t, 0, e.Size())
	assert.InDelta(t, 1.0, e.TombstoneRatio(), 1e-9)
}

func TestAddPointReplacingKeyTombstonesOld(t *testing.T) {
	e := newTestEngine(t, &stubEmbedder{})
	require.NoError(t, e.AddPoint("doc-1", vector.Normalize([]float32{1, 0, 0, 0}), PointMeta{Title: "v1"}))
	require.NoError(t, e.AddPoint("doc-1", vector.Normalize([]float32{0, 1, 0, 0}), PointMeta{Title: "v2"}))

	assert.Equal(t, 2, e.graph.NodeCount())
	assert.Equal(t, 1, e.Size())
	assert.InDelta(t, 0.5, e.TombstoneRatio(), 1e-9)
}

func TestChunkParentDedupKeepsHighestScore(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		searchQueryPrefix + "q": {1, 0, 0, 0},
	}}
	e := newTestEngine(t, embedder)
	require.NoError(t, e.AddPoint("parent:0", vector.Normalize([]float32{0.9, 0.1, 0, 0}), PointMeta{}))
	require.NoError(t, e.AddPoint("parent:1", vector.Normalize([]float32{1, 0, 0, 0}), PointMeta{}))

	results, err := e.Search(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "parent", results[0].Key)
}

func TestClearResetsEngine(t *testing.T) {
	e := newTestEngine(t, &stubEmbedder{})
	require.NoError(t, e.AddPoint("doc-1", vector.Normalize([]float32{1, 0, 0, 0}), PointMeta{}))
	e.Clear()
	assert.Equal(t, 0, e.Size())
	assert.Equal(t, 0, e.graph.NodeCount())
}

func TestInstallGraphRestoresMapping(t *testing.T) {
	e := newTestEngine(t, &stubEmbedder{})
	require.NoError(t, e.AddPoint("doc-1", vector.Normalize([]float32{1, 0, 0, 0}), PointMeta{}))
	g, mapping := e.Snapshot()

	fresh := newTestEngine(t, &stubEmbedder{})
	fresh.InstallGraph(g, mapping)
	assert.Equal(t, 1, fresh.Size())
	assert.Equal(t, mapping, fresh.ExportMapping())
}

func TestSnapshotExcludesTombstonedKeys(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		searchQueryPrefix + "q": {0, 1, 0, 0},
	}}
	e := newTestEngine(t, embedder)
	require.NoError(t, e.AddPoint("doc-1", vector.Normalize([]float32{1, 0, 0, 0}), PointMeta{}))
	require.NoError(t, e.AddPoint("doc-2", vector.Normalize([]float32{0, 1, 0, 0}), PointMeta{}))
	e.RemovePoint("doc-1")

	_, mapping := e.Snapshot()
	assert.NotContains(t, mapping, "doc-1")
	assert.Contains(t, mapping, "doc-2")

	fresh := newTestEngine(t, embedder)
	g, _ := e.Snapshot()
	fresh.InstallGraph(g, mapping)

	results, err := fresh.Search(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "doc-2", results[0].Key)

	// A fresh AddPoint must not collide with the tombstoned node's id,
	// which is still physically present in the (append-only) graph.
	require.NoError(t, fresh.AddPoint("doc-3", vector.Normalize([]float32{1, 0, 0, 0}), PointMeta{}))
	assert.Equal(t, 2, fresh.Size())
}

func TestSearchWithMetricsRecorderServesCacheHit(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		searchQueryPrefix + "q": {1, 0, 0, 0},
	}}
	e, err := New(4, DefaultConfig(), embedder, metrics.New())
	require.NoError(t, err)
	require.NoError(t, e.AddPoint("doc-1", vector.Normalize([]float32{1, 0, 0, 0}), PointMeta{}))

	results, err := e.Search(context.Background(), "q", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)

	// Second call is a results-cache hit; a nil metric recorder would also
	// have to tolerate this without panicking.
	results, err = e.Search(context.Background(), "q", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

type stubSparse struct{ score float64 }

func (s stubSparse) Score(ctx context.Context, parentKey, queryText string) (float64, bool) {
	return s.score, true
}

func TestSparseFusionBlendsScore(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		searchQueryPrefix + "q": {1, 0, 0, 0},
	}}
	e := newTestEngine(t, embedder)
	e.cfg.Alpha = 0.5
	e.SetSparseScorer(stubSparse{score: 0.0})
	require.NoError(t, e.AddPoint("doc-1", vector.Normalize([]float32{1, 0, 0, 0}), PointMeta{}))

	results, err := e.Search(context.Background(), "q", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.5, results[0].Score, 1e-4)
}
