package hnsw

import (
	"math"
	"testing"
	"time"

	"github.com/kestrelnotes/vecsync/pkg/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(v []float32) []float32 { return vector.Normalize(v) }

func TestInsertAndSearchOrthonormal(t *testing.T) {
	g := NewGraph(4, DefaultConfig(), WithSeed(1))
	require.NoError(t, g.Insert(0, unit([]float32{1, 0, 0, 0})))
	require.NoError(t, g.Insert(1, unit([]float32{0, 1, 0, 0})))
	require.NoError(t, g.Insert(2, unit([]float32{0, 0, 1, 0})))

	results, err := g.SearchKNN(unit([]float32{1, 0, 0, 0}), 2, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, uint32(0), results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-4)
	assert.InDelta(t, 0.0, results[1].Score, 1e-4)
}

func TestInsertDuplicateIDIsNoOp(t *testing.T) {
	g := NewGraph(2, DefaultConfig(), WithSeed(1))
	require.NoError(t, g.Insert(0, unit([]float32{1, 0})))
	require.NoError(t, g.Insert(0, unit([]float32{0, 1})))
	assert.Equal(t, 1, g.NodeCount())
	v, ok := g.VectorAt(0)
	require.True(t, ok)
	assert.InDelta(t, float32(1), v[0], 1e-6)
}

func TestInsertDimensionMismatch(t *testing.T) {
	g := NewGraph(4, DefaultConfig(), WithSeed(1))
	err := g.Insert(0, []float32{1, 0})
	require.Error(t, err)
	var mismatch *vector.ErrDimensionMismatch
	assert.ErrorAs(t, err, &mismatch)
}

func TestSearchEmptyGraph(t *testing.T) {
	g := NewGraph(4, DefaultConfig(), WithSeed(1))
	results, err := g.SearchKNN(unit([]float32{1, 0, 0, 0}), 5, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchDimensionMismatch(t *testing.T) {
	g := NewGraph(4, DefaultConfig(), WithSeed(1))
	require.NoError(t, g.Insert(0, unit([]float32{1, 0, 0, 0})))
	_, err := g.SearchKNN([]float32{1, 0}, 1, 10)
	require.Error(t, err)
}

func TestRecallOnRandomDataset(t *testing.T) {
	const n, dim, k = 400, 16, 10
	cfg := Config{M: 16, EfConstruction: 200, LevelMultiplier: 1.0 / math.Log(16)}
	g := NewGraph(dim, cfg, WithSeed(42))

	rng := newDefaultRand()
	vectors := make([][]float32, n)
	for i := 0; i < n; i++ {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()*2 - 1
		}
		v = unit(v)
		vectors[i] = v
		require.NoError(t, g.Insert(uint32(i), v))
	}

	var totalRecall float64
	const queries = 20
	for q := 0; q < queries; q++ {
		query := vectors[q]
		approx, err := g.SearchKNN(query, k, 100)
		require.NoError(t, err)

		// brute force ground truth
		type scored struct {
			id    int
			score float32
		}
		bf := make([]scored, n)
		for i, v := range vectors {
			bf[i] = scored{id: i, score: vector.Dot(query, v)}
		}
		for i := 0; i < len(bf); i++ {
			for j := i + 1; j < len(bf); j++ {
				if bf[j].score > bf[i].score {
					bf[i], bf[j] = bf[j], bf[i]
				}
			}
		}
		truth := make(map[int]bool, k)
		for i := 0; i < k && i < len(bf); i++ {
			truth[bf[i].id] = true
		}
		hits := 0
		for _, r := range approx {
			if truth[int(r.ID)] {
				hits++
			}
		}
		totalRecall += float64(hits) / float64(k)
	}
	avgRecall := totalRecall / float64(queries)
	assert.GreaterOrEqual(t, avgRecall, 0.7, "average recall@%d too low: %f", k, avgRecall)
}

func TestSnapshotRoundTrip(t *testing.T) {
	g := NewGraph(4, DefaultConfig(), WithSeed(7))
	require.NoError(t, g.Insert(0, unit([]float32{1, 0, 0, 0})))
	require.NoError(t, g.Insert(1, unit([]float32{0, 1, 0, 0})))
	require.NoError(t, g.Insert(2, unit([]float32{0.6, 0.8, 0, 0})))

	data, err := g.ToJSON(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	restored, err := FromJSON(data)
	require.NoError(t, err)

	query := unit([]float32{1, 0, 0, 0})
	want, err := g.SearchKNN(query, 3, 50)
	require.NoError(t, err)
	got, err := restored.SearchKNN(query, 3, 50)
	require.NoError(t, err)

	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.InDelta(t, want[i].Score, got[i].Score, 1e-6)
	}
}

func TestFromJSONVersionMismatch(t *testing.T) {
	_, err := FromJSON([]byte(`{"metadata":{"version":"0.9.0","nodeCount":0}}`))
	require.Error(t, err)
	var vm *ErrVersionMismatch
	assert.ErrorAs(t, err, &vm)
}
