package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelnotes/vecsync/pkg/graphstore"
	"github.com/kestrelnotes/vecsync/pkg/hnsw"
)

func newTestGraph(t *testing.T) *hnsw.Graph {
	t.Helper()
	g := hnsw.NewGraph(4, hnsw.DefaultConfig(), hnsw.WithSeed(3))
	require.NoError(t, g.Insert(0, []float32{1, 0, 0, 0}))
	require.NoError(t, g.Insert(1, []float32{0, 1, 0, 0}))
	return g
}

func TestPersistAndLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := graphstore.New(t.TempDir())
	require.NoError(t, err)
	p := New(store)

	g := newTestGraph(t)
	mapping := map[string]uint32{"a": 0, "b": 1}

	checksum, err := p.PersistGraph(ctx, g, mapping, "latest")
	require.NoError(t, err)
	assert.Len(t, checksum, 16)

	res, err := p.LoadGraph(ctx, "latest")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, checksum, res.Checksum)
	assert.Equal(t, mapping, res.Mapping)
	assert.Equal(t, 2, res.Graph.NodeCount())
}

func TestLoadGraphAbsentReturnsNil(t *testing.T) {
	ctx := context.Background()
	store, err := graphstore.New(t.TempDir())
	require.NoError(t, err)
	p := New(store)

	res, err := p.LoadGraph(ctx, "latest")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestLoadGraphCorruptReturnsNil(t *testing.T) {
	ctx := context.Background()
	store, err := graphstore.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Write("latest.json", []byte("not json")))
	p := New(store)

	res, err := p.LoadGraph(ctx, "latest")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestLoadGraphMissingMappingDegradesGracefully(t *testing.T) {
	ctx := context.Background()
	store, err := graphstore.New(t.TempDir())
	require.NoError(t, err)
	p := New(store)

	g := newTestGraph(t)
	data, err := g.ToJSON(time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Write("latest.json", data))

	res, err := p.LoadGraph(ctx, "latest")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Nil(t, res.Mapping)
	assert.Equal(t, 2, res.Graph.NodeCount())
}

func TestRenameFileMovesBothHalves(t *testing.T) {
	ctx := context.Background()
	store, err := graphstore.New(t.TempDir())
	require.NoError(t, err)
	p := New(store)

	g := newTestGraph(t)
	_, err = p.PersistGraph(ctx, g, map[string]uint32{"a": 0}, "latest")
	require.NoError(t, err)

	require.NoError(t, p.RenameFile(ctx, "latest", "backup"))

	res, err := p.LoadGraph(ctx, "latest")
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = p.LoadGraph(ctx, "backup")
	require.NoError(t, err)
	require.NotNil(t, res)
}

func TestGCOldSnapshotsKeepsCanonicalNames(t *testing.T) {
	ctx := context.Background()
	store, err := graphstore.New(t.TempDir())
	require.NoError(t, err)
	p := New(store)

	g := newTestGraph(t)
	_, err = p.PersistGraph(ctx, g, nil, "latest")
	require.NoError(t, err)
	_, err = p.PersistGraph(ctx, g, nil, "backup")
	require.NoError(t, err)
	_, err = p.PersistGraph(ctx, g, nil, "2026-01-01T00-00-00")
	require.NoError(t, err)

	require.NoError(t, p.GCOldSnapshots(ctx, 0))

	info, err := p.GetSnapshotInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Count)
	names := map[string]bool{}
	for _, item := range info.Items {
		names[item.Name] = true
	}
	assert.True(t, names["latest.json"])
	assert.True(t, names["backup.json"])
}

func TestRenameFileMissingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := graphstore.New(t.TempDir())
	require.NoError(t, err)
	p := New(store)

	assert.NoError(t, p.RenameFile(ctx, "latest", "backup"))
}
