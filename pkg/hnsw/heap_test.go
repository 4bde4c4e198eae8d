package hnsw

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistHeapMinOrder(t *testing.T) {
	h := newDistHeap(false, 4)
	h.Push(distItem{id: 1, dist: 0.5})
	h.Push(distItem{id: 2, dist: 0.1})
	h.Push(distItem{id: 3, dist: 0.9})

	assert.Equal(t, uint32(2), h.Pop().id)
	assert.Equal(t, uint32(1), h.Pop().id)
	assert.Equal(t, uint32(3), h.Pop().id)
}

func TestDistHeapMaxOrder(t *testing.T) {
	h := newDistHeap(true, 4)
	h.Push(distItem{id: 1, dist: 0.5})
	h.Push(distItem{id: 2, dist: 0.1})
	h.Push(distItem{id: 3, dist: 0.9})

	assert.Equal(t, uint32(3), h.Pop().id)
	assert.Equal(t, uint32(1), h.Pop().id)
	assert.Equal(t, uint32(2), h.Pop().id)
}

func TestToSortedAscending(t *testing.T) {
	h := newDistHeap(true, 4)
	h.Push(distItem{id: 1, dist: 0.5})
	h.Push(distItem{id: 2, dist: 0.1})
	h.Push(distItem{id: 3, dist: 0.9})

	sorted := h.ToSorted()
	assert.Equal(t, []float32{0.1, 0.5, 0.9}, []float32{sorted[0].dist, sorted[1].dist, sorted[2].dist})
}
