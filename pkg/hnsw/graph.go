// Package hnsw implements a Hierarchical Navigable Small World proximity
// graph: multi-layer approximate nearest-neighbor search with bounded-degree
// neighbor pruning and greedy entry-point descent.
//
// The graph never deletes nodes. Logical deletion (tombstoning) is owned by
// the caller (see pkg/searchengine) — HnswGraph is a pure, append-only
// arena of nodes indexed by internal id; adjacency lists store ids, never
// pointers, which sidesteps any cycle-collection concern in the otherwise
// cyclic neighbor graph.
package hnsw

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/kestrelnotes/vecsync/pkg/vector"
)

// node is one arena slot. Its neighbor lists are indexed by layer,
// 0..level inclusive.
type node struct {
	vector    []float32
	level     int
	neighbors [][]uint32
}

// Result is one hit from a graph search: an internal id and a similarity
// score in [-1, 1] (dot product of unit vectors).
type Result struct {
	ID    uint32
	Score float32
}

// Graph is a Hierarchical Navigable Small World index over unit vectors.
type Graph struct {
	mu  sync.RWMutex
	cfg Config
	dim int
	rng *rand.Rand

	nodes         []*node
	entryPoint    uint32
	hasEntryPoint bool
}

// Option configures a new Graph.
type Option func(*Graph)

// WithSeed pins the level-assignment RNG for deterministic tests.
func WithSeed(seed int64) Option {
	return func(g *Graph) { g.rng = rand.New(rand.NewSource(seed)) }
}

func newDefaultRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// NewGraph constructs an empty Graph over vectors of the given dimension.
func NewGraph(dim int, cfg Config, opts ...Option) *Graph {
	if cfg.M <= 0 {
		cfg = DefaultConfig()
	}
	g := &Graph{
		cfg:   cfg,
		dim:   dim,
		rng:   newDefaultRand(),
		nodes: make([]*node, 0, 1024),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Dim returns the fixed vector dimension of this graph.
func (g *Graph) Dim() int { return g.dim }

// Config returns the graph's construction parameters.
func (g *Graph) Config() Config { return g.cfg }

// NodeCount returns the number of nodes ever inserted (including
// externally-tombstoned ones — the graph has no notion of tombstones).
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EntryPoint returns the current entry point id, if any.
func (g *Graph) EntryPoint() (uint32, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entryPoint, g.hasEntryPoint
}

// VectorAt returns a copy of the stored unit vector for id.
func (g *Graph) VectorAt(id uint32) ([]float32, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if int(id) >= len(g.nodes) {
		return nil, false
	}
	return append([]float32(nil), g.nodes[id].vector...), true
}

func (g *Graph) randomLevel() int {
	u := g.rng.Float64()
	if u <= 0 {
		u = 1e-12
	}
	return int(math.Floor(-math.Log(u) * g.cfg.LevelMultiplier))
}

func (g *Graph) distanceTo(id uint32, q []float32) float32 {
	return vector.CosineFromDot(vector.Dot(g.nodes[id].vector, q))
}

func (g *Graph) distanceBetween(a, b uint32) float32 {
	return vector.CosineFromDot(vector.Dot(g.nodes[a].vector, g.nodes[b].vector))
}

func (g *Graph) neighborsAt(id uint32, layer int) []uint32 {
	n := g.nodes[id]
	if layer > n.level {
		return nil
	}
	return n.neighbors[layer]
}

// Insert adds vector v under internal id. id must equal NodeCount() (the
// graph is append-only); any smaller id is treated as an already-present
// duplicate and the call is a no-op, matching the "addPoint on a duplicate
// id is a no-op" failure mode — callers wanting to replace a vector must
// tombstone the old id and insert under a fresh one (see searchengine).
func (g *Graph) Insert(id uint32, v []float32) error {
	if len(v) != g.dim {
		return &vector.ErrDimensionMismatch{Want: g.dim, Got: len(v)}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if int(id) < len(g.nodes) {
		return nil
	}

	level := g.randomLevel()
	n := &node{
		vector:    append([]float32(nil), v...),
		level:     level,
		neighbors: make([][]uint32, level+1),
	}
	g.nodes = append(g.nodes, n)

	if !g.hasEntryPoint {
		g.entryPoint = id
		g.hasEntryPoint = true
		return nil
	}

	epLevel := g.nodes[g.entryPoint].level
	cur := g.entryPoint
	curDist := g.distanceTo(cur, v)

	for l := epLevel; l > level; l-- {
		cur, curDist = g.searchLayerSingle(cur, curDist, v, l)
	}

	top := epLevel
	if level < top {
		top = level
	}
	for l := top; l >= 0; l-- {
		candidates := g.searchLayer(v, cur, g.cfg.EfConstruction, l)
		selected := g.selectNeighborsHeuristic(v, candidates, g.cfg.M)
		g.connect(id, l, selected)
		for _, nb := range selected {
			g.pruneIfOverflow(nb, l)
		}
		if len(candidates) > 0 {
			cur = candidates[0].id
		}
	}

	if level > epLevel {
		g.entryPoint = id
	}
	return nil
}

// searchLayerSingle performs a greedy single-path descent from entry,
// always stepping to the closest unvisited neighbor until no improvement is
// found. Used for the ep-descent phase above the insertion/query level.
func (g *Graph) searchLayerSingle(entry uint32, entryDist float32, q []float32, layer int) (uint32, float32) {
	best, bestDist := entry, entryDist
	for {
		improved := false
		for _, nb := range g.neighborsAt(best, layer) {
			d := g.distanceTo(nb, q)
			if d < bestDist {
				bestDist = d
				best = nb
				improved = true
			}
		}
		if !improved {
			return best, bestDist
		}
	}
}

// searchLayer runs best-first search bounded by candidate budget ef,
// returning up to ef results sorted by ascending distance (nearest first).
func (g *Graph) searchLayer(q []float32, entry uint32, ef int, layer int) []distItem {
	visited := map[uint32]bool{entry: true}
	entryDist := g.distanceTo(entry, q)

	candidates := newDistHeap(false, ef) // min-heap: expand closest first
	results := newDistHeap(true, ef)     // max-heap: worst kept result on top
	candidates.Push(distItem{id: entry, dist: entryDist})
	results.Push(distItem{id: entry, dist: entryDist})

	for candidates.Len() > 0 {
		c := candidates.Peek()
		if results.Len() >= ef && c.dist > results.Peek().dist {
			break
		}
		candidates.Pop()

		for _, nb := range g.neighborsAt(c.id, layer) {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := g.distanceTo(nb, q)
			if results.Len() < ef || d < results.Peek().dist {
				candidates.Push(distItem{id: nb, dist: d})
				results.Push(distItem{id: nb, dist: d})
				if results.Len() > ef {
					results.Pop()
				}
			}
		}
	}

	out := results.ToSorted()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].id < out[j].id
	})
	return out
}

// selectNeighborsHeuristic implements the diversity-preserving neighbor
// selection rule: repeatedly take the candidate closest to q whose distance
// to q is strictly less than its distance to every already-selected
// candidate, until m are chosen or candidates are exhausted. Ties break on
// lower internal id (candidates arrive pre-sorted that way).
func (g *Graph) selectNeighborsHeuristic(q []float32, candidates []distItem, m int) []uint32 {
	selected := make([]uint32, 0, m)
	for _, cand := range candidates {
		if len(selected) >= m {
			break
		}
		keep := true
		for _, s := range selected {
			if g.distanceBetween(cand.id, s) <= cand.dist {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, cand.id)
		}
	}
	return selected
}

func (g *Graph) connect(id uint32, layer int, neighbors []uint32) {
	for _, nb := range neighbors {
		g.nodes[id].neighbors[layer] = append(g.nodes[id].neighbors[layer], nb)
		g.nodes[nb].neighbors[layer] = append(g.nodes[nb].neighbors[layer], id)
	}
}

func (g *Graph) removeEdge(from, to uint32, layer int) {
	if layer > g.nodes[from].level {
		return
	}
	lst := g.nodes[from].neighbors[layer]
	for i, x := range lst {
		if x == to {
			lst[i] = lst[len(lst)-1]
			g.nodes[from].neighbors[layer] = lst[:len(lst)-1]
			return
		}
	}
}

// pruneIfOverflow re-applies the heuristic to id's neighbor list at layer
// when it has grown past Mmax(layer), dropping the reciprocal edge for
// anything cut.
func (g *Graph) pruneIfOverflow(id uint32, layer int) {
	mmax := g.cfg.Mmax(layer)
	nbs := g.nodes[id].neighbors[layer]
	if len(nbs) <= mmax {
		return
	}

	cands := make([]distItem, len(nbs))
	for i, nb := range nbs {
		cands[i] = distItem{id: nb, dist: g.distanceBetween(id, nb)}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].id < cands[j].id
	})

	selected := g.selectNeighborsHeuristic(g.nodes[id].vector, cands, mmax)
	keep := make(map[uint32]bool, len(selected))
	for _, k := range selected {
		keep[k] = true
	}
	for _, nb := range nbs {
		if !keep[nb] {
			g.removeEdge(nb, id, layer)
		}
	}
	g.nodes[id].neighbors[layer] = selected
}

// SearchKNN returns the top-k results for q, expanding a candidate pool of
// at least ef (bumped up to k if a caller passes a smaller ef; the graph
// never violates its own ef >= k precondition). Returns nil, nil on an
// empty graph.
func (g *Graph) SearchKNN(q []float32, k int, ef int) ([]Result, error) {
	if len(q) != g.dim {
		return nil, &vector.ErrDimensionMismatch{Want: g.dim, Got: len(q)}
	}
	if ef < k {
		ef = k
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.hasEntryPoint {
		return nil, nil
	}

	cur := g.entryPoint
	curDist := g.distanceTo(cur, q)
	topLevel := g.nodes[g.entryPoint].level
	for l := topLevel; l > 0; l-- {
		cur, curDist = g.searchLayerSingle(cur, curDist, q, l)
	}
	_ = curDist

	candidates := g.searchLayer(q, cur, ef, 0)
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]Result, len(candidates))
	for i, c := range candidates {
		out[i] = Result{ID: c.id, Score: 1 - c.dist}
	}
	return out, nil
}
