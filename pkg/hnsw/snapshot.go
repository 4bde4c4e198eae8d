package hnsw

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/kestrelnotes/vecsync/pkg/vector"
)

// FormatVersion is the only snapshot format this build accepts on load. A
// mismatch is a warning, not a hard error — callers fall back to a full
// rebuild rather than attempting migration.
const FormatVersion = "1.0.0"

// ErrVersionMismatch is returned by FromJSON when the snapshot's format
// version differs from FormatVersion.
type ErrVersionMismatch struct {
	Got  string
	Want string
}

func (e *ErrVersionMismatch) Error() string {
	return fmt.Sprintf("hnsw: snapshot version mismatch: got %q, want %q", e.Got, e.Want)
}

type wireNode struct {
	ID               int     `json:"id"`
	Level            int     `json:"level"`
	Vector           []float32 `json:"vector"`
	NeighborsByLayer [][]int `json:"neighborsByLayer"`
}

type wireMetadata struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	NodeCount int       `json:"nodeCount"`
}

type wireGraph struct {
	M              int          `json:"M"`
	EfConstruction int          `json:"efConstruction"`
	LevelMax       int          `json:"levelMax"`
	EntryPointID   int          `json:"entryPointId"`
	Nodes          []wireNode   `json:"nodes"`
	Metadata       wireMetadata `json:"metadata"`
}

// ToJSON serializes the graph to the canonical snapshot wire format. It does
// not rebuild anything on load — fromJSON trusts serialized adjacency as-is.
func (g *Graph) ToJSON(createdAt time.Time) ([]byte, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	levelMax := 0
	nodes := make([]wireNode, len(g.nodes))
	for i, n := range g.nodes {
		if n.level > levelMax {
			levelMax = n.level
		}
		rows := make([][]int, len(n.neighbors))
		for l, lst := range n.neighbors {
			row := make([]int, len(lst))
			for j, x := range lst {
				row[j] = int(x)
			}
			rows[l] = row
		}
		nodes[i] = wireNode{
			ID:               i,
			Level:            n.level,
			Vector:           append([]float32(nil), n.vector...),
			NeighborsByLayer: rows,
		}
	}

	entryPointID := -1
	if g.hasEntryPoint {
		entryPointID = int(g.entryPoint)
	}

	wg := wireGraph{
		M:              g.cfg.M,
		EfConstruction: g.cfg.EfConstruction,
		LevelMax:       levelMax,
		EntryPointID:   entryPointID,
		Nodes:          nodes,
		Metadata: wireMetadata{
			Version:   FormatVersion,
			CreatedAt: createdAt.UTC(),
			NodeCount: len(nodes),
		},
	}
	return json.Marshal(wg)
}

// FromJSON reconstitutes a Graph from the canonical snapshot wire format.
// Adjacency is trusted verbatim; no edges are recomputed.
func FromJSON(data []byte) (*Graph, error) {
	var wg wireGraph
	if err := json.Unmarshal(data, &wg); err != nil {
		return nil, fmt.Errorf("hnsw: decode snapshot: %w", err)
	}
	if wg.Metadata.Version != FormatVersion {
		return nil, &ErrVersionMismatch{Got: wg.Metadata.Version, Want: FormatVersion}
	}

	dim := 0
	if len(wg.Nodes) > 0 {
		dim = len(wg.Nodes[0].Vector)
	}

	m := wg.M
	if m <= 1 {
		m = 2
	}
	g := &Graph{
		cfg: Config{
			M:               wg.M,
			EfConstruction:  wg.EfConstruction,
			LevelMultiplier: 1.0 / math.Log(float64(m)),
		},
		dim:   dim,
		nodes: make([]*node, len(wg.Nodes)),
	}
	g.rng = newDefaultRand()

	for i, wn := range wg.Nodes {
		if len(wn.Vector) != dim {
			return nil, &vector.ErrDimensionMismatch{Want: dim, Got: len(wn.Vector)}
		}
		neighbors := make([][]uint32, len(wn.NeighborsByLayer))
		for l, row := range wn.NeighborsByLayer {
			nb := make([]uint32, len(row))
			for j, x := range row {
				nb[j] = uint32(x)
			}
			neighbors[l] = nb
		}
		g.nodes[i] = &node{
			vector:    append([]float32(nil), wn.Vector...),
			level:     wn.Level,
			neighbors: neighbors,
		}
	}

	if wg.EntryPointID >= 0 {
		g.entryPoint = uint32(wg.EntryPointID)
		g.hasEntryPoint = true
	}
	return g, nil
}
