// Package persistence implements versioned graph serialization, checksum
// computation, and generation management (latest/backup + GC) on top of a
// graphstore.Store. It also owns a private companion artifact — the
// ext-to-internal id mapping sidecar — that closes the warm-boot mapping
// hazard called out in the design notes: identity is restored directly from
// this sidecar rather than by re-scanning rows in an assumed-stable order.
package persistence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelnotes/vecsync/pkg/graphstore"
	"github.com/kestrelnotes/vecsync/pkg/hnsw"
)

const (
	graphExt   = ".json"
	mappingExt = ".mapping"
)

// SnapshotInfo summarizes the canonical .json blobs in the directory.
type SnapshotInfo struct {
	Count     int
	TotalSize int64
	Items     []graphstore.Info
}

// LoadResult is what LoadGraph returns on a successful decode. A nil
// LoadResult (with nil error) signals "absent or corrupt" per §4.3 — the
// caller falls back to cold boot.
type LoadResult struct {
	Graph    *hnsw.Graph
	Mapping  map[string]uint32 // nil if the sidecar was absent/corrupt
	Checksum string
}

// Persistence is the versioned-serialization layer over a blob store.
type Persistence struct {
	store *graphstore.Store
	log   *log.Logger
}

// New wraps store in a Persistence.
func New(store *graphstore.Store) *Persistence {
	return &Persistence{store: store, log: log.New(log.Writer(), "vecsync/persistence: ", log.LstdFlags)}
}

// PersistGraph serializes graph to {name}.json and its ext-to-internal
// mapping to {name}.mapping, returning the SHA-256-derived checksum of the
// graph payload (informational only).
func (p *Persistence) PersistGraph(ctx context.Context, graph *hnsw.Graph, mapping map[string]uint32, name string) (string, error) {
	data, err := graph.ToJSON(time.Now())
	if err != nil {
		return "", fmt.Errorf("persistence: serialize graph: %w", err)
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])[:16]

	if err := p.store.Write(name+graphExt, data); err != nil {
		return "", fmt.Errorf("persistence: write graph: %w", err)
	}

	mapData, err := encodeMapping(mapping)
	if err != nil {
		return checksum, fmt.Errorf("persistence: encode mapping: %w", err)
	}
	if err := p.store.Write(name+mappingExt, mapData); err != nil {
		return checksum, fmt.Errorf("persistence: write mapping: %w", err)
	}
	return checksum, nil
}

// LoadGraph reads the graph blob and its mapping sidecar (concurrently,
// since both are independent reads), decodes them, and validates the
// format version. A missing or corrupt graph blob returns (nil, nil) — not
// an error — so the caller can fall back to cold boot. A missing or corrupt
// mapping sidecar degrades independently: the graph still loads, but
// Mapping is nil, which the orchestrator also treats as "fall back to cold
// boot" since identity cannot be trusted without it.
func (p *Persistence) LoadGraph(ctx context.Context, name string) (*LoadResult, error) {
	var graphData, mapData []byte
	var graphErr, mapErr error

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		graphData, graphErr = p.store.Read(name + graphExt)
		return nil
	})
	g.Go(func() error {
		mapData, mapErr = p.store.Read(name + mappingExt)
		return nil
	})
	_ = g.Wait()

	if errors.Is(graphErr, graphstore.ErrNotFound) {
		return nil, nil
	}
	if graphErr != nil {
		p.log.Printf("load graph %s: %v", name, graphErr)
		return nil, nil
	}

	sum := sha256.Sum256(graphData)
	checksum := hex.EncodeToString(sum[:])[:16]

	graph, err := hnsw.FromJSON(graphData)
	if err != nil {
		var vm *hnsw.ErrVersionMismatch
		if errors.As(err, &vm) {
			p.log.Printf("%v; falling back to rebuild", err)
		} else {
			p.log.Printf("decode graph %s: %v", name, err)
		}
		return nil, nil
	}

	var mapping map[string]uint32
	switch {
	case mapErr == nil:
		mapping, err = decodeMapping(mapData)
		if err != nil {
			p.log.Printf("decode mapping sidecar for %s: %v", name, err)
			mapping = nil
		}
	case errors.Is(mapErr, graphstore.ErrNotFound):
		// no sidecar: mapping stays nil, caller decides.
	default:
		p.log.Printf("load mapping sidecar for %s: %v", name, mapErr)
	}

	return &LoadResult{Graph: graph, Mapping: mapping, Checksum: checksum}, nil
}

// RenameFile renames the graph blob and then its mapping sidecar, each with
// its own atomic rename; the pair is not renamed as one atomic step. A
// missing source for either half is treated as success.
func (p *Persistence) RenameFile(ctx context.Context, old, new string) error {
	if err := p.store.Rename(old+graphExt, new+graphExt); err != nil {
		return fmt.Errorf("persistence: rename graph: %w", err)
	}
	if err := p.store.Rename(old+mappingExt, new+mappingExt); err != nil {
		return fmt.Errorf("persistence: rename mapping: %w", err)
	}
	return nil
}

// RemoveFile deletes both halves of a named snapshot. Missing halves are
// idempotent successes.
func (p *Persistence) RemoveFile(ctx context.Context, name string) error {
	if err := p.store.Remove(name + graphExt); err != nil {
		return fmt.Errorf("persistence: remove graph: %w", err)
	}
	if err := p.store.Remove(name + mappingExt); err != nil {
		return fmt.Errorf("persistence: remove mapping: %w", err)
	}
	return nil
}

// GetSnapshotInfo enumerates the canonical .json blobs.
func (p *Persistence) GetSnapshotInfo(ctx context.Context) (SnapshotInfo, error) {
	infos, err := p.store.List(graphExt)
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("persistence: list snapshots: %w", err)
	}
	var total int64
	for _, i := range infos {
		total += i.Size
	}
	return SnapshotInfo{Count: len(infos), TotalSize: total, Items: infos}, nil
}

// GCOldSnapshots prunes old generations. keep == 0 retains only latest and
// backup by name; otherwise the first keep entries by mtime descending
// survive and the rest (graph blob plus mapping sidecar) are removed.
func (p *Persistence) GCOldSnapshots(ctx context.Context, keep int) error {
	infos, err := p.store.List(graphExt)
	if err != nil {
		return fmt.Errorf("persistence: list for gc: %w", err)
	}

	var toDelete []string
	if keep == 0 {
		for _, info := range infos {
			base := strings.TrimSuffix(info.Name, graphExt)
			if base != "latest" && base != "backup" {
				toDelete = append(toDelete, base)
			}
		}
	} else if keep < len(infos) {
		for _, info := range infos[keep:] {
			toDelete = append(toDelete, strings.TrimSuffix(info.Name, graphExt))
		}
	}

	for _, name := range toDelete {
		if err := p.RemoveFile(ctx, name); err != nil {
			return fmt.Errorf("persistence: gc remove %s: %w", name, err)
		}
	}
	return nil
}

func encodeMapping(m map[string]uint32) ([]byte, error) {
	raw, err := msgpack.Marshal(m)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMapping(data []byte) (map[string]uint32, error) {
	zr := lz4.NewReader(bytes.NewReader(data))
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	var m map[string]uint32
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
