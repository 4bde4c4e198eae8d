// Package rowstore defines the opaque event-sourced row store contract the
// SyncOrchestrator consumes (query/commit/subscribe) and a concrete
// in-memory reference implementation used by tests and local/embedded
// deployments. A host application backed by a real relational store
// implements the same three-method interface; the orchestrator never
// imports a concrete store type.
package rowstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Selector names a reactive or one-shot query the store understands.
type Selector string

const (
	// SelectorNotesRequiringEmbedding returns embedding rows that are new
	// or have changed since the caller last observed them. It is reactive:
	// subscribers are notified on every upsert.
	SelectorNotesRequiringEmbedding Selector = "notes_requiring_embedding"
	// SelectorOrphanedEmbeddings returns embedding rows whose owning note
	// no longer exists. Reactive: subscribers are notified whenever a note
	// is deleted.
	SelectorOrphanedEmbeddings Selector = "orphaned_embeddings"
	// SelectorAllEmbeddings returns every live (non-orphaned) embedding
	// row regardless of staleness. Not reactive — used only for cold boot
	// and forced rebuilds.
	SelectorAllEmbeddings Selector = "all_embeddings"
)

// EmbeddingRow is the wire shape of one embedding row, per §6.
type EmbeddingRow struct {
	Key       string
	Title     string
	Content   string
	VecBytes  []byte
	VecDim    int
	Model     string
	UpdatedAt time.Time
}

// Vector decodes VecBytes (little-endian float32, row-major) into a
// []float32 of length VecDim. Returns an error if the byte length is
// inconsistent with VecDim — the caller should reject the row rather than
// propagate the untyped shape inward.
func (r EmbeddingRow) Vector() ([]float32, error) {
	want := r.VecDim * 4
	if len(r.VecBytes) != want {
		return nil, fmt.Errorf("rowstore: row %q: vecBytes length %d does not match vecDim %d (want %d bytes)", r.Key, len(r.VecBytes), r.VecDim, want)
	}
	out := make([]float32, r.VecDim)
	for i := range out {
		bits := binary.LittleEndian.Uint32(r.VecBytes[i*4:])
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}

// EncodeVector is the inverse of Vector, used by the reference store and by
// tests to build wire-shaped rows from plain float32 slices.
func EncodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
	}
	return out
}

// EmbeddingUpserted is committed by the core when it (re)indexes a row,
// carrying the freshly computed vector. The store applies it to its
// embeddings table (MemoryStore.Commit does), with Ts as the row's new
// updatedAt.
type EmbeddingUpserted struct {
	Key       string
	Title     string
	Content   string
	VecBytes  []byte
	VecDim    int
	Model     string
	Ts        time.Time
}

// EmbeddingRemoved is committed when a row is dropped from the index.
type EmbeddingRemoved struct {
	Key string
}

// SnapshotCreated is committed after a successful persistGraph, so the host
// application can observe snapshot activity without polling the directory.
type SnapshotCreated struct {
	FileName  string
	Checksum  string
	Size      int64
	NodeCount int
	Model     string
	Ts        time.Time
}

// IndexCleared is committed when the index is wiped (forceFullRebuild).
type IndexCleared struct {
	Ts     time.Time
	Reason string
}

// Store is the opaque row-store contract SyncOrchestrator depends on.
type Store interface {
	// Query runs selector and returns the matching rows.
	Query(ctx context.Context, selector Selector) ([]EmbeddingRow, error)
	// Commit records an event emitted by this subsystem.
	Commit(ctx context.Context, event any) error
	// Subscribe registers onChange to be invoked (asynchronously, at most
	// once per tick — bursts are the caller's responsibility to debounce)
	// whenever selector's result set may have changed. The returned func
	// unsubscribes; it is also safe to cancel via ctx.
	Subscribe(ctx context.Context, selector Selector, onChange func()) (unsubscribe func())
}
