// Package orchestrator implements the debounced, single-flight
// reconciliation loop that keeps a SearchEngine's index converged with an
// external row store: boot protocol (warm or cold), reactive delta
// reconciliation, periodic latest+backup snapshotting with rollback on
// failure, and the forceSync/forceSnapshot/forceFullRebuild/getStatus/
// shutdown control surface.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tidwall/btree"
	"golang.org/x/sync/singleflight"

	"github.com/kestrelnotes/vecsync/pkg/embedding"
	"github.com/kestrelnotes/vecsync/pkg/metrics"
	"github.com/kestrelnotes/vecsync/pkg/persistence"
	"github.com/kestrelnotes/vecsync/pkg/rowstore"
	"github.com/kestrelnotes/vecsync/pkg/searchengine"
	"github.com/kestrelnotes/vecsync/pkg/vector"
)

// State names a coarse orchestrator lifecycle phase, surfaced via
// GetStatus for observability.
type State string

const (
	StateIdle        State = "idle"
	StateDebouncing  State = "debouncing"
	StateReconciling State = "reconciling"
	StateSnapshotting State = "snapshotting"
	StateShutdown    State = "shutdown"
)

// Config holds the orchestrator's tunable timings.
type Config struct {
	Debounce         time.Duration
	ChangesThreshold int
	SnapshotInterval time.Duration
	Model            string
}

// DefaultConfig returns the §4.4 defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:         time.Second,
		ChangesThreshold: 50,
		SnapshotInterval: 5 * time.Minute,
		Model:            "text-embedding-3-small",
	}
}

// Status is the getStatus() control-surface response.
type Status struct {
	State                State
	KnownEmbeddingCount  int
	PendingChangeCount   int
	LastProcessedAt      time.Time
	IndexSize            int
	TombstoneRatio       float64
}

const reconcileSingleflightKey = "reconcile"

// Orchestrator wires a SearchEngine to a row store and a persistence
// layer, keeping the index converged with the store's embedding rows.
type Orchestrator struct {
	cfg    Config
	engine *searchengine.Engine
	pers   *persistence.Persistence
	store  rowstore.Store
	embed  embedding.Client
	metric *metrics.Recorder
	ckpt   *Checkpoint

	log *log.Logger

	stateMu       sync.Mutex
	state         State
	isProcessing  bool
	pendingDeltas bool
	sf            singleflight.Group

	statsMu            sync.RWMutex
	knownExt           *btree.BTreeG[string]
	knownHash          map[string]string
	pendingChangeCount int
	lastProcessedAt    time.Time

	snapMu sync.Mutex

	unsubNotes   func()
	unsubOrphans func()
	stopTimer    chan struct{}
	wg           sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs an Orchestrator. ckpt may be nil (no local bookkeeping
// checkpoint; the first reconciliation pass after a restart re-embeds
// every row instead of restoring knownHash from disk).
func New(engine *searchengine.Engine, pers *persistence.Persistence, store rowstore.Store, embed embedding.Client, cfg Config, metric *metrics.Recorder, ckpt *Checkpoint) *Orchestrator {
	if cfg.Debounce <= 0 {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		engine:   engine,
		pers:     pers,
		store:    store,
		embed:    embed,
		metric:   metric,
		ckpt:     ckpt,
		log:      log.New(log.Writer(), "vecsync/orchestrator: ", log.LstdFlags),
		state:    StateIdle,
		knownExt: btree.NewBTreeG[string](func(a, b string) bool { return a < b }),
		knownHash: make(map[string]string),
		stopTimer: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// fingerprint computes the SHA-256-derived content hash used to detect
// unchanged rows, per the resolved hash-fingerprint design note.
func fingerprint(title, content string, updatedAt time.Time, model string) string {
	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte{0})
	h.Write([]byte(content))
	h.Write([]byte{0})
	h.Write([]byte(updatedAt.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func contentPreview(content string) string {
	const maxLen = 240
	if len(content) <= maxLen {
		return content
	}
	return content[:maxLen]
}

// Initialize runs the boot protocol: warm boot from the latest snapshot,
// falling back to cold boot; then subscribes to the reactive selectors and
// starts the periodic snapshot timer.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	warm, err := o.pers.LoadGraph(ctx, "latest")
	if err != nil {
		return fmt.Errorf("orchestrator: warm boot load: %w", err)
	}

	if warm != nil && warm.Mapping != nil {
		o.engine.InstallGraph(warm.Graph, warm.Mapping)
		o.installKnownExtFromMapping(warm.Mapping)
		o.restoreCheckpoint()
		o.log.Printf("warm boot: restored %d points from latest snapshot", len(warm.Mapping))
	} else {
		o.log.Printf("warm boot unavailable; cold booting")
		if err := o.coldBoot(ctx); err != nil {
			return fmt.Errorf("orchestrator: cold boot: %w", err)
		}
	}

	o.unsubNotes = o.store.Subscribe(o.ctx, rowstore.SelectorNotesRequiringEmbedding, func() { o.triggerReconcile() })
	o.unsubOrphans = o.store.Subscribe(o.ctx, rowstore.SelectorOrphanedEmbeddings, func() { o.triggerReconcile() })

	o.wg.Add(1)
	go o.runSnapshotTimer()

	return nil
}

func (o *Orchestrator) installKnownExtFromMapping(mapping map[string]uint32) {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	tree := btree.NewBTreeG[string](func(a, b string) bool { return a < b })
	hashes := make(map[string]string, len(mapping))
	for ext := range mapping {
		tree.Set(ext)
		hashes[ext] = "" // unknown until the checkpoint (or first reconcile) fills it in
	}
	o.knownExt = tree
	o.knownHash = hashes
}

func (o *Orchestrator) restoreCheckpoint() {
	if o.ckpt == nil {
		return
	}
	state, err := o.ckpt.Load()
	if err != nil {
		o.log.Printf("checkpoint load: %v", err)
		return
	}
	if state == nil {
		return
	}
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	// Only keys present in the installed snapshot get their hash back. Keys
	// the checkpoint knows but the snapshot lacks (reconciled after the
	// last snapshot) stay unknown, so the next reconcile indexes them.
	for k, v := range state.KnownHash {
		if _, ok := o.knownExt.Get(k); ok {
			o.knownHash[k] = v
		}
	}
	o.pendingChangeCount = state.PendingChangeCount
	o.lastProcessedAt = state.LastProcessedAt
}

// coldBoot rebuilds the graph and mappings from scratch, iterating rows
// sequentially — never concurrently, since only a single coordinator ever
// mutates the graph.
func (o *Orchestrator) coldBoot(ctx context.Context) error {
	o.engine.Clear()

	o.statsMu.Lock()
	o.knownExt = btree.NewBTreeG[string](func(a, b string) bool { return a < b })
	o.knownHash = make(map[string]string)
	o.pendingChangeCount = 0
	o.statsMu.Unlock()

	rows, err := o.store.Query(ctx, rowstore.SelectorAllEmbeddings)
	if err != nil {
		return fmt.Errorf("query all embeddings: %w", err)
	}

	for _, row := range rows {
		// All-embeddings rows carry vectors already committed by a prior
		// reconciliation pass; a rebuild re-indexes them without calling
		// the embedding model again.
		vec, err := row.Vector()
		if err != nil {
			o.log.Printf("cold boot: skip %q: %v", row.Key, err)
			continue
		}
		if err := o.engine.AddPoint(row.Key, vec, searchengine.PointMeta{Title: row.Title, ContentPreview: contentPreview(row.Content)}); err != nil {
			o.log.Printf("cold boot: add %q: %v", row.Key, err)
			continue
		}
		o.metric.IncDocumentsIndexed()

		o.statsMu.Lock()
		o.knownExt.Set(row.Key)
		o.knownHash[row.Key] = fingerprint(row.Title, row.Content, row.UpdatedAt, row.Model)
		o.statsMu.Unlock()
	}

	o.statsMu.Lock()
	o.lastProcessedAt = time.Now()
	o.statsMu.Unlock()
	return nil
}

// triggerReconcile implements the debounce/single-flight entry point: if a
// pass is already in flight, mark pendingDeltas and return; otherwise start
// a new debounced pass.
func (o *Orchestrator) triggerReconcile() {
	o.stateMu.Lock()
	if o.isProcessing {
		o.pendingDeltas = true
		o.stateMu.Unlock()
		return
	}
	o.isProcessing = true
	o.state = StateDebouncing
	o.stateMu.Unlock()

	o.wg.Add(1)
	go o.debounceAndReconcile()
}

func (o *Orchestrator) debounceAndReconcile() {
	defer o.wg.Done()
	for {
		select {
		case <-time.After(o.cfg.Debounce):
		case <-o.ctx.Done():
			o.stateMu.Lock()
			o.isProcessing = false
			o.state = StateShutdown
			o.stateMu.Unlock()
			return
		}

		o.stateMu.Lock()
		o.state = StateReconciling
		o.stateMu.Unlock()

		_, _, _ = o.sf.Do(reconcileSingleflightKey, func() (any, error) {
			o.reconcileOnce(o.ctx)
			return nil, nil
		})

		o.stateMu.Lock()
		if o.pendingDeltas {
			o.pendingDeltas = false
			o.state = StateDebouncing
			o.stateMu.Unlock()
			continue
		}
		o.isProcessing = false
		o.state = StateIdle
		o.stateMu.Unlock()
		return
	}
}

// reconcileOnce runs one upsert-then-removal pass against the row store's
// current embeddings and orphans, per §4.4.
func (o *Orchestrator) reconcileOnce(ctx context.Context) {
	upserts, err := o.store.Query(ctx, rowstore.SelectorNotesRequiringEmbedding)
	if err != nil {
		o.log.Printf("query notes requiring embedding: %v", err)
	}
	orphans, err := o.store.Query(ctx, rowstore.SelectorOrphanedEmbeddings)
	if err != nil {
		o.log.Printf("query orphaned embeddings: %v", err)
	}

	for _, row := range upserts {
		h := fingerprint(row.Title, row.Content, row.UpdatedAt, row.Model)

		o.statsMu.RLock()
		prior, known := o.knownHash[row.Key]
		o.statsMu.RUnlock()
		if known && prior == h {
			continue
		}

		// Content changed since the last known hash: this row needs a
		// freshly computed embedding, not the (stale or absent) vecBytes
		// it may currently carry.
		embedded, err := o.embed.Embed(ctx, []string{row.Title + "\n\n" + row.Content})
		if err != nil {
			o.log.Printf("reconcile: embed %q: %v", row.Key, err)
			continue // EmbeddingFailure policy: do not advance knownHash
		}
		vec := vector.Normalize(embedded.At(0))

		if err := o.engine.AddPoint(row.Key, vec, searchengine.PointMeta{Title: row.Title, ContentPreview: contentPreview(row.Content)}); err != nil {
			o.log.Printf("reconcile: add %q: %v", row.Key, err)
			continue
		}
		o.metric.IncDocumentsIndexed()

		// The committed row carries ts as its updatedAt, so the known hash is
		// taken over that value; the next pass then sees the row unchanged.
		ts := time.Now()
		o.statsMu.Lock()
		o.knownExt.Set(row.Key)
		o.knownHash[row.Key] = fingerprint(row.Title, row.Content, ts, row.Model)
		o.pendingChangeCount++
		o.statsMu.Unlock()

		_ = o.store.Commit(ctx, rowstore.EmbeddingUpserted{
			Key: row.Key, Title: row.Title, Content: row.Content,
			VecBytes: rowstore.EncodeVector(vec), VecDim: len(vec), Model: row.Model, Ts: ts,
		})
	}

	for _, row := range orphans {
		o.statsMu.RLock()
		_, known := o.knownExt.Get(row.Key)
		o.statsMu.RUnlock()
		if !known {
			continue
		}

		o.engine.RemovePoint(row.Key)
		o.metric.IncDocumentsRemoved()

		o.statsMu.Lock()
		o.knownExt.Delete(row.Key)
		delete(o.knownHash, row.Key)
		o.pendingChangeCount++
		o.statsMu.Unlock()

		_ = o.store.Commit(ctx, rowstore.EmbeddingRemoved{Key: row.Key})
	}

	o.statsMu.Lock()
	o.lastProcessedAt = time.Now()
	threshold := o.pendingChangeCount >= o.cfg.ChangesThreshold
	o.statsMu.Unlock()

	o.saveCheckpoint()
	o.metric.SetIndexSize(o.engine.Size())
	o.metric.SetTombstoneRatio(o.engine.TombstoneRatio())

	if threshold {
		if err := o.snapshotWithReason(ctx, metrics.SnapshotReasonThreshold); err != nil {
			o.log.Printf("threshold snapshot: %v", err)
		}
	}
}

func (o *Orchestrator) saveCheckpoint() {
	if o.ckpt == nil {
		return
	}
	o.statsMu.RLock()
	state := checkpointState{
		KnownHash:          make(map[string]string, len(o.knownHash)),
		PendingChangeCount: o.pendingChangeCount,
		LastProcessedAt:    o.lastProcessedAt,
	}
	for k, v := range o.knownHash {
		state.KnownHash[k] = v
	}
	o.knownExt.Ascend("", func(item string) bool {
		state.KnownExt = append(state.KnownExt, item)
		return true
	})
	o.statsMu.RUnlock()

	if err := o.ckpt.Save(state); err != nil {
		o.log.Printf("checkpoint save: %v", err)
	}
}

// snapshotWithReason performs the latest+backup snapshot protocol with
// rollback on persist failure, per §4.4.
func (o *Orchestrator) snapshotWithReason(ctx context.Context, reason metrics.SnapshotReason) error {
	o.snapMu.Lock()
	defer o.snapMu.Unlock()

	o.stateMu.Lock()
	o.state = StateSnapshotting
	o.stateMu.Unlock()
	defer func() {
		o.stateMu.Lock()
		o.state = StateIdle
		o.stateMu.Unlock()
	}()

	graph, mapping := o.engine.Snapshot()
	if len(mapping) == 0 {
		return nil
	}

	if err := o.pers.RenameFile(ctx, "latest", "backup"); err != nil {
		o.metric.ObserveSnapshot(reason, false)
		return fmt.Errorf("rotate to backup: %w", err)
	}

	checksum, err := o.pers.PersistGraph(ctx, graph, mapping, "latest")
	if err != nil {
		if rbErr := o.pers.RenameFile(ctx, "backup", "latest"); rbErr != nil {
			o.log.Printf("rollback after failed persist also failed: %v", rbErr)
		}
		o.metric.ObserveSnapshot(reason, false)
		return fmt.Errorf("persist graph: %w", err)
	}

	o.statsMu.Lock()
	o.pendingChangeCount = 0
	o.statsMu.Unlock()

	if err := o.pers.GCOldSnapshots(ctx, 0); err != nil {
		o.log.Printf("gc old snapshots: %v", err)
	}

	var size int64
	if info, err := o.pers.GetSnapshotInfo(ctx); err != nil {
		o.log.Printf("get snapshot info: %v", err)
	} else {
		for _, item := range info.Items {
			if item.Name == "latest.json" {
				size = item.Size
				break
			}
		}
	}

	_ = o.store.Commit(ctx, rowstore.SnapshotCreated{
		FileName:  "latest.json",
		Checksum:  checksum,
		Size:      size,
		NodeCount: graph.NodeCount(),
		Model:     o.cfg.Model,
		Ts:        time.Now(),
	})
	o.metric.ObserveSnapshot(reason, true)
	return nil
}

func (o *Orchestrator) runSnapshotTimer() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := o.snapshotWithReason(o.ctx, metrics.SnapshotReasonInterval); err != nil {
				o.log.Printf("interval snapshot: %v", err)
			}
		case <-o.ctx.Done():
			return
		}
	}
}

// ForceSync runs one reconciliation pass synchronously, bypassing the
// debounce window.
func (o *Orchestrator) ForceSync(ctx context.Context) error {
	_, err, _ := o.sf.Do(reconcileSingleflightKey, func() (any, error) {
		o.reconcileOnce(ctx)
		return nil, nil
	})
	return err
}

// ForceSnapshot takes a snapshot immediately, reason "forced".
func (o *Orchestrator) ForceSnapshot(ctx context.Context) error {
	return o.snapshotWithReason(ctx, metrics.SnapshotReasonForced)
}

// ForceFullRebuild clears known-key bookkeeping, cold-boots from the row
// store, and snapshots with reason "manual".
func (o *Orchestrator) ForceFullRebuild(ctx context.Context) error {
	if err := o.coldBoot(ctx); err != nil {
		return fmt.Errorf("force full rebuild: %w", err)
	}
	_ = o.store.Commit(ctx, rowstore.IndexCleared{Ts: time.Now(), Reason: "forceFullRebuild"})
	return o.snapshotWithReason(ctx, metrics.SnapshotReasonManual)
}

// Search delegates to the underlying engine.
func (o *Orchestrator) Search(ctx context.Context, queryText string, k int) ([]searchengine.SearchResult, error) {
	return o.engine.Search(ctx, queryText, k)
}

// GetStatus reports the orchestrator's current bookkeeping and lifecycle
// state.
func (o *Orchestrator) GetStatus() Status {
	o.stateMu.Lock()
	state := o.state
	o.stateMu.Unlock()

	o.statsMu.RLock()
	defer o.statsMu.RUnlock()
	return Status{
		State:               state,
		KnownEmbeddingCount: o.knownExt.Len(),
		PendingChangeCount:  o.pendingChangeCount,
		LastProcessedAt:     o.lastProcessedAt,
		IndexSize:           o.engine.Size(),
		TombstoneRatio:      o.engine.TombstoneRatio(),
	}
}

// Shutdown unsubscribes from the row store, stops the snapshot timer, lets
// any in-flight reconciliation pass finish, and closes the checkpoint
// store. No final snapshot is taken — the periodic one is authoritative.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.unsubNotes != nil {
		o.unsubNotes()
	}
	if o.unsubOrphans != nil {
		o.unsubOrphans()
	}
	o.cancel()
	o.wg.Wait()

	o.stateMu.Lock()
	o.state = StateShutdown
	o.stateMu.Unlock()

	if o.ckpt != nil {
		if err := o.ckpt.Close(); err != nil {
			return fmt.Errorf("orchestrator: shutdown: %w", err)
		}
	}
	return nil
}

