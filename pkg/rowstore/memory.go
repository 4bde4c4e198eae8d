package rowstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process reference implementation of Store, used by
// tests and by embedded deployments with no external row store. Notes and
// embeddings are tracked as two independent tables joined by note id, the
// way the host application's real store would join across tables: an
// embedding row's "owning note" is the portion of its key before the last
// ':' (chunk keys are "parentId:chunkIndex"), or the whole key for
// unsplit rows.
type MemoryStore struct {
	mu         sync.RWMutex
	notes      map[string]time.Time    // noteID -> updatedAt
	embeddings map[string]embeddingRow // key -> row
	subs       map[Selector][]*subscription
	events     []any
}

type embeddingRow struct {
	EmbeddingRow
	NoteID string
}

type subscription struct {
	id       string
	onChange func()
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notes:      make(map[string]time.Time),
		embeddings: make(map[string]embeddingRow),
		subs:       make(map[Selector][]*subscription),
	}
}

func ownerOf(key string) string {
	if i := strings.LastIndex(key, ":"); i >= 0 {
		return key[:i]
	}
	return key
}

// UpsertNote records that note id exists (or was edited) as of updatedAt.
// It notifies OrphanedEmbeddings subscribers, since a previously-orphaned
// embedding under this id may now be live again.
func (s *MemoryStore) UpsertNote(id string, updatedAt time.Time) {
	s.mu.Lock()
	s.notes[id] = updatedAt
	s.mu.Unlock()
	s.notify(SelectorOrphanedEmbeddings)
}

// DeleteNote removes note id. Any embedding rows owned by it become
// orphaned; subscribers to SelectorOrphanedEmbeddings are notified.
func (s *MemoryStore) DeleteNote(id string) {
	s.mu.Lock()
	delete(s.notes, id)
	s.mu.Unlock()
	s.notify(SelectorOrphanedEmbeddings)
}

// UpsertEmbedding records a computed embedding row and notifies
// SelectorNotesRequiringEmbedding subscribers.
func (s *MemoryStore) UpsertEmbedding(key, title, content string, vec []float32, model string, updatedAt time.Time) {
	row := embeddingRow{
		EmbeddingRow: EmbeddingRow{
			Key:       key,
			Title:     title,
			Content:   content,
			VecBytes:  EncodeVector(vec),
			VecDim:    len(vec),
			Model:     model,
			UpdatedAt: updatedAt,
		},
		NoteID: ownerOf(key),
	}
	s.mu.Lock()
	s.embeddings[key] = row
	s.mu.Unlock()
	s.notify(SelectorNotesRequiringEmbedding)
}

// RemoveEmbedding hard-deletes an embedding row (distinct from orphaning —
// used to simulate the host purging a row outright).
func (s *MemoryStore) RemoveEmbedding(key string) {
	s.mu.Lock()
	delete(s.embeddings, key)
	s.mu.Unlock()
	s.notify(SelectorNotesRequiringEmbedding)
}

// Query runs selector against the two tables. MemoryStore does not track
// staleness: SelectorNotesRequiringEmbedding returns every live
// (non-orphaned) row, the same set as SelectorAllEmbeddings, not only rows
// that are new or changed.
func (s *MemoryStore) Query(ctx context.Context, selector Selector) ([]EmbeddingRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []EmbeddingRow
	switch selector {
	case SelectorNotesRequiringEmbedding, SelectorAllEmbeddings:
		for _, row := range s.embeddings {
			if _, live := s.notes[row.NoteID]; live {
				out = append(out, row.EmbeddingRow)
			}
		}
	case SelectorOrphanedEmbeddings:
		for _, row := range s.embeddings {
			if _, live := s.notes[row.NoteID]; !live {
				out = append(out, row.EmbeddingRow)
			}
		}
	default:
		return nil, &ErrUnknownSelector{Selector: selector}
	}
	return out, nil
}

// Commit records event and, for the two row-shaped event types, applies it
// to the embeddings table — mirroring what a real host row store does when
// it consumes vecsync's committed events: the commit IS the write path for
// VecBytes, so a query immediately after a commit reflects it.
func (s *MemoryStore) Commit(ctx context.Context, event any) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	switch e := event.(type) {
	case EmbeddingUpserted:
		s.embeddings[e.Key] = embeddingRow{
			EmbeddingRow: EmbeddingRow{
				Key:       e.Key,
				Title:     e.Title,
				Content:   e.Content,
				VecBytes:  e.VecBytes,
				VecDim:    e.VecDim,
				Model:     e.Model,
				UpdatedAt: e.Ts,
			},
			NoteID: ownerOf(e.Key),
		}
	case EmbeddingRemoved:
		delete(s.embeddings, e.Key)
	}
	s.mu.Unlock()
	return nil
}

// Events returns the committed event log, for test assertions.
func (s *MemoryStore) Events() []any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]any, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemoryStore) Subscribe(ctx context.Context, selector Selector, onChange func()) (unsubscribe func()) {
	sub := &subscription{id: uuid.NewString(), onChange: onChange}
	s.mu.Lock()
	s.subs[selector] = append(s.subs[selector], sub)
	s.mu.Unlock()

	unsub := func() { s.unsubscribe(selector, sub.id) }
	go func() {
		<-ctx.Done()
		unsub()
	}()
	return unsub
}

func (s *MemoryStore) unsubscribe(selector Selector, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[selector]
	for i, sub := range subs {
		if sub.id == id {
			s.subs[selector] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

func (s *MemoryStore) notify(selector Selector) {
	s.mu.RLock()
	subs := make([]*subscription, len(s.subs[selector]))
	copy(subs, s.subs[selector])
	s.mu.RUnlock()

	for _, sub := range subs {
		go sub.onChange()
	}
}

// ErrUnknownSelector is returned by Query for an unrecognized selector.
type ErrUnknownSelector struct {
	Selector Selector
}

func (e *ErrUnknownSelector) Error() string {
	return "rowstore: unknown selector " + string(e.Selector)
}
