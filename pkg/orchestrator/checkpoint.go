package orchestrator

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pierrec/lz4/v4"
	"github.com/vmihailenco/msgpack/v5"
)

var checkpointKey = []byte("orchestrator/checkpoint")

// checkpointState is the bookkeeping a checkpoint persists so the first
// reconciliation pass after a restart does not re-embed every row.
type checkpointState struct {
	KnownExt           []string
	KnownHash          map[string]string
	PendingChangeCount int
	LastProcessedAt    time.Time
}

// Checkpoint persists orchestrator bookkeeping in a local Badger store,
// independent of the graph snapshot directory. Optional: an orchestrator
// with no checkpoint configured re-derives knownHash lazily as rows are
// reconciled, at the cost of re-embedding everything after a restart.
type Checkpoint struct {
	db *badger.DB
}

// OpenCheckpoint opens (creating if necessary) a Badger store at dir.
func OpenCheckpoint(dir string) (*Checkpoint, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open checkpoint store: %w", err)
	}
	return &Checkpoint{db: db}, nil
}

// Close closes the underlying Badger store.
func (c *Checkpoint) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("orchestrator: close checkpoint store: %w", err)
	}
	return nil
}

// Save writes state, overwriting any previous checkpoint.
func (c *Checkpoint) Save(state checkpointState) error {
	data, err := encodeCheckpoint(state)
	if err != nil {
		return fmt.Errorf("orchestrator: encode checkpoint: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey, data)
	})
	if err != nil {
		return fmt.Errorf("orchestrator: write checkpoint: %w", err)
	}
	return nil
}

// Load returns the persisted checkpoint, or (nil, nil) if none exists yet.
func (c *Checkpoint) Load() (*checkpointState, error) {
	var state checkpointState
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeCheckpoint(val)
			if err != nil {
				return err
			}
			state = decoded
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("orchestrator: read checkpoint: %w", err)
	}
	return &state, nil
}

func encodeCheckpoint(state checkpointState) ([]byte, error) {
	raw, err := msgpack.Marshal(state)
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

func decodeCheckpoint(data []byte) (checkpointState, error) {
	zr := lz4.NewReader(bytes.NewReader(data))
	raw, err := io.ReadAll(zr)
	if err != nil {
		return checkpointState{}, err
	}
	var state checkpointState
	if err := msgpack.Unmarshal(raw, &state); err != nil {
		return checkpointState{}, err
	}
	return state, nil
}
