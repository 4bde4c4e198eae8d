// Package graphstore implements the blob-addressed snapshot directory that
// Persistence reads and writes: create-or-replace writes, atomic rename,
// idempotent delete, and mtime-ordered listing, all rooted at one directory.
package graphstore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ErrNotFound is returned by Read when the named blob does not exist.
// Rename and Remove treat a missing blob as success and return nil.
var ErrNotFound = errors.New("graphstore: blob not found")

// Info describes one blob for listing purposes.
type Info struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Store is a directory of named blobs.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("graphstore: create dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Write creates or replaces the blob named name with data. Partial writes
// are never visible: data is written to a temp file in the same directory,
// flushed, fsync'd, and then atomically renamed into place.
func (s *Store) Write(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("graphstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	w := bufio.NewWriterSize(tmp, 1<<20)
	if _, err := w.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("graphstore: write %s: %w", name, err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("graphstore: flush %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("graphstore: sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("graphstore: close temp file for %s: %w", name, err)
	}
	if err := os.Rename(tmpPath, s.path(name)); err != nil {
		return fmt.Errorf("graphstore: finalize %s: %w", name, err)
	}
	return nil
}

// Read returns the full contents of the blob named name, or ErrNotFound.
func (s *Store) Read(name string) ([]byte, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("graphstore: open %s: %w", name, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("graphstore: read %s: %w", name, err)
	}
	return data, nil
}

// Rename atomically renames the blob named old to new. A missing source is
// treated as success (idempotent); any other error propagates.
func (s *Store) Rename(old, new string) error {
	if _, err := os.Stat(s.path(old)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("graphstore: stat %s: %w", old, err)
	}
	if err := os.Rename(s.path(old), s.path(new)); err != nil {
		return fmt.Errorf("graphstore: rename %s to %s: %w", old, new, err)
	}
	return nil
}

// Remove deletes the blob named name. A missing blob is treated as success.
func (s *Store) Remove(name string) error {
	if err := os.Remove(s.path(name)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("graphstore: remove %s: %w", name, err)
	}
	return nil
}

// List enumerates blobs matching suffix (pass "" for all), sorted by
// modification time descending (most recent first).
func (s *Store) List(suffix string) ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("graphstore: list dir: %w", err)
	}

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if suffix != "" && filepath.Ext(e.Name()) != suffix {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{Name: e.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ModTime.After(infos[j].ModTime) })
	return infos, nil
}
