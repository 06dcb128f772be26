// Package kvstore provides a crash-safe string-keyed map persisted as a
// single JSON document.
//
// Every operation re-reads the backing file; nothing is cached between
// calls, so several processes may share one file. Every mutation rewrites the
// whole document through a temporary file in the same directory which is
// synced and then renamed over the target. A crash at any point before the
// rename leaves the previous document intact.
//
// Concurrent mutations from one process are serialized. Mutations from
// different processes are not coordinated: the last rename wins.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/helixir/doicache/internal/domain"
)

// FilePerm is the permission applied to store files.
const FilePerm fs.FileMode = 0o644

// Store is a persistent key/value mapping backed by one JSON file.
type Store struct {
	path string
	mu   sync.Mutex

	// beforeCommit runs after the temporary file is synced and before it is
	// renamed into place. A non-nil error aborts the commit.
	beforeCommit func(tmpPath string) error
}

// Open returns a store backed by path, creating the parent directory and an
// empty document if the file does not exist yet.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, domain.NewValidationError("path", "store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	s := &Store{path: path}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Get decodes the value stored under key into dst. It reports false, leaving
// dst untouched, when the key is absent.
func (s *Store) Get(key string, dst any) (bool, error) {
	raw, ok, err := s.GetRaw(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, domain.NewMalformedRecordError(s.path, fmt.Errorf("key %q: %w", key, err))
	}
	return true, nil
}

// GetRaw returns the encoded value stored under key.
func (s *Store) GetRaw(key string) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return nil, false, err
	}
	raw, ok := data[key]
	return raw, ok, nil
}

// GetOr returns the value stored under key, or def when the key is absent.
func GetOr[T any](s *Store, key string, def T) (T, error) {
	var v T
	ok, err := s.Get(key, &v)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// Set stores value under key.
func (s *Store) Set(key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value for %q: %w", key, err)
	}
	return s.Update(func(data map[string]json.RawMessage) error {
		data[key] = encoded
		return nil
	})
}

// Delete removes key. Deleting an absent key returns a NotFoundError.
func (s *Store) Delete(key string) error {
	return s.Update(func(data map[string]json.RawMessage) error {
		if _, ok := data[key]; !ok {
			return domain.NewNotFoundError("key", key)
		}
		delete(data, key)
		return nil
	})
}

// Contains reports whether key is present.
func (s *Store) Contains(key string) (bool, error) {
	_, ok, err := s.GetRaw(key)
	return ok, err
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() ([]string, error) {
	data, err := s.Snapshot()
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(data)), nil
}

// Len returns the number of keys.
func (s *Store) Len() (int, error) {
	data, err := s.Snapshot()
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Snapshot returns a copy of the whole mapping as read from disk.
func (s *Store) Snapshot() (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Clear replaces the document with an empty mapping.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(map[string]json.RawMessage{})
}

// Update applies fn to the current mapping and commits the result. If fn
// returns an error nothing is written.
func (s *Store) Update(fn func(data map[string]json.RawMessage) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(data); err != nil {
		return err
	}
	return s.commit(data)
}

// load reads and parses the backing file, initializing it when missing.
// Callers must hold s.mu.
func (s *Store) load() (map[string]json.RawMessage, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		empty := map[string]json.RawMessage{}
		if err := s.commit(empty); err != nil {
			return nil, err
		}
		return empty, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store %s: %w", s.path, err)
	}

	data := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, domain.NewMalformedRecordError(s.path, err)
	}
	if data == nil {
		// A literal "null" document.
		return nil, domain.NewMalformedRecordError(s.path, errors.New("document is not an object"))
	}
	return data, nil
}

// commit writes data through a synced temporary file and renames it over the
// target. Callers must hold s.mu.
func (s *Store) commit(data map[string]json.RawMessage) error {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}
	encoded = append(encoded, '\n')

	pending, err := renameio.NewPendingFile(s.path,
		renameio.WithTempDir(filepath.Dir(s.path)),
		renameio.WithPermissions(FilePerm),
	)
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", s.path, err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(encoded); err != nil {
		return fmt.Errorf("write temp file for %s: %w", s.path, err)
	}
	if err := pending.Sync(); err != nil {
		return fmt.Errorf("sync temp file for %s: %w", s.path, err)
	}
	if s.beforeCommit != nil {
		if err := s.beforeCommit(pending.Name()); err != nil {
			return err
		}
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}
