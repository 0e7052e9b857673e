// Package kvfile implements the flat string-keyed preference store.
//
// The store persists a single JSON object (string keys to string values)
// to disk, mirroring a browser localStorage surface. Writes are atomic:
// the full map is marshaled to a temp file and renamed into place, so a
// crash mid-write never leaves a truncated store behind.
//
// The store also holds the semver schema version marker under a single
// well-known key. Absence of the marker means a fresh install that has
// never run a migration.
package kvfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kestrelworks/stowage/internal/scope"
)

// VersionKey is the well-known key holding the semver version marker.
// It lives outside any session scope; only the migration runner writes it.
const VersionKey = "stowage_schema_version"

// ErrNotFound is returned when a key has no value in the store.
var ErrNotFound = errors.New("key not found")

// Store is a flat key/value store backed by a single JSON file.
// All methods are safe for concurrent use within one process.
type Store struct {
	path string

	mu     sync.RWMutex
	data   map[string]string
	loaded bool
}

// Open creates a Store backed by the file at path. The file is not
// required to exist yet; it is created on the first write. Loading is
// lazy and happens on first access.
func Open(path string) *Store {
	return &Store{path: path}
}

// Path returns the file path backing the store.
func (s *Store) Path() string {
	return s.path
}

// load reads the backing file into memory. Callers must hold s.mu.
func (s *Store) load() error {
	if s.loaded {
		return nil
	}

	s.data = make(map[string]string)

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("failed to read store file: %w", err)
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return fmt.Errorf("failed to parse store file %s: %w", s.path, err)
		}
	}

	s.loaded = true
	return nil
}

// flush writes the in-memory map to disk atomically via a temp file.
// Callers must hold s.mu.
func (s *Store) flush() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// GetRaw returns the value stored under the full (unscoped) key.
// Returns ErrNotFound if the key is absent.
func (s *Store) GetRaw(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return "", err
	}

	v, ok := s.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// SetRaw stores a value under the full (unscoped) key and persists
// the store to disk.
func (s *Store) SetRaw(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}

	s.data[key] = value
	return s.flush()
}

// DeleteRaw removes a full key. Deleting an absent key is a no-op.
func (s *Store) DeleteRaw(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return err
	}

	if _, ok := s.data[key]; !ok {
		return nil
	}

	delete(s.data, key)
	return s.flush()
}

// Get returns the value for a base key within the given scope.
func (s *Store) Get(sc scope.Scope, base string) (string, error) {
	return s.GetRaw(sc.Key(base))
}

// Set stores a value for a base key within the given scope.
func (s *Store) Set(sc scope.Scope, base, value string) error {
	return s.SetRaw(sc.Key(base), value)
}

// Delete removes a base key within the given scope.
func (s *Store) Delete(sc scope.Scope, base string) error {
	return s.DeleteRaw(sc.Key(base))
}

// Keys returns all full keys in the store, sorted.
func (s *Store) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// KeysWithPrefix returns all full keys starting with prefix, sorted.
func (s *Store) KeysWithPrefix(prefix string) ([]string, error) {
	keys, err := s.Keys()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

// DeleteWithPrefix removes every key starting with prefix in a single
// flush. Returns the number of keys removed.
func (s *Store) DeleteWithPrefix(prefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return 0, err
	}

	removed := 0
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			delete(s.data, k)
			removed++
		}
	}

	if removed == 0 {
		return 0, nil
	}
	return removed, s.flush()
}

// Version returns the stored semver version marker, or ("", false) for
// a fresh install that has never been migrated.
func (s *Store) Version() (string, bool, error) {
	v, err := s.GetRaw(VersionKey)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, v != "", nil
}

// SetVersion writes the semver version marker. Only the migration
// runner should call this, after all pending migrations were attempted.
func (s *Store) SetVersion(v string) error {
	return s.SetRaw(VersionKey, v)
}
