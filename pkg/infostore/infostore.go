// Package infostore is the small key/value store used for metadata: log
// head/tail ids, the log's ring geometry, the chunk index's imported-container
// set, and the GC's replayed-failed-write set.
// It is intentionally a black box to its callers - just a durable
// map[string][]byte.
package infostore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	natomic "github.com/natefinch/atomic"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
)

// Well-known keys.
const (
	KeyLogID         = "logID"
	KeyReplayID      = "replayID"
	KeyState         = "state"
	KeyGC            = "gc"
	KeyChunkImported = "chunkindex.imported"
)

// Store is a durable key/value store persisted as a single JSON document,
// replaced atomically on every Set via rename-over-existing.
type Store struct {
	mu   sync.RWMutex
	path string
	data map[string]json.RawMessage
}

// Open loads the store from path, creating an empty one if it doesn't exist.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string]json.RawMessage)}

	raw, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied at construction
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}

		return nil, fmt.Errorf("%w: reading infostore: %w", dederr.ErrIO, err)
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return s, nil
	}

	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("%w: decoding infostore: %w", dederr.ErrCorrupt, err)
	}

	return s, nil
}

// Set persists value under key, replacing any existing value. The entire
// store is rewritten and atomically renamed into place.
func (s *Store) Set(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encoding infostore value for %q: %w", dederr.ErrInvalidArgument, key, err)
	}

	s.data[key] = raw

	return s.persistLocked()
}

// Get decodes the value stored under key into dst. ok is false if key is absent.
func (s *Store) Get(key string, dst any) (ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, present := s.data[key]
	if !present {
		return false, nil
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("%w: decoding infostore value for %q: %w", dederr.ErrCorrupt, key, err)
	}

	return true, nil
}

// Delete removes key, if present.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, present := s.data[key]; !present {
		return nil
	}

	delete(s.data, key)

	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	raw, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("%w: encoding infostore: %w", dederr.ErrIO, err)
	}

	if err := natomic.WriteFile(s.path, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("%w: writing infostore: %w", dederr.ErrIO, err)
	}

	return nil
}
