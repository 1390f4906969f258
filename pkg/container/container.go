// Package container defines the external Container Store contract and a
// reference, directory-backed implementation. The core persistence
// substrate (operations log, hash indices, GC) only ever talks to this
// contract; the real container format and placement policy live outside
// this module.
package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
	"github.com/calvinalkan/dedupvault/pkg/fs"
)

// CommitState is the result of Store.IsCommitted. Committed and
// NeverCommitted are both permanent per container address; NotCommitted
// may later become either.
type CommitState int

const (
	NotCommitted CommitState = iota
	Committed
	NeverCommitted
	CommitError
)

func (s CommitState) String() string {
	switch s {
	case Committed:
		return "Committed"
	case NeverCommitted:
		return "NeverCommitted"
	case CommitError:
		return "Error"
	default:
		return "NotCommitted"
	}
}

// Item is one fingerprint's chunk payload placed within a container.
type Item struct {
	Fingerprint []byte
	Data        []byte
}

// Store is the Container Store contract GC and the block-request
// dispatcher depend on. Container addresses are monotonic
// per storage instance.
type Store interface {
	// IsCommitted reports whether address has finished being written.
	IsCommitted(ctx context.Context, address uint64) (CommitState, error)

	// ReadContainer returns every item stored at address.
	ReadContainer(ctx context.Context, address uint64) ([]Item, error)

	// WriteBlock appends items to a new or in-progress container and
	// returns its address, committing it once full.
	WriteBlock(ctx context.Context, items []Item) (address uint64, err error)

	// Delete removes fps from the container at address. Once every item
	// in a container has been deleted, the container itself is removed.
	Delete(ctx context.Context, address uint64, fps [][]byte) error
}

// containerRecord is the on-disk representation of one container.
type containerRecord struct {
	ID        uint64 `json:"id"`
	Committed bool   `json:"committed"`
	Items     []Item `json:"items"`
}

// DirStore is a simple directory-backed Store: one JSON file per
// container, named by its monotonically increasing address. Each file is
// first written under a temporary name carrying a uuid suffix and then
// renamed into place.
type DirStore struct {
	fsys fs.FS
	dir  string
	lock *fs.Lock

	mu     sync.Mutex
	nextID uint64
}

// NewDirStore opens (creating if absent) a directory-backed container
// store rooted at dir, taking an exclusive flock on a ".lock" sentinel
// file for the lifetime of the store. Two processes opening the same
// container directory read-write would each replay the other's in-flight
// renames as committed containers, so the second NewDirStore fails fast
// with dederr.ErrBusy instead. Call [DirStore.Close] to release the lock.
func NewDirStore(fsys fs.FS, dir string) (*DirStore, error) {
	if fsys == nil {
		fsys = fs.NewReal()
	}

	if err := fsys.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: create container dir: %w", dederr.ErrIO, err)
	}

	lock, err := fs.NewLocker(fsys).TryLock(filepath.Join(dir, ".lock"))
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("%w: container dir %s is already open", dederr.ErrBusy, dir)
		}

		return nil, fmt.Errorf("%w: lock container dir: %w", dederr.ErrIO, err)
	}

	s := &DirStore{fsys: fsys, dir: dir, lock: lock}

	entries, err := fsys.ReadDir(dir)
	if err != nil {
		_ = lock.Close()
		return nil, fmt.Errorf("%w: list container dir: %w", dederr.ErrIO, err)
	}

	for _, e := range entries {
		rec, err := s.readRecord(e.Name())
		if err != nil {
			continue
		}

		if rec.ID >= s.nextID {
			s.nextID = rec.ID + 1
		}
	}

	return s, nil
}

// Close releases the store's exclusive lock on its data directory.
func (s *DirStore) Close() error {
	return s.lock.Close()
}

func (s *DirStore) pathFor(id uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%020d.json", id))
}

func (s *DirStore) readRecord(name string) (containerRecord, error) {
	data, err := s.fsys.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return containerRecord{}, err
	}

	var rec containerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return containerRecord{}, err
	}

	return rec, nil
}

// IsCommitted implements Store.
func (s *DirStore) IsCommitted(_ context.Context, address uint64) (CommitState, error) {
	rec, err := s.readRecord(filepath.Base(s.pathFor(address)))
	if err != nil {
		if os.IsNotExist(err) {
			return NeverCommitted, nil
		}

		return CommitError, fmt.Errorf("%w: read container %d: %w", dederr.ErrIO, address, err)
	}

	if rec.Committed {
		return Committed, nil
	}

	return NotCommitted, nil
}

// ReadContainer implements Store.
func (s *DirStore) ReadContainer(_ context.Context, address uint64) ([]Item, error) {
	rec, err := s.readRecord(filepath.Base(s.pathFor(address)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: container %d", dederr.ErrNotFound, address)
		}

		return nil, fmt.Errorf("%w: read container %d: %w", dederr.ErrIO, address, err)
	}

	return rec.Items, nil
}

// WriteBlock implements Store. The reference implementation commits every
// container immediately; a real placement layer would batch writes and
// defer commit, which is exactly why GC must tolerate NotCommitted for a
// bounded wait.
func (s *DirStore) WriteBlock(_ context.Context, items []Item) (uint64, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.mu.Unlock()

	rec := containerRecord{ID: id, Committed: true, Items: items}

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("%w: marshal container %d: %w", dederr.ErrIO, id, err)
	}

	tmp := s.pathFor(id) + "." + uuid.NewString() + ".tmp"

	if err := s.fsys.WriteFile(tmp, data, 0o600); err != nil {
		return 0, fmt.Errorf("%w: write container %d: %w", dederr.ErrIO, id, err)
	}

	if err := s.fsys.Rename(tmp, s.pathFor(id)); err != nil {
		return 0, fmt.Errorf("%w: commit container %d: %w", dederr.ErrIO, id, err)
	}

	return id, nil
}

// Delete implements Store.
func (s *DirStore) Delete(_ context.Context, address uint64, fps [][]byte) error {
	rec, err := s.readRecord(filepath.Base(s.pathFor(address)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("%w: read container %d: %w", dederr.ErrIO, address, err)
	}

	remove := make(map[string]bool, len(fps))
	for _, fp := range fps {
		remove[string(fp)] = true
	}

	kept := rec.Items[:0]

	for _, it := range rec.Items {
		if !remove[string(it.Fingerprint)] {
			kept = append(kept, it)
		}
	}

	rec.Items = kept

	if len(rec.Items) == 0 {
		return s.fsys.Remove(s.pathFor(address))
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal container %d: %w", dederr.ErrIO, address, err)
	}

	return s.fsys.WriteFile(s.pathFor(address), data, 0o600)
}

// ListAddresses returns every container address currently on disk, for
// read-only inspection tooling.
func (s *DirStore) ListAddresses(_ context.Context) ([]uint64, error) {
	entries, err := s.fsys.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list container dir: %w", dederr.ErrIO, err)
	}

	var out []uint64

	for _, e := range entries {
		rec, err := s.readRecord(e.Name())
		if err != nil {
			continue
		}

		out = append(out, rec.ID)
	}

	return out, nil
}

// IdleDetector fires idleStart/idleEnd callbacks GC listens to in order to
// drive Running <-> CandidateProcessing transitions.
type IdleDetector interface {
	OnIdleStart(fn func())
	OnIdleEnd(fn func())
}

// ManualIdleDetector is a reference IdleDetector a host can drive directly
// (e.g. from a request-rate sampler), rather than one wired to a specific
// I/O scheduler.
type ManualIdleDetector struct {
	mu         sync.Mutex
	startFns   []func()
	endFns     []func()
}

func (d *ManualIdleDetector) OnIdleStart(fn func()) {
	d.mu.Lock()
	d.startFns = append(d.startFns, fn)
	d.mu.Unlock()
}

func (d *ManualIdleDetector) OnIdleEnd(fn func()) {
	d.mu.Lock()
	d.endFns = append(d.endFns, fn)
	d.mu.Unlock()
}

// FireIdleStart invokes every registered idle-start callback.
func (d *ManualIdleDetector) FireIdleStart() {
	d.mu.Lock()
	fns := append([]func(){}, d.startFns...)
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// FireIdleEnd invokes every registered idle-end callback.
func (d *ManualIdleDetector) FireIdleEnd() {
	d.mu.Lock()
	fns := append([]func(){}, d.endFns...)
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
