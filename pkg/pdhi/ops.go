package pdhi

import (
	"context"
	"fmt"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
)

// PersistState reports the outcome of ensure_persistent.
type PersistState int

const (
	// Persisted means the page was dirty and has now been written back.
	Persisted PersistState = iota
	// Clean means the page was not dirty; nothing to do.
	Clean
	// StillPinned means the page is dirty but pinned and was left as-is.
	StillPinned
)

// Put performs a write-through put: merge the key/value into the bucket's
// page (cached dirty version if present, else the on-disk page), then
// write it back through the transaction journal before returning.
func (idx *Index) Put(ctx context.Context, key, value []byte) error {
	b := idx.Bucket(key)

	idx.locks.lock(b)
	defer idx.locks.unlock(b)

	p, _, line, slotIdx, err := idx.currentPageLocked(b)
	if err != nil {
		return err
	}

	if p.overflow {
		if err := idx.overflow.put(ctx, b, key, value); err != nil {
			return err
		}

		idx.version.Add(1)

		return nil
	}

	trial := p.clone()
	trial.put(key, value)

	if err := idx.geo.validateFits(trial); err != nil {
		// The entry doesn't fit this bucket's page: the bucket spills into
		// overflow permanently. The page itself keeps
		// whatever it held before - the new entry lives only in the
		// overflow index - so it still encodes within slotsPerPage.
		p.overflow = true
		p.crcPresent = idx.crcEnabled

		if err := idx.overflow.put(ctx, b, key, value); err != nil {
			return err
		}
	} else {
		p = trial
		p.crcPresent = idx.crcEnabled
	}

	if err := idx.writePageThroughJournal(b, p); err != nil {
		return err
	}

	// Every code path above leaves a cache entry for b (currentPageLocked
	// guarantees one exists, whether reused or freshly inserted from disk);
	// refresh it to the just-written page so a following Lookup doesn't
	// observe a stale pre-write copy.
	idx.clearCachedDirtyLocked(line, slotIdx, b, p)
	idx.cache.clearDirty(b)

	return nil
}

// PutIfAbsent behaves like Put but fails with ErrExists when key already
// has an entry, in the page or in the overflow index.
func (idx *Index) PutIfAbsent(ctx context.Context, key, value []byte) error {
	b := idx.Bucket(key)

	idx.locks.lock(b)
	defer idx.locks.unlock(b)

	p, _, line, slotIdx, err := idx.currentPageLocked(b)
	if err != nil {
		return err
	}

	if _, ok := p.find(key); ok {
		return fmt.Errorf("%w: key already present in bucket %d", dederr.ErrExists, b)
	}

	if p.overflow {
		if _, ok, err := idx.overflow.get(ctx, b, key); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("%w: key already present in overflow of bucket %d", dederr.ErrExists, b)
		}

		if err := idx.overflow.put(ctx, b, key, value); err != nil {
			return err
		}

		idx.version.Add(1)

		return nil
	}

	trial := p.clone()
	trial.put(key, value)

	if err := idx.geo.validateFits(trial); err != nil {
		p.overflow = true
		p.crcPresent = idx.crcEnabled

		if err := idx.overflow.put(ctx, b, key, value); err != nil {
			return err
		}
	} else {
		p = trial
		p.crcPresent = idx.crcEnabled
	}

	if err := idx.writePageThroughJournal(b, p); err != nil {
		return err
	}

	idx.clearCachedDirtyLocked(line, slotIdx, b, p)
	idx.cache.clearDirty(b)

	return nil
}

// PutDirty modifies the cached page in place, marks it dirty (and pinned
// if requested), and does not touch disk.
func (idx *Index) PutDirty(ctx context.Context, key, value []byte, pin bool) error {
	b := idx.Bucket(key)

	idx.locks.lock(b)
	defer idx.locks.unlock(b)

	p, _, line, slotIdx, err := idx.currentPageLocked(b)
	if err != nil {
		return err
	}

	if p.overflow {
		if err := idx.overflow.put(ctx, b, key, value); err != nil {
			return err
		}

		idx.version.Add(1)

		return nil
	}

	trial := p.clone()
	trial.put(key, value)

	if err := idx.geo.validateFits(trial); err != nil {
		p.overflow = true

		if err := idx.overflow.put(ctx, b, key, value); err != nil {
			return err
		}
	} else {
		p = trial
	}

	l := idx.cache.line(line)
	s := &l.slots[slotIdx]
	s.page = p
	s.dirty = true
	s.ref = true
	s.refSecondary = true
	s.pinned = s.pinned || pin

	idx.cache.markDirty(b, line, slotIdx)
	idx.version.Add(1)

	return nil
}

// Lookup serves from a clean cached page if present; otherwise reads from
// disk. It never returns data from a dirty cached page.
func (idx *Index) Lookup(ctx context.Context, key []byte) ([]byte, bool, error) {
	b := idx.Bucket(key)

	idx.locks.rlock(b)

	line := idx.locks.stripe(b)
	l := idx.cache.line(line)

	var (
		p   page
		err error
	)

	if s, ok := l.lookup(b); ok && !s.dirty {
		p = s.page
	} else {
		p, err = idx.readPageFromDisk(b)
	}

	overflow := p.overflow

	idx.locks.runlock(b)

	if err != nil {
		return nil, false, err
	}

	if overflow {
		// A key may predate the bucket's overflow and still live in the
		// page itself.
		val, ok, err := idx.overflow.get(ctx, b, key)
		if err != nil || ok {
			return val, ok, err
		}
	}

	i, ok := p.find(key)
	if !ok {
		return nil, false, nil
	}

	return p.items[i].value, true, nil
}

// CacheLookup selects where LookupDirty may read from.
type CacheLookup int

const (
	// CacheDefault serves from the cache when possible and falls back to
	// disk otherwise.
	CacheDefault CacheLookup = iota
	// OnlyCache never touches the data file; a bucket with no cached page
	// reports the key as absent.
	OnlyCache
)

// DirtyMode selects whether LookupDirty may return not-yet-durable data.
type DirtyMode int

const (
	// AllowDirty may return data from a dirty cached page; callers must
	// tolerate that the value is not yet durable.
	AllowDirty DirtyMode = iota
	// RejectDirty skips dirty cached pages, falling back to the last
	// durable on-disk version (or reporting absence under OnlyCache).
	RejectDirty
)

// LookupDirty is the relaxed counterpart of Lookup: depending on dirtyMode
// it may serve data whose write-back has not happened yet, and depending
// on cacheLookup it may refuse to touch the data file at all.
func (idx *Index) LookupDirty(ctx context.Context, key []byte, cacheLookup CacheLookup, dirtyMode DirtyMode) ([]byte, bool, error) {
	b := idx.Bucket(key)

	idx.locks.rlock(b)

	line := idx.locks.stripe(b)
	l := idx.cache.line(line)

	var (
		p      page
		loaded bool
		err    error
	)

	if s, ok := l.lookup(b); ok && (!s.dirty || dirtyMode == AllowDirty) {
		p = s.page
		loaded = true
	} else if cacheLookup == CacheDefault {
		p, err = idx.readPageFromDisk(b)
		loaded = err == nil
	}

	overflow := loaded && p.overflow

	idx.locks.runlock(b)

	if err != nil {
		return nil, false, err
	}

	if !loaded {
		return nil, false, nil
	}

	// The overflow index is consulted only when disk access is allowed; it
	// is a disk-backed structure like the data file itself.
	if overflow && cacheLookup == CacheDefault {
		val, ok, err := idx.overflow.get(ctx, b, key)
		if err != nil || ok {
			return val, ok, err
		}
	}

	i, ok := p.find(key)
	if !ok {
		return nil, false, nil
	}

	return p.items[i].value, true, nil
}

// Delete removes key, from whichever of page/overflow currently holds it.
func (idx *Index) Delete(ctx context.Context, key []byte) (bool, error) {
	b := idx.Bucket(key)

	idx.locks.lock(b)
	defer idx.locks.unlock(b)

	p, _, line, slotIdx, err := idx.currentPageLocked(b)
	if err != nil {
		return false, err
	}

	if p.overflow {
		deleted, err := idx.overflow.delete(ctx, b, key)
		if err != nil {
			return false, err
		}
		if deleted {
			idx.version.Add(1)
			return true, nil
		}
		// Not in the overflow store; it may predate the overflow and still
		// live in the page itself, so fall through to check there too.
	}

	if !p.delete(key) {
		return false, nil
	}

	if err := idx.writePageThroughJournal(b, p); err != nil {
		return false, err
	}

	idx.clearCachedDirtyLocked(line, slotIdx, b, p)
	idx.cache.clearDirty(b)

	return true, nil
}

// EnsurePersistent writes back bucketID's page if dirty and unpinned.
func (idx *Index) EnsurePersistent(bucketID uint64) (PersistState, error) {
	idx.locks.lock(bucketID)
	defer idx.locks.unlock(bucketID)

	line := idx.locks.stripe(bucketID)
	l := idx.cache.line(line)

	s, ok := l.lookup(bucketID)
	if !ok || !s.dirty {
		return Clean, nil
	}

	if s.pinned {
		return StillPinned, nil
	}

	if err := idx.writePageThroughJournal(bucketID, s.page); err != nil {
		return Clean, err
	}

	s.dirty = false
	idx.cache.clearDirty(bucketID)

	return Persisted, nil
}

// SetPinned changes bucketID's cached pin bit without touching its page
// contents or disk state. It is a
// no-op if the bucket has no cached page - a clean bucket that has never
// been loaded is implicitly unpinned, and pinning something not yet
// cached is meaningless since there is nothing in memory to protect.
func (idx *Index) SetPinned(bucketID uint64, pinned bool) {
	idx.locks.lock(bucketID)
	defer idx.locks.unlock(bucketID)

	line := idx.locks.stripe(bucketID)
	l := idx.cache.line(line)

	if s, ok := l.lookup(bucketID); ok {
		s.pinned = pinned
	}
}

// IsPinned reports whether bucketID currently has a cached, pinned page.
func (idx *Index) IsPinned(bucketID uint64) bool {
	idx.locks.rlock(bucketID)
	defer idx.locks.runlock(bucketID)

	line := idx.locks.stripe(bucketID)
	l := idx.cache.line(line)

	s, ok := l.lookup(bucketID)

	return ok && s.pinned
}

// TryPersistDirtyItem takes up to batch dirty pages (in ascending bucket
// order, pinned ones included) and writes back those that are not pinned.
func (idx *Index) TryPersistDirtyItem(batch int) (int, error) {
	ids := idx.cache.dirtyBucketsInOrder(batch)

	written := 0

	for _, b := range ids {
		state, err := idx.EnsurePersistent(b)
		if err != nil {
			return written, err
		}

		if state == Persisted {
			written++
		}
	}

	return written, nil
}

// PersistAllDirty processes every dirty cache line.
func (idx *Index) PersistAllDirty() (int, error) {
	return idx.TryPersistDirtyItem(0)
}

// DropAllPinned clears pinning for every cached page.
func (idx *Index) DropAllPinned() {
	for _, line := range idx.cache.lines {
		idx.locks.lock(lineRepresentativeBucket(idx, line))

		for i := range line.slots {
			line.slots[i].pinned = false
		}

		idx.locks.unlock(lineRepresentativeBucket(idx, line))
	}
}

// lineRepresentativeBucket finds a bucket id belonging to this line's
// stripe so the correct lock in the shared pool is taken; any slot's
// bucketID or, absent one, the line's own index into idx.cache.lines
// suffices since the stripe function only uses modulo arithmetic.
func lineRepresentativeBucket(idx *Index, line *cacheLine) uint64 {
	for i := range idx.cache.lines {
		if idx.cache.lines[i] == line {
			return uint64(i)
		}
	}

	return 0
}

// currentPageLocked returns the bucket's current logical page: the dirty
// cached version if present, merged with nothing further (callers mutate
// it directly); otherwise the on-disk page, newly inserted into the cache
// line (clean, not dirty) so subsequent reads hit cache. Caller must hold
// the bucket's stripe lock.
func (idx *Index) currentPageLocked(bucketID uint64) (p page, fromCache bool, line, slotIdx int, err error) {
	line = idx.locks.stripe(bucketID)
	l := idx.cache.line(line)

	if s, ok := l.lookup(bucketID); ok {
		idx.reconcileSlotIndex(&slotIdx, l, bucketID)

		if s.dirty {
			return s.page, true, line, slotIdx, nil
		}

		return s.page, false, line, slotIdx, nil
	}

	disk, err := idx.readPageFromDisk(bucketID)
	if err != nil {
		return page{}, false, line, slotIdx, err
	}

	slot, evictedDirty, evictedBucket, evictedPage := l.reserve(bucketID)
	if evictedDirty {
		// evictedBucket shares this line, hence this stripe's lock, with
		// bucketID, so writing it back here is safe without acquiring
		// another lock.
		if err := idx.writePageThroughJournal(evictedBucket, evictedPage); err != nil {
			return page{}, false, line, slotIdx, err
		}

		idx.cache.clearDirty(evictedBucket)
	}

	slot.page = disk
	slot.ref = true
	idx.reconcileSlotIndex(&slotIdx, l, bucketID)

	return disk, false, line, slotIdx, nil
}

func (idx *Index) reconcileSlotIndex(slotIdx *int, l *cacheLine, bucketID uint64) {
	if i, ok := l.index[bucketID]; ok {
		*slotIdx = i
	}
}

// clearCachedDirtyLocked refreshes the cache's copy of a bucket to the
// just-written clean page after a write-through Put/Delete.
func (idx *Index) clearCachedDirtyLocked(line, slotIdx int, bucketID uint64, p page) {
	l := idx.cache.line(line)
	if slotIdx < 0 || slotIdx >= len(l.slots) {
		return
	}

	if l.slots[slotIdx].bucketID != bucketID {
		return
	}

	l.slots[slotIdx].page = p
	l.slots[slotIdx].dirty = false
}

func (g geometry) validateFits(p page) error {
	if len(p.items) > g.slotsPerPage {
		return fmt.Errorf("%w: page exceeds %d slots", dederr.ErrIndexFull, g.slotsPerPage)
	}

	return nil
}
