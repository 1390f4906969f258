package pdhi

import (
	"context"
	"fmt"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
)

// Iterator is a snapshot cursor: it pins the index's version counter at
// creation and fails closed if a concurrent mutation is observed.
type Iterator struct {
	idx        *Index
	startVersion uint64
	bucket     uint64
	done       bool
}

// NewIterator creates a snapshot cursor over every (key, value) pair,
// paged buckets in id order followed by the overflow index.
func (idx *Index) NewIterator() *Iterator {
	return &Iterator{idx: idx, startVersion: idx.version.Load()}
}

// Each calls fn for every (key, value) pair. fn returning false stops
// iteration early without error. A concurrent mutation observed mid-scan
// returns dederr.ErrAborted.
func (it *Iterator) Each(ctx context.Context, fn func(key, value []byte) (bool, error)) error {
	for it.bucket < it.idx.bucketCount {
		if it.idx.version.Load() != it.startVersion {
			return fmt.Errorf("%w: pdhi iterator observed a concurrent mutation", dederr.ErrAborted)
		}

		b := it.bucket
		it.bucket++

		it.idx.locks.rlock(b)
		p, err := it.idx.currentPageSnapshotLocked(b)
		it.idx.locks.runlock(b)

		if err != nil {
			return err
		}

		// An overflowed bucket still holds the entries that predate its
		// overflow in the page itself; only entries added afterward live
		// in the overflow index, which is visited after the paged scan.
		for _, item := range p.items {
			cont, err := fn(item.key, item.value)
			if err != nil {
				return err
			}

			if !cont {
				it.done = true
				return nil
			}
		}
	}

	return it.idx.overflow.iterate(ctx, func(_ uint64, key, value []byte) (bool, error) {
		return fn(key, value)
	})
}

// currentPageSnapshotLocked reads the logical page for iteration purposes:
// the cached version (dirty or clean) if present, else disk - without
// installing anything new into the cache (iteration must not perturb the
// write-back cache's eviction state).
func (idx *Index) currentPageSnapshotLocked(bucketID uint64) (page, error) {
	line := idx.locks.stripe(bucketID)
	l := idx.cache.line(line)

	if s, ok := l.lookup(bucketID); ok {
		return s.page, nil
	}

	return idx.readPageFromDisk(bucketID)
}
