package pdhi

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
	"github.com/calvinalkan/dedupvault/pkg/fs"
)

// Options configures Create/Open. Geometry (PageSize, BucketCount,
// MaxKeySize, MaxValSize) is fixed at creation time; there is no online
// reconfiguration of fundamental geometry after creation.
type Options struct {
	// Path is the main data file; bucket b lives at offset b*PageSize.
	Path string

	// OverflowPath is the auxiliary persistent index for overflowed buckets.
	OverflowPath string

	// JournalPath is the per-page transaction journal sibling file.
	// Defaults to Path + ".trans".
	JournalPath string

	PageSize    uint32
	BucketCount uint64
	MaxKeySize  uint32
	MaxValSize  uint32

	// PageLockCount is the number of striped bucket locks, which also sets
	// the cache-line count.
	PageLockCount int

	// CacheLineSlots is the number of cache slots per line.
	CacheLineSlots int

	// ConcurrentTx sizes the transaction journal ((page_size + 12) *
	// concurrent_tx bytes: each slot also holds a bucket id and a CRC).
	ConcurrentTx int

	// CRC enables the optional per-page CRC-32.
	CRC bool

	FS fs.FS
}

func (o *Options) setDefaults() {
	if o.PageLockCount == 0 {
		o.PageLockCount = 64
	}

	if o.CacheLineSlots == 0 {
		o.CacheLineSlots = 64
	}

	if o.ConcurrentTx == 0 {
		o.ConcurrentTx = 16
	}

	if o.JournalPath == "" {
		o.JournalPath = o.Path + ".trans"
	}
}

// Index is an open paged disk hash index.
type Index struct {
	fsys fs.FS
	file fs.File
	fd   int

	geo         geometry
	bucketCount uint64
	crcEnabled  bool

	locks   *stripedLocks
	cache   *cache
	journal *journal
	overflow *overflowIndex

	version atomic.Uint64
}

// Create initializes a new index: data file, journal, and overflow index.
func Create(ctx context.Context, opts Options) (*Index, error) {
	opts.setDefaults()

	geo, err := newGeometry(opts.PageSize, opts.MaxKeySize, opts.MaxValSize)
	if err != nil {
		return nil, err
	}

	if opts.BucketCount == 0 {
		return nil, fmt.Errorf("%w: bucket count must be > 0", dederr.ErrInvalidArgument)
	}

	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	f, err := fsys.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: create pdhi data file: %w", dederr.ErrIO, err)
	}

	fd := int(f.Fd())
	total := int64(opts.PageSize) * int64(opts.BucketCount)

	if err := unix.Ftruncate(fd, total); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: preallocate pdhi data file: %w", dederr.ErrIO, err)
	}

	j, err := openJournal(fsys, opts.JournalPath, opts.PageSize, opts.ConcurrentTx)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	ov, err := openOverflowIndex(ctx, opts.OverflowPath)
	if err != nil {
		_ = f.Close()
		_ = j.close()
		return nil, err
	}

	return &Index{
		fsys:        fsys,
		file:        f,
		fd:          fd,
		geo:         geo,
		bucketCount: opts.BucketCount,
		crcEnabled:  opts.CRC,
		locks:       newStripedLocks(opts.PageLockCount),
		cache:       newCache(opts.PageLockCount, opts.CacheLineSlots),
		journal:     j,
		overflow:    ov,
	}, nil
}

// Open opens an existing index and repairs it from the transaction
// journal before anything else reads a page.
func Open(ctx context.Context, opts Options) (*Index, error) {
	opts.setDefaults()

	geo, err := newGeometry(opts.PageSize, opts.MaxKeySize, opts.MaxValSize)
	if err != nil {
		return nil, err
	}

	fsys := opts.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	f, err := fsys.OpenFile(opts.Path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open pdhi data file: %w", dederr.ErrIO, err)
	}

	fd := int(f.Fd())

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: stat pdhi data file: %w", dederr.ErrIO, err)
	}

	bucketCount := opts.BucketCount
	if bucketCount == 0 {
		bucketCount = uint64(info.Size()) / uint64(opts.PageSize)
	}

	j, err := openJournal(fsys, opts.JournalPath, opts.PageSize, opts.ConcurrentTx)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	ov, err := openOverflowIndex(ctx, opts.OverflowPath)
	if err != nil {
		_ = f.Close()
		_ = j.close()
		return nil, err
	}

	idx := &Index{
		fsys:        fsys,
		file:        f,
		fd:          fd,
		geo:         geo,
		bucketCount: bucketCount,
		crcEnabled:  opts.CRC,
		locks:       newStripedLocks(opts.PageLockCount),
		cache:       newCache(opts.PageLockCount, opts.CacheLineSlots),
		journal:     j,
		overflow:    ov,
	}

	if err := idx.repairFromJournal(); err != nil {
		_ = idx.Close()
		return nil, err
	}

	return idx, nil
}

func (idx *Index) repairFromJournal() error {
	return idx.journal.replay(func(bucketID uint64, pageBytes []byte) error {
		if bucketID >= idx.bucketCount {
			return nil
		}

		if _, err := unix.Pwrite(idx.fd, pageBytes, idx.pageOffset(bucketID)); err != nil {
			return fmt.Errorf("%w: replay journal onto bucket %d: %w", dederr.ErrIO, bucketID, err)
		}

		return unix.Fsync(idx.fd)
	})
}

// Close closes the data file, journal, and overflow index.
func (idx *Index) Close() error {
	var firstErr error

	if err := idx.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := idx.journal.close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := idx.overflow.close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// MaxValueSize returns the configured per-entry value size cap.
func (idx *Index) MaxValueSize() uint32 { return idx.geo.maxValSize }

func (idx *Index) pageOffset(bucketID uint64) int64 {
	return int64(bucketID) * int64(idx.geo.pageSize)
}

// Bucket returns the bucket id a key hashes to: hash64(key) mod
// bucket_count. FNV-1a 64 is stable across restarts and process versions,
// which the on-disk layout depends on.
func (idx *Index) Bucket(key []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(key)

	return h.Sum64() % idx.bucketCount
}

func (idx *Index) readPageFromDisk(bucketID uint64) (page, error) {
	buf := make([]byte, idx.geo.pageSize)

	n, err := unix.Pread(idx.fd, buf, idx.pageOffset(bucketID))
	if err != nil {
		return page{}, fmt.Errorf("%w: pread bucket %d: %w", dederr.ErrIO, bucketID, err)
	}

	if uint32(n) != idx.geo.pageSize {
		return page{}, fmt.Errorf("%w: short read bucket %d", dederr.ErrIO, bucketID)
	}

	return idx.geo.decode(buf)
}

// writePageThroughJournal performs the journal-then-overwrite-then-clear
// sequence.
func (idx *Index) writePageThroughJournal(bucketID uint64, p page) error {
	buf, err := idx.geo.encode(p)
	if err != nil {
		return err
	}

	slot, err := idx.journal.append(bucketID, buf)
	if err != nil {
		return err
	}

	if _, err := unix.Pwrite(idx.fd, buf, idx.pageOffset(bucketID)); err != nil {
		return fmt.Errorf("%w: overwrite bucket %d: %w", dederr.ErrIO, bucketID, err)
	}

	if err := unix.Fsync(idx.fd); err != nil {
		return fmt.Errorf("%w: fsync bucket %d: %w", dederr.ErrIO, bucketID, err)
	}

	idx.version.Add(1)

	return idx.journal.clear(slot)
}
