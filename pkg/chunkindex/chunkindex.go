// Package chunkindex specializes the Paged Disk Hash Index over content
// fingerprints: fingerprint -> {data address, usage count, usage-count
// change log id, last-touch log id, block hint}.
package chunkindex

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
	"github.com/calvinalkan/dedupvault/pkg/infostore"
	"github.com/calvinalkan/dedupvault/pkg/pdhi"
)

// Mapping is one chunk's persisted record.
type Mapping struct {
	Address               uint64
	UsageCount            int64
	UsageCountChangeLogID uint64
	LastTouchLogID        uint64
	BlockHint             uint64
}

const mappingSize = 8 + 8 + 8 + 8 + 8

func encodeMapping(m Mapping) []byte {
	buf := make([]byte, mappingSize)
	binary.LittleEndian.PutUint64(buf[0:8], m.Address)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.UsageCount))
	binary.LittleEndian.PutUint64(buf[16:24], m.UsageCountChangeLogID)
	binary.LittleEndian.PutUint64(buf[24:32], m.LastTouchLogID)
	binary.LittleEndian.PutUint64(buf[32:40], m.BlockHint)

	return buf
}

func decodeMapping(buf []byte) (Mapping, error) {
	if len(buf) != mappingSize {
		return Mapping{}, fmt.Errorf("%w: chunk mapping length %d != %d", dederr.ErrCorrupt, len(buf), mappingSize)
	}

	return Mapping{
		Address:               binary.LittleEndian.Uint64(buf[0:8]),
		UsageCount:            int64(binary.LittleEndian.Uint64(buf[8:16])),
		UsageCountChangeLogID: binary.LittleEndian.Uint64(buf[16:24]),
		LastTouchLogID:        binary.LittleEndian.Uint64(buf[24:32]),
		BlockHint:             binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}

// combatStripes is the stripe count of the in-combat set. Write-side
// operations and GC touch disjoint fingerprints almost always, so a small
// fixed pool keeps contention negligible.
const combatStripes = 64

// combatStripe is one shard of the in-combat set.
type combatStripe struct {
	mu  sync.Mutex
	fps map[string]struct{}
}

// Index is the chunk index.
type Index struct {
	pdhi *pdhi.Index

	combats [combatStripes]combatStripe

	importedMu sync.Mutex
	imported   map[uint64]bool // container address -> seen
	info       *infostore.Store
}

// Open wraps an already-open PDHI instance as a chunk index. If info is
// non-nil, the imported-container set is loaded from and persisted to it,
// so IsContainerImported survives a restart.
func Open(p *pdhi.Index, info *infostore.Store) (*Index, error) {
	ix := &Index{
		pdhi:     p,
		imported: make(map[uint64]bool),
		info:     info,
	}

	for i := range ix.combats {
		ix.combats[i].fps = make(map[string]struct{})
	}

	if info != nil {
		var addrs []uint64

		if _, err := info.Get(infostore.KeyChunkImported, &addrs); err != nil {
			return nil, err
		}

		for _, a := range addrs {
			ix.imported[a] = true
		}
	}

	return ix, nil
}

// Lookup reads a chunk mapping (write-through path).
func (ix *Index) Lookup(ctx context.Context, fp []byte) (Mapping, bool, error) {
	raw, ok, err := ix.pdhi.Lookup(ctx, fp)
	if err != nil || !ok {
		return Mapping{}, ok, err
	}

	m, err := decodeMapping(raw)

	return m, err == nil, err
}

// LookupPersistent looks up fp with explicit control over cache and dirty
// behavior - used by GC's DirtyStart/Direct paths, where a container's
// commit state may not yet be known and a disk read could surface data
// whose container never committed.
func (ix *Index) LookupPersistent(ctx context.Context, fp []byte, cacheLookup pdhi.CacheLookup, dirtyMode pdhi.DirtyMode) (Mapping, bool, error) {
	raw, ok, err := ix.pdhi.LookupDirty(ctx, fp, cacheLookup, dirtyMode)
	if err != nil || !ok {
		return Mapping{}, ok, err
	}

	m, err := decodeMapping(raw)

	return m, err == nil, err
}

// PutDirty writes m for fp through the write-back path, pinning the page
// if requested.
func (ix *Index) PutDirty(ctx context.Context, fp []byte, m Mapping, pin bool) error {
	return ix.pdhi.PutDirty(ctx, fp, encodeMapping(m), pin)
}

// Put writes m for fp through the write-through path.
func (ix *Index) Put(ctx context.Context, fp []byte, m Mapping) error {
	return ix.pdhi.Put(ctx, fp, encodeMapping(m))
}

// Delete removes fp's mapping entirely (called once GC confirms
// usage_count <= 0 and no writer reappeared).
func (ix *Index) Delete(ctx context.Context, fp []byte) (bool, error) {
	return ix.pdhi.Delete(ctx, fp)
}

// EnsurePersistent writes back fp's cached mapping if dirty and unpinned.
func (ix *Index) EnsurePersistent(fp []byte) (pdhi.PersistState, error) {
	b := ix.pdhi.Bucket(fp)
	return ix.pdhi.EnsurePersistent(b)
}

// ChangePinningState pins or unpins fp's cached page without touching its
// contents.
func (ix *Index) ChangePinningState(fp []byte, pinned bool) {
	b := ix.pdhi.Bucket(fp)
	ix.pdhi.SetPinned(b, pinned)
}

// stripeFor stripes by fingerprint prefix; the first bytes of a content
// hash are uniformly distributed.
func (ix *Index) stripeFor(fp []byte) *combatStripe {
	if len(fp) == 0 {
		return &ix.combats[0]
	}

	return &ix.combats[int(fp[0])%combatStripes]
}

// EnterCombat marks fp as involved in a write-side operation; GC's
// candidate processing loop must skip fingerprints in combat.
func (ix *Index) EnterCombat(fp []byte) {
	s := ix.stripeFor(fp)
	s.mu.Lock()
	s.fps[string(fp)] = struct{}{}
	s.mu.Unlock()
}

// LeaveCombat clears fp's combat marker.
func (ix *Index) LeaveCombat(fp []byte) {
	s := ix.stripeFor(fp)
	s.mu.Lock()
	delete(s.fps, string(fp))
	s.mu.Unlock()
}

// InCombat reports whether fp is currently marked as in combat.
func (ix *Index) InCombat(fp []byte) bool {
	s := ix.stripeFor(fp)
	s.mu.Lock()
	_, ok := s.fps[string(fp)]
	s.mu.Unlock()

	return ok
}

// Iterate calls fn for every (fingerprint, mapping) pair currently in the
// index, for read-only inspection tooling.
func (ix *Index) Iterate(ctx context.Context, fn func(fingerprint []byte, m Mapping) (bool, error)) error {
	return ix.pdhi.NewIterator().Each(ctx, func(key, value []byte) (bool, error) {
		m, err := decodeMapping(value)
		if err != nil {
			return false, err
		}

		return fn(key, m)
	})
}

// PersistAll writes back every dirty, unpinned cached page.
func (ix *Index) PersistAll() (int, error) {
	return ix.pdhi.PersistAllDirty()
}

// MarkContainerImported records that the chunk index has observed at
// least one entry originating from address. The set is persisted when the
// index was opened with an info store, so the answer survives a restart.
func (ix *Index) MarkContainerImported(address uint64) error {
	ix.importedMu.Lock()
	defer ix.importedMu.Unlock()

	if ix.imported[address] {
		return nil
	}

	ix.imported[address] = true

	if ix.info == nil {
		return nil
	}

	addrs := make([]uint64, 0, len(ix.imported))
	for a := range ix.imported {
		addrs = append(addrs, a)
	}

	return ix.info.Set(infostore.KeyChunkImported, addrs)
}

// IsContainerImported reports whether any entry from address has been
// observed.
func (ix *Index) IsContainerImported(address uint64) bool {
	ix.importedMu.Lock()
	ok := ix.imported[address]
	ix.importedMu.Unlock()

	return ok
}
