// Package blockindex specializes the Paged Disk Hash Index over block
// ids: block_id -> block-mapping, the ordered list of (fingerprint,
// container-address, chunk-offset, length) tuples that reconstruct a
// logical block.
package blockindex

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
	"github.com/calvinalkan/dedupvault/pkg/oplog"
	"github.com/calvinalkan/dedupvault/pkg/pdhi"
)

// ChunkRef is one (fingerprint, container address, chunk offset, length)
// tuple within a block mapping.
type ChunkRef struct {
	Fingerprint      []byte
	ContainerAddress uint64
	ChunkOffset      uint64
	Length           uint32
}

// Mapping is the ordered list of chunk references reconstructing one
// logical block, plus a per-block version that increases on every store
// and an optional content checksum (0 when absent).
type Mapping struct {
	Version  uint64
	Checksum uint32
	Refs     []ChunkRef
}

func encodeMapping(m Mapping) []byte {
	buf := make([]byte, 8+4+4)
	binary.LittleEndian.PutUint64(buf[0:8], m.Version)
	binary.LittleEndian.PutUint32(buf[8:12], m.Checksum)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(m.Refs)))

	for _, r := range m.Refs {
		head := make([]byte, 4+8+8+4)
		binary.LittleEndian.PutUint32(head[0:4], uint32(len(r.Fingerprint)))
		binary.LittleEndian.PutUint64(head[4:12], r.ContainerAddress)
		binary.LittleEndian.PutUint64(head[12:20], r.ChunkOffset)
		binary.LittleEndian.PutUint32(head[20:24], r.Length)
		buf = append(buf, head...)
		buf = append(buf, r.Fingerprint...)
	}

	return buf
}

func decodeMapping(buf []byte) (Mapping, error) {
	if len(buf) < 16 {
		return Mapping{}, fmt.Errorf("%w: block mapping truncated", dederr.ErrCorrupt)
	}

	version := binary.LittleEndian.Uint64(buf[0:8])
	checksum := binary.LittleEndian.Uint32(buf[8:12])
	count := binary.LittleEndian.Uint32(buf[12:16])
	off := 16

	refs := make([]ChunkRef, 0, count)

	for i := uint32(0); i < count; i++ {
		if off+24 > len(buf) {
			return Mapping{}, fmt.Errorf("%w: block mapping ref %d truncated", dederr.ErrCorrupt, i)
		}

		fpLen := binary.LittleEndian.Uint32(buf[off : off+4])
		addr := binary.LittleEndian.Uint64(buf[off+4 : off+12])
		chunkOff := binary.LittleEndian.Uint64(buf[off+12 : off+20])
		length := binary.LittleEndian.Uint32(buf[off+20 : off+24])
		off += 24

		if off+int(fpLen) > len(buf) {
			return Mapping{}, fmt.Errorf("%w: block mapping ref %d fingerprint truncated", dederr.ErrCorrupt, i)
		}

		fp := make([]byte, fpLen)
		copy(fp, buf[off:off+int(fpLen)])
		off += int(fpLen)

		refs = append(refs, ChunkRef{Fingerprint: fp, ContainerAddress: addr, ChunkOffset: chunkOff, Length: length})
	}

	return Mapping{Version: version, Checksum: checksum, Refs: refs}, nil
}

// blockEventPayload is the OL payload for BlockMappingWritten/Deleted/
// WriteFailed: the pair of mappings plus, for WriteFailed, the id of the
// write event being reverted.
type blockEventPayload struct {
	BlockID          uint64
	Original         Mapping
	Modified         Mapping
	WriteEventLogID  uint64
}

func encodeBlockID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, id)

	return buf
}

func encodeEventPayload(p blockEventPayload) []byte {
	buf := make([]byte, 8+8)
	binary.LittleEndian.PutUint64(buf[0:8], p.BlockID)
	binary.LittleEndian.PutUint64(buf[8:16], p.WriteEventLogID)

	orig := encodeMapping(p.Original)
	mod := encodeMapping(p.Modified)

	lenBuf := make([]byte, 8)
	binary.LittleEndian.PutUint32(lenBuf[0:4], uint32(len(orig)))
	binary.LittleEndian.PutUint32(lenBuf[4:8], uint32(len(mod)))

	buf = append(buf, lenBuf...)
	buf = append(buf, orig...)
	buf = append(buf, mod...)

	return buf
}

// DecodeEventPayload decodes a BlockMappingWritten/Deleted/WriteFailed
// event payload - exported for GC, which consumes these events directly
// off the Operations Log.
func DecodeEventPayload(buf []byte) (blockID uint64, original, modified Mapping, writeEventLogID uint64, err error) {
	if len(buf) < 24 {
		return 0, Mapping{}, Mapping{}, 0, fmt.Errorf("%w: block event payload truncated", dederr.ErrCorrupt)
	}

	blockID = binary.LittleEndian.Uint64(buf[0:8])
	writeEventLogID = binary.LittleEndian.Uint64(buf[8:16])
	origLen := binary.LittleEndian.Uint32(buf[16:20])
	modLen := binary.LittleEndian.Uint32(buf[20:24])

	off := 24
	if off+int(origLen)+int(modLen) > len(buf) {
		return 0, Mapping{}, Mapping{}, 0, fmt.Errorf("%w: block event payload length mismatch", dederr.ErrCorrupt)
	}

	original, err = decodeMapping(buf[off : off+int(origLen)])
	if err != nil {
		return 0, Mapping{}, Mapping{}, 0, err
	}

	off += int(origLen)

	modified, err = decodeMapping(buf[off : off+int(modLen)])
	if err != nil {
		return 0, Mapping{}, Mapping{}, 0, err
	}

	return blockID, original, modified, writeEventLogID, nil
}

// Index is the block index.
type Index struct {
	pdhi *pdhi.Index
	log  *oplog.Log
}

// Open wraps an already-open PDHI instance and the Operations Log block
// mapping changes are published through.
func Open(p *pdhi.Index, log *oplog.Log) *Index {
	return &Index{pdhi: p, log: log}
}

// ReadBlockInfo returns blockID's current mapping, if any.
func (ix *Index) ReadBlockInfo(ctx context.Context, blockID uint64) (Mapping, bool, error) {
	raw, ok, err := ix.pdhi.Lookup(ctx, encodeBlockID(blockID))
	if err != nil || !ok {
		return Mapping{}, ok, err
	}

	m, err := decodeMapping(raw)

	return m, err == nil, err
}

// StoreBlock writes modified as blockID's new mapping and emits
// BlockMappingWritten. The stored version increases monotonically per
// block: a zero modified.Version is assigned original.Version+1, and an
// explicit version must be greater than the original's.
func (ix *Index) StoreBlock(ctx context.Context, blockID uint64, original, modified Mapping) (uint64, error) {
	if modified.Version == 0 {
		modified.Version = original.Version + 1
	} else if modified.Version <= original.Version {
		return 0, fmt.Errorf("%w: block %d version %d not above stored version %d",
			dederr.ErrInvalidArgument, blockID, modified.Version, original.Version)
	}

	if err := ix.pdhi.Put(ctx, encodeBlockID(blockID), encodeMapping(modified)); err != nil {
		return 0, err
	}

	payload := encodeEventPayload(blockEventPayload{BlockID: blockID, Original: original, Modified: modified})

	return ix.log.Commit(oplog.EventBlockMappingWritten, payload, nil)
}

// MarkBlockWriteAsFailed emits BlockMappingWriteFailed so GC inverts the
// usage-count deltas it applied optimistically for the failed write.
func (ix *Index) MarkBlockWriteAsFailed(blockID uint64, original, modified Mapping, writeEventLogID uint64) (uint64, error) {
	payload := encodeEventPayload(blockEventPayload{
		BlockID:         blockID,
		Original:        original,
		Modified:        modified,
		WriteEventLogID: writeEventLogID,
	})

	return ix.log.Commit(oplog.EventBlockMappingWriteFailed, payload, nil)
}

// DeleteBlock removes blockID's mapping and emits BlockMappingDeleted.
func (ix *Index) DeleteBlock(ctx context.Context, blockID uint64, original Mapping) (uint64, error) {
	if _, err := ix.pdhi.Delete(ctx, encodeBlockID(blockID)); err != nil {
		return 0, err
	}

	payload := encodeEventPayload(blockEventPayload{BlockID: blockID, Original: original})

	return ix.log.Commit(oplog.EventBlockMappingDeleted, payload, nil)
}

// Iterate calls fn for every (block id, mapping) pair currently stored, for
// read-only inspection tooling.
func (ix *Index) Iterate(ctx context.Context, fn func(blockID uint64, m Mapping) (bool, error)) error {
	return ix.pdhi.NewIterator().Each(ctx, func(key, value []byte) (bool, error) {
		if len(key) != 8 {
			return true, nil
		}

		blockID := binary.LittleEndian.Uint64(key)

		m, err := decodeMapping(value)
		if err != nil {
			return false, err
		}

		return fn(blockID, m)
	})
}

// CheckIfFullWith reports whether modified's encoded size would exceed the
// index's configured per-entry value cap, for admission control before a
// write is attempted. The check does not look at the bucket's overflow
// state: an oversized mapping is reported as full even when its bucket is
// already in overflow mode.
func (ix *Index) CheckIfFullWith(blockID uint64, modified Mapping) bool {
	encoded := encodeMapping(modified)

	return uint32(len(encoded)) > ix.pdhi.MaxValueSize()
}
