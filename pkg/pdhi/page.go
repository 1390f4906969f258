// Package pdhi implements the Paged Disk Hash Index: a bucket-per-page
// open-hash table with a write-back cache, per-page CRC, a per-page
// transaction journal, and overflow-to-auxiliary-index spillover.
package pdhi

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
)

// Fixed page header layout.
const (
	pageHeaderSize = 32

	offItemCount = 0
	offFlags     = 4
	offCRC32     = 8
	// offset 12..32 reserved, zero.

	flagOverflow   uint32 = 1 << 0
	flagCRCPresent uint32 = 1 << 1
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// entry is one decoded item slot.
type entry struct {
	key   []byte
	value []byte
}

// geometry describes the fixed per-page item layout derived from the
// index's configured key/value size caps.
type geometry struct {
	pageSize    uint32
	maxKeySize  uint32
	maxValSize  uint32
	slotSize    uint32 // 4 + 4 + maxKeySize + maxValSize
	slotsPerPage int
}

func newGeometry(pageSize, maxKeySize, maxValSize uint32) (geometry, error) {
	slotSize := 4 + 4 + maxKeySize + maxValSize
	if pageSize <= pageHeaderSize || slotSize == 0 {
		return geometry{}, fmt.Errorf("%w: page size %d too small for key/value caps", dederr.ErrInvalidArgument, pageSize)
	}

	slots := int((pageSize - pageHeaderSize) / slotSize)
	if slots <= 0 {
		return geometry{}, fmt.Errorf("%w: page size %d holds zero slots at key=%d value=%d", dederr.ErrInvalidArgument, pageSize, maxKeySize, maxValSize)
	}

	return geometry{
		pageSize:     pageSize,
		maxKeySize:   maxKeySize,
		maxValSize:   maxValSize,
		slotSize:     slotSize,
		slotsPerPage: slots,
	}, nil
}

// page is one bucket's decoded, in-memory contents.
type page struct {
	overflow    bool
	crcPresent  bool
	items       []entry
}

func emptyPage(crcPresent bool) page {
	return page{crcPresent: crcPresent}
}

// encode serializes p into a pageSize-byte buffer. Returns ErrIndexFull if
// p.items does not fit the geometry's slot count.
func (g geometry) encode(p page) ([]byte, error) {
	if len(p.items) > g.slotsPerPage {
		return nil, fmt.Errorf("%w: %d items exceed %d slots per page", dederr.ErrIndexFull, len(p.items), g.slotsPerPage)
	}

	buf := make([]byte, g.pageSize)

	binary.LittleEndian.PutUint32(buf[offItemCount:], uint32(len(p.items)))

	var flags uint32
	if p.overflow {
		flags |= flagOverflow
	}

	if p.crcPresent {
		flags |= flagCRCPresent
	}

	binary.LittleEndian.PutUint32(buf[offFlags:], flags)

	off := pageHeaderSize

	for _, it := range p.items {
		if uint32(len(it.key)) > g.maxKeySize || uint32(len(it.value)) > g.maxValSize {
			return nil, fmt.Errorf("%w: item exceeds key/value caps", dederr.ErrInvalidArgument)
		}

		binary.LittleEndian.PutUint32(buf[off:], uint32(len(it.key)))
		binary.LittleEndian.PutUint32(buf[off+4:], uint32(len(it.value)))
		copy(buf[off+8:], it.key)
		copy(buf[off+8+int(g.maxKeySize):], it.value)
		off += int(g.slotSize)
	}

	if p.crcPresent {
		crc := crc32.Checksum(excludingCRCField(buf), crcTable)
		binary.LittleEndian.PutUint32(buf[offCRC32:], crc)
	}

	return buf, nil
}

// excludingCRCField returns buf with the 4-byte CRC field (but not the
// rest of the header) zeroed: the checksum covers the whole page except
// the field that stores it.
func excludingCRCField(buf []byte) []byte {
	tmp := make([]byte, len(buf))
	copy(tmp, buf)

	for i := offCRC32; i < offCRC32+4; i++ {
		tmp[i] = 0
	}

	return tmp
}

// decode parses a pageSize-byte buffer. If the page's header indicates a
// CRC is present, the checksum is validated and a mismatch returns
// dederr.ErrChecksum.
func (g geometry) decode(buf []byte) (page, error) {
	if uint32(len(buf)) != g.pageSize {
		return page{}, fmt.Errorf("%w: page length %d != %d", dederr.ErrCorrupt, len(buf), g.pageSize)
	}

	itemCount := binary.LittleEndian.Uint32(buf[offItemCount:])
	flags := binary.LittleEndian.Uint32(buf[offFlags:])

	p := page{
		overflow:   flags&flagOverflow != 0,
		crcPresent: flags&flagCRCPresent != 0,
	}

	if p.crcPresent {
		want := binary.LittleEndian.Uint32(buf[offCRC32:])
		if crc32.Checksum(excludingCRCField(buf), crcTable) != want {
			return page{}, fmt.Errorf("%w: page checksum mismatch", dederr.ErrChecksum)
		}
	}

	if itemCount > uint32(g.slotsPerPage) {
		return page{}, fmt.Errorf("%w: item count %d exceeds %d slots", dederr.ErrCorrupt, itemCount, g.slotsPerPage)
	}

	off := pageHeaderSize
	p.items = make([]entry, 0, itemCount)

	for i := uint32(0); i < itemCount; i++ {
		keyLen := binary.LittleEndian.Uint32(buf[off:])
		valLen := binary.LittleEndian.Uint32(buf[off+4:])

		if keyLen > g.maxKeySize || valLen > g.maxValSize {
			return page{}, fmt.Errorf("%w: slot %d lengths exceed caps", dederr.ErrCorrupt, i)
		}

		key := make([]byte, keyLen)
		copy(key, buf[off+8:off+8+int(keyLen)])

		val := make([]byte, valLen)
		copy(val, buf[off+8+int(g.maxKeySize):off+8+int(g.maxKeySize)+int(valLen)])

		p.items = append(p.items, entry{key: key, value: val})
		off += int(g.slotSize)
	}

	return p, nil
}

func (p page) find(key []byte) (int, bool) {
	for i, it := range p.items {
		if bytes.Equal(it.key, key) {
			return i, true
		}
	}

	return 0, false
}

// clone returns a deep copy of p's item slice so a caller can try a
// speculative mutation without disturbing the original on failure.
func (p page) clone() page {
	out := page{overflow: p.overflow, crcPresent: p.crcPresent}
	out.items = append(out.items, p.items...)

	return out
}

func (p *page) put(key, value []byte) {
	if i, ok := p.find(key); ok {
		p.items[i].value = value
		return
	}

	p.items = append(p.items, entry{key: key, value: value})
}

func (p *page) delete(key []byte) bool {
	i, ok := p.find(key)
	if !ok {
		return false
	}

	p.items = append(p.items[:i], p.items[i+1:]...)

	return true
}
