package pdhi

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
	"github.com/calvinalkan/dedupvault/pkg/fs"
)

// journal is the per-page transaction journal sibling file "F.trans".
// It holds a fixed ring of concurrentTx slots; a page
// write appends a {bucket_id, page_bytes, crc32} record to the next slot,
// fsyncs, overwrites the data page, fsyncs again, then clears the slot.
// Slots whose CRC does not match are torn writes and are ignored on replay.
type journal struct {
	file     fs.File
	fd       int
	pageSize uint32
	slotSize int64
	slots    int64

	next atomic.Int64
}

const journalRecordOverhead = 8 + 4 // bucket_id + crc32

func openJournal(fsys fs.FS, path string, pageSize uint32, concurrentTx int) (*journal, error) {
	if concurrentTx <= 0 {
		concurrentTx = 1
	}

	slotSize := int64(journalRecordOverhead) + int64(pageSize)
	total := slotSize * int64(concurrentTx)

	exists, _ := fsys.Exists(path)

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open journal %s: %w", dederr.ErrIO, path, err)
	}

	j := &journal{
		file:     f,
		fd:       int(f.Fd()),
		pageSize: pageSize,
		slotSize: slotSize,
		slots:    int64(concurrentTx),
	}

	if !exists {
		if err := unix.Ftruncate(j.fd, total); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("%w: preallocate journal %s: %w", dederr.ErrIO, path, err)
		}
	}

	return j, nil
}

func (j *journal) close() error { return j.file.Close() }

// append writes a record to the next slot (round-robin) and fsyncs before
// returning. The returned slot index must be passed to clear once the data
// page write is durable.
func (j *journal) append(bucketID uint64, pageBytes []byte) (int64, error) {
	slot := j.next.Add(1) - 1
	slot %= j.slots

	buf := make([]byte, j.slotSize)
	binary.LittleEndian.PutUint64(buf[0:8], bucketID)
	copy(buf[8:8+len(pageBytes)], pageBytes)
	binary.LittleEndian.PutUint32(buf[j.slotSize-4:], crc32.Checksum(buf[:8+int(j.pageSize)], crcTable))

	if _, err := unix.Pwrite(j.fd, buf, j.offset(slot)); err != nil {
		return 0, fmt.Errorf("%w: append journal slot %d: %w", dederr.ErrIO, slot, err)
	}

	if err := unix.Fsync(j.fd); err != nil {
		return 0, fmt.Errorf("%w: fsync journal: %w", dederr.ErrIO, err)
	}

	return slot, nil
}

// clear zeroes a slot after its corresponding data-page write is durable.
func (j *journal) clear(slot int64) error {
	buf := make([]byte, j.slotSize)

	if _, err := unix.Pwrite(j.fd, buf, j.offset(slot)); err != nil {
		return fmt.Errorf("%w: clear journal slot %d: %w", dederr.ErrIO, slot, err)
	}

	return unix.Fsync(j.fd)
}

func (j *journal) offset(slot int64) int64 { return slot * j.slotSize }

// replay scans every slot and invokes fn for each with a valid CRC. Called
// once at startup before the Operations Log is opened.
func (j *journal) replay(fn func(bucketID uint64, pageBytes []byte) error) error {
	buf := make([]byte, j.slotSize)

	for slot := int64(0); slot < j.slots; slot++ {
		n, err := unix.Pread(j.fd, buf, j.offset(slot))
		if err != nil {
			return fmt.Errorf("%w: read journal slot %d: %w", dederr.ErrIO, slot, err)
		}

		if n != len(buf) {
			continue
		}

		wantCRC := binary.LittleEndian.Uint32(buf[j.slotSize-4:])
		if wantCRC == 0 {
			continue // cleared slot
		}

		gotCRC := crc32.Checksum(buf[:8+int(j.pageSize)], crcTable)
		if gotCRC != wantCRC {
			continue // torn write, discard
		}

		bucketID := binary.LittleEndian.Uint64(buf[0:8])
		pageBytes := make([]byte, j.pageSize)
		copy(pageBytes, buf[8:8+int(j.pageSize)])

		if err := fn(bucketID, pageBytes); err != nil {
			return err
		}
	}

	return nil
}
