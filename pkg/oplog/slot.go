package oplog

import (
	"encoding/binary"
	"fmt"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
)

// slotHeaderSize is the fixed framing before a slot's value bytes:
// log_id(8) + partial_index(4) + partial_count(4) + last_fully_written_log_id(8) + value_len(4).
const slotHeaderSize = 8 + 4 + 4 + 8 + 4

// slot is one FWI record's decoded contents.
type slot struct {
	logID                 uint64
	partialIndex          uint32
	partialCount          uint32
	lastFullyWrittenLogID uint64 // durability frontier observed at reservation
	value                 []byte // this slot's chunk of the event payload
}

// slotPayloadSize returns the usable value bytes per slot for a given FWI
// record size (entryWidth).
func slotPayloadSize(entryWidth uint32) int {
	return int(entryWidth) - slotHeaderSize
}

func encodeSlot(entryWidth uint32, s slot) ([]byte, error) {
	payloadCap := slotPayloadSize(entryWidth)
	if len(s.value) > payloadCap {
		return nil, fmt.Errorf("%w: slot value %d exceeds capacity %d", dederr.ErrInvalidArgument, len(s.value), payloadCap)
	}

	buf := make([]byte, entryWidth)
	binary.LittleEndian.PutUint64(buf[0:8], s.logID)
	binary.LittleEndian.PutUint32(buf[8:12], s.partialIndex)
	binary.LittleEndian.PutUint32(buf[12:16], s.partialCount)
	binary.LittleEndian.PutUint64(buf[16:24], s.lastFullyWrittenLogID)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(s.value)))
	copy(buf[slotHeaderSize:], s.value)

	return buf, nil
}

func decodeSlot(entryWidth uint32, buf []byte) (slot, error) {
	if uint32(len(buf)) != entryWidth {
		return slot{}, fmt.Errorf("%w: slot length %d != entry width %d", dederr.ErrCorrupt, len(buf), entryWidth)
	}

	valueLen := binary.LittleEndian.Uint32(buf[24:28])
	payloadCap := slotPayloadSize(entryWidth)

	if int(valueLen) > payloadCap {
		return slot{}, fmt.Errorf("%w: slot value_len %d exceeds capacity %d", dederr.ErrCorrupt, valueLen, payloadCap)
	}

	value := make([]byte, valueLen)
	copy(value, buf[slotHeaderSize:slotHeaderSize+int(valueLen)])

	return slot{
		logID:                 binary.LittleEndian.Uint64(buf[0:8]),
		partialIndex:          binary.LittleEndian.Uint32(buf[8:12]),
		partialCount:          binary.LittleEndian.Uint32(buf[12:16]),
		lastFullyWrittenLogID: binary.LittleEndian.Uint64(buf[16:24]),
		value:                 value,
	}, nil
}

// eventWireFormat is the logical event encoded across one or more slots.
type eventWireFormat struct {
	eventType EventType
	payload   []byte
}

func encodeEvent(e eventWireFormat) []byte {
	buf := make([]byte, 1+len(e.payload))
	buf[0] = byte(e.eventType)
	copy(buf[1:], e.payload)

	return buf
}

func decodeEvent(buf []byte) (eventWireFormat, error) {
	if len(buf) < 1 {
		return eventWireFormat{}, fmt.Errorf("%w: empty event wire buffer", dederr.ErrCorrupt)
	}

	payload := make([]byte, len(buf)-1)
	copy(payload, buf[1:])

	return eventWireFormat{eventType: EventType(buf[0]), payload: payload}, nil
}
