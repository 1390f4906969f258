package oplog

import (
	"fmt"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
)

// idRange is a run of slot ids found damaged during the CheckLogID scan.
type idRange struct {
	base uint64
	k    uint64
}

// CheckLogID repairs LogID after an unclean shutdown. The persisted logID
// is only saved every LogIDUpdateInterval reservations, so on restart it
// may understate how many slots were actually written; it can never
// overstate it, since a slot is only written after its id is reserved.
//
// The scan covers every unreplayed id - [replayID, logID+interval),
// capped to one full ring - not just the tail past the persisted logID,
// so damage anywhere in the live range is found. Two kinds of repair
// result:
//
//   - A torn multi-partial event (some slots present, others missing or
//     checksum-damaged) cannot be replayed, so each of its written slots
//     is overwritten with a single-slot None event. LogID still advances
//     past the event's full range: the ids were reserved and are never
//     handed out again.
//   - A damaged id at or below the durability frontier recorded by any
//     intact slot was a fully written, acknowledged event. Zeroing it
//     would be silent data loss, not crash repair, so CheckLogID refuses
//     to start with ErrCorrupt and repairs nothing.
//
// CheckLogID must run after Open and before any Commit call, and exactly
// once per process lifetime for a given Log.
func (l *Log) CheckLogID() error {
	l.idMu.Lock()
	replayID := l.replayID
	logID := l.logID
	l.idMu.Unlock()

	maxCheck := logID + l.logIDUpdateInterval

	if ringEnd := replayID + l.limit; maxCheck > ringEnd {
		maxCheck = ringEnd
	}

	var (
		// frontier is the highest durability frontier any intact slot
		// recorded at reservation time: one past the last id known fully
		// written, 0 when no slot recorded one.
		frontier uint64

		// realLogID is one past the last id whose base slot was found,
		// torn or not.
		realLogID uint64

		damaged []idRange
	)

	id := replayID
	for id < maxCheck {
		present, s, err := l.readSlotRaw(id)
		if err != nil {
			return err
		}

		if !present || s.logID != id || s.partialIndex != 0 {
			// Absent, stale content from an older wrap of the ring, or an
			// orphaned partial whose base is gone: nothing decodable
			// starts here.
			damaged = append(damaged, idRange{base: id, k: 1})
			id++

			continue
		}

		k := uint64(s.partialCount)
		if k == 0 {
			k = 1
		}

		if s.lastFullyWrittenLogID > frontier {
			frontier = s.lastFullyWrittenLogID
		}

		complete, err := l.eventComplete(id, s, k, &frontier)
		if err != nil {
			return err
		}

		if !complete {
			damaged = append(damaged, idRange{base: id, k: k})
		}

		realLogID = id + k
		id += k
	}

	if realLogID < logID {
		realLogID = logID
	}

	// Validate every damaged id before repairing any of them, so a refusal
	// leaves the log exactly as the crash did.
	for _, d := range damaged {
		for i := uint64(0); i < d.k; i++ {
			if id := d.base + i; id < realLogID && id < frontier {
				return fmt.Errorf("%w: log id %d is damaged but an intact neighbor records the durability frontier at %d",
					dederr.ErrCorrupt, id, frontier)
			}
		}
	}

	for _, d := range damaged {
		for i := uint64(0); i < d.k; i++ {
			id := d.base + i

			// Ids past the last found base slot were never written;
			// leaving them absent is correct.
			if id >= realLogID {
				continue
			}

			if err := l.writeNoneEvent(id); err != nil {
				return err
			}
		}
	}

	l.idMu.Lock()

	if realLogID > l.logID {
		l.logID = realLogID
	}

	if l.replayID > l.logID {
		l.replayID = l.logID
	}

	l.idMu.Unlock()

	// Every id below realLogID is now either intact or repaired to an
	// explicit None event, so the durability frontier can resume there;
	// background replay would otherwise stall until new commits complete.
	if l.lastFullyWrittenLogID.Load() < realLogID {
		l.lastFullyWrittenLogID.Store(realLogID)
	}

	return l.persistLogID()
}

func (l *Log) readSlotRaw(id uint64) (bool, slot, error) {
	rec, ok, err := l.fwi.Get(id % l.limit)
	if err != nil {
		return false, slot{}, err
	}

	if !ok {
		return false, slot{}, nil
	}

	s, err := decodeSlot(l.entryWidth, rec)
	if err != nil {
		// A structurally invalid slot is indistinguishable from a torn
		// write; CheckLogID treats it as absent rather than failing
		// recovery outright.
		return false, slot{}, nil //nolint:nilerr // torn write heuristic
	}

	return true, s, nil
}

// eventComplete reports whether every partial of the k-slot event based at
// base is present, checksum-valid, and internally consistent, raising
// *frontier to the highest durability frontier any intact partial recorded.
func (l *Log) eventComplete(base uint64, first slot, k uint64, frontier *uint64) (bool, error) {
	complete := true

	for i := uint64(1); i < k; i++ {
		present, s, err := l.readSlotRaw(base + i)
		if err != nil {
			return false, err
		}

		if !present {
			complete = false
			continue
		}

		if s.logID != first.logID || s.partialIndex != uint32(i) || s.partialCount != first.partialCount {
			complete = false
			continue
		}

		if s.lastFullyWrittenLogID > *frontier {
			*frontier = s.lastFullyWrittenLogID
		}
	}

	if !complete {
		return false, nil
	}

	if _, err := decodeEvent(reassemble(first, k, func(i uint64) []byte {
		_, s, _ := l.readSlotRaw(base + i)
		return s.value
	})); err != nil {
		return false, nil
	}

	return true, nil
}

func reassemble(first slot, k uint64, partial func(i uint64) []byte) []byte {
	out := make([]byte, 0, len(first.value)*int(k))
	out = append(out, first.value...)

	for i := uint64(1); i < k; i++ {
		out = append(out, partial(i)...)
	}

	return out
}

// writeNoneEvent overwrites the slot at id with a single-slot None event,
// so a later Background/DirtyStart scan replays an explicit no-op instead
// of mistaking the leftover bytes for a live event.
func (l *Log) writeNoneEvent(id uint64) error {
	none := encodeEvent(eventWireFormat{eventType: EventNone})

	buf, err := encodeSlot(l.entryWidth, slot{logID: id, partialIndex: 0, partialCount: 1, value: none})
	if err != nil {
		return err
	}

	if err := l.fwi.Put(id%l.limit, buf); err != nil {
		return fmt.Errorf("%w: repair log id %d: %w", dederr.ErrIO, id, err)
	}

	return nil
}
