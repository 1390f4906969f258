package oplog

import (
	"fmt"
	"sync"
	"time"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
)

// backgroundState tracks whether Background/DirtyStart sessions are active,
// guarding against concurrent Replay calls for the same mode.
type backgroundState struct {
	mu         sync.Mutex
	active     map[ReplayMode]bool
	lastEmpty  uint64
}

func newBackgroundState() *backgroundState {
	return &backgroundState{active: make(map[ReplayMode]bool)}
}

// ReplayStart begins a replay session for mode. For Direct, this starts the
// dedicated delivery worker. For Background/DirtyStart it marks the session
// active so Replay calls are accepted; isFull signals a full (not
// incremental) pass to consumers that care (not otherwise interpreted here).
func (l *Log) ReplayStart(mode ReplayMode, isFull bool) error {
	if l.closed.Load() {
		return dederr.ErrShutdown
	}

	switch mode {
	case Direct:
		l.direct.start()
	case Background, DirtyStart:
		l.bg().mu.Lock()
		l.bg().active[mode] = true
		l.bg().mu.Unlock()
	}

	_, _ = l.Commit(EventReplayStarted, nil, nil) //nolint:errcheck // liveness event, best-effort

	return nil
}

// ReplayStop ends a replay session started with ReplayStart.
func (l *Log) ReplayStop(mode ReplayMode, success bool) error {
	switch mode {
	case Direct:
		l.direct.stop()
	case Background, DirtyStart:
		l.bg().mu.Lock()
		l.bg().active[mode] = false
		l.bg().mu.Unlock()
	}

	if !l.closed.Load() {
		_, _ = l.Commit(EventReplayStopped, []byte{boolByte(success)}, nil) //nolint:errcheck
	}

	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}

	return 0
}

// Replay delivers up to maxEvents events to registered consumers.
//
//   - Background: scans forward from ReplayID, advances ReplayID after each
//     event whose delivery to every consumer succeeded, and never advances
//     past the direct-replay frontier (lastFullyWrittenLogID) or past the
//     first event where any consumer failed.
//   - DirtyStart: scans every event from ReplayID up to LogID (crash
//     recovery dirty replay) without ever advancing ReplayID.
//   - Direct: not valid here; direct delivery happens automatically as
//     events commit. Returns ErrInvalidArgument.
func (l *Log) Replay(mode ReplayMode, maxEvents int) (ReplayStatus, int, error) {
	start := time.Now()

	defer func() {
		l.statsMu.Lock()
		l.stats.LastReplayDuration = time.Since(start)
		l.statsMu.Unlock()
	}()

	switch mode {
	case Background:
		return l.replayBackground(maxEvents)
	case DirtyStart:
		return l.replayDirty(maxEvents)
	default:
		return ReplayNone, 0, fmt.Errorf("%w: Replay does not accept mode %s", dederr.ErrInvalidArgument, mode)
	}
}

func (l *Log) replayBackground(maxEvents int) (ReplayStatus, int, error) {
	frontier := l.lastFullyWrittenLogID.Load()

	n := 0

	for {
		if maxEvents > 0 && n >= maxEvents {
			break
		}

		l.idMu.Lock()
		id := l.replayID
		logID := l.logID
		l.idMu.Unlock()

		if id >= logID || id >= frontier {
			break
		}

		ev, nextID, err := l.readEventAt(id)
		if err != nil {
			return replayStatusFor(n, maxEvents), n, err
		}

		var consumerErr error

		_ = l.consumers.deliver(ev.eventType, ev.payload, ReplayContext{Mode: Background, LogID: id}, func(name string, err error) {
			l.recordConsumerError(name, err)
			consumerErr = err
		})

		l.recordReplayStat(Background, ev.eventType)

		if consumerErr != nil {
			return ReplayPartial, n, consumerErr
		}

		l.idMu.Lock()
		l.replayID = nextID
		l.idMu.Unlock()

		if err := l.persistReplayID(); err != nil {
			return ReplayPartial, n, err
		}

		if ev.eventType == EventLogEmpty {
			l.bg().mu.Lock()
			l.bg().lastEmpty = id
			l.bg().mu.Unlock()
		}

		n++
	}

	if n == 0 {
		return ReplayNone, 0, nil
	}

	return replayStatusFor(n, maxEvents), n, nil
}

func (l *Log) replayDirty(maxEvents int) (ReplayStatus, int, error) {
	l.idMu.Lock()
	id := l.replayID
	logID := l.logID
	l.idMu.Unlock()

	n := 0

	for id < logID {
		if maxEvents > 0 && n >= maxEvents {
			break
		}

		ev, nextID, err := l.readEventAt(id)
		if err != nil {
			return replayStatusFor(n, maxEvents), n, err
		}

		_ = l.consumers.deliver(ev.eventType, ev.payload, ReplayContext{Mode: DirtyStart, LogID: id}, func(name string, err error) {
			l.recordConsumerError(name, err)
		})

		l.recordReplayStat(DirtyStart, ev.eventType)
		id = nextID
		n++
	}

	if n == 0 {
		return ReplayNone, 0, nil
	}

	return replayStatusFor(n, maxEvents), n, nil
}

func replayStatusFor(n, maxEvents int) ReplayStatus {
	if maxEvents > 0 && n >= maxEvents {
		return ReplayOK
	}

	return ReplayPartial
}

// readEventAt reads the (possibly multi-partial) event based at id and
// returns its decoded contents plus the id one past its last slot.
func (l *Log) readEventAt(id uint64) (eventWireFormat, uint64, error) {
	rec, ok, err := l.fwi.Get(id % l.limit)
	if err != nil {
		return eventWireFormat{}, 0, err
	}

	if !ok {
		return eventWireFormat{eventType: EventNone}, id + 1, nil
	}

	s, err := decodeSlot(l.entryWidth, rec)
	if err != nil {
		return eventWireFormat{}, 0, err
	}

	k := uint64(s.partialCount)
	if k == 0 {
		k = 1
	}

	wire := make([]byte, 0, len(s.value)*int(k))
	wire = append(wire, s.value...)

	for i := uint64(1); i < k; i++ {
		rec2, ok2, err := l.fwi.Get((id + i) % l.limit)
		if err != nil {
			return eventWireFormat{}, 0, err
		}

		if !ok2 {
			return eventWireFormat{}, 0, fmt.Errorf("%w: event at %d missing partial %d/%d", dederr.ErrCorrupt, id, i, k)
		}

		s2, err := decodeSlot(l.entryWidth, rec2)
		if err != nil {
			return eventWireFormat{}, 0, err
		}

		if s2.logID != s.logID || s2.partialIndex != uint32(i) || s2.partialCount != s.partialCount {
			return eventWireFormat{}, 0, fmt.Errorf("%w: event at %d partial %d inconsistent", dederr.ErrCorrupt, id, i)
		}

		wire = append(wire, s2.value...)
	}

	ev, err := decodeEvent(wire)
	if err != nil {
		return eventWireFormat{}, 0, err
	}

	return ev, id + k, nil
}

func (l *Log) bg() *backgroundState {
	l.bgOnce.Do(func() { l.bgState = newBackgroundState() })
	return l.bgState
}
