// Package oplog implements the Operations Log (OL): a cyclic buffer over a
// Fixed-Width ID Index that serializes every state-changing event between
// the in-memory indices and on-disk structures.
package oplog

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
	"github.com/calvinalkan/dedupvault/pkg/fwi"
	"github.com/calvinalkan/dedupvault/pkg/infostore"
)

// Log is an open operations log.
type Log struct {
	fwi  *fwi.Index
	info *infostore.Store

	entryWidth      uint32
	limit           uint64
	reserveHeadroom uint64

	// idMu serializes id reservation. Reservation is a few field
	// updates, never I/O, so contention is brief.
	idMu                  sync.Mutex
	logID                 uint64
	replayID              uint64
	reservationsSinceSave uint64
	logIDUpdateInterval   uint64

	// lastFullyWrittenLogID is the durability frontier: one past the last
	// id whose event is fully written, 0 when nothing is yet. Each slot
	// records the value observed at its reservation, which is what
	// CheckLogID uses to tell crash-torn tails from damaged durable events.
	lastFullyWrittenLogID atomic.Uint64
	inProgress            *inProgressSet

	consumers *consumerRegistry

	direct *directReplay

	softThreshold float64
	hardThreshold float64

	stats   Stats
	statsMu sync.Mutex

	bgOnce  sync.Once
	bgState *backgroundState

	closed atomic.Bool
}

// Open opens (or, if absent, creates) the log's backing FWI file and
// restores LogState from the info store. Callers must follow Open with
// CheckLogID before accepting new writes if the process is recovering from
// an unclean shutdown.
func Open(opts Options) (*Log, error) {
	opts.setDefaults()

	if opts.Limit == 0 || opts.EntryWidth == 0 {
		return nil, fmt.Errorf("%w: limit and entry width must be > 0", dederr.ErrInvalidArgument)
	}

	if slotPayloadSize(opts.EntryWidth) <= 0 {
		return nil, fmt.Errorf("%w: entry width %d too small for slot header", dederr.ErrInvalidArgument, opts.EntryWidth)
	}

	info, err := infostore.Open(opts.InfoPath)
	if err != nil {
		return nil, err
	}

	// Geometry is persisted under the "state" key and immutable after
	// creation: a reopen with different options is a caller bug, not a
	// reconfiguration. Checked before the FWI open so a mismatch surfaces
	// here instead of as an open-or-create failure below.
	var st stateRecord

	stateKnown, err := info.Get(infostore.KeyState, &st)
	if err != nil {
		return nil, err
	}

	if stateKnown && (st.LimitID != opts.Limit || st.EntryWidth != opts.EntryWidth) {
		return nil, fmt.Errorf("%w: log geometry mismatch: have limit=%d width=%d, want limit=%d width=%d",
			dederr.ErrInvalidArgument, st.LimitID, st.EntryWidth, opts.Limit, opts.EntryWidth)
	}

	idx, err := fwi.Open(fwi.Options{Path: opts.Path, RecordSize: opts.EntryWidth, Limit: opts.Limit})
	if err != nil {
		idx, err = fwi.Create(fwi.Options{Path: opts.Path, RecordSize: opts.EntryWidth, Limit: opts.Limit})
		if err != nil {
			return nil, err
		}
	}

	if !stateKnown {
		st = stateRecord{LimitID: opts.Limit, EntryWidth: opts.EntryWidth}
		if err := info.Set(infostore.KeyState, st); err != nil {
			_ = idx.Close()
			return nil, err
		}
	}

	l := &Log{
		fwi:                 idx,
		info:                info,
		entryWidth:          opts.EntryWidth,
		limit:               opts.Limit,
		reserveHeadroom:     opts.Reserve,
		logIDUpdateInterval: opts.LogIDUpdateInterval,
		inProgress:          newInProgressSet(),
		consumers:           newConsumerRegistry(),
		softThreshold:       opts.SoftThrottle,
		hardThreshold:       opts.HardThrottle,
	}
	l.direct = newDirectReplay(l)

	var logID, replayID uint64

	if ok, err := info.Get(infostore.KeyLogID, &logID); err != nil {
		return nil, err
	} else if ok {
		l.logID = logID
	}

	if ok, err := info.Get(infostore.KeyReplayID, &replayID); err != nil {
		return nil, err
	} else if ok {
		l.replayID = replayID
	}

	return l, nil
}

// stateRecord is the immutable log geometry persisted under the info
// store's "state" key.
type stateRecord struct {
	LimitID    uint64 `json:"limit_id"`
	EntryWidth uint32 `json:"entry_width"`
}

// Close stops the direct-replay worker (if running) and closes the backing
// FWI file. It does not fsync the info store beyond its own Set calls.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	l.direct.stop()

	return l.fwi.Close()
}

// LogID returns the next id that will be assigned.
func (l *Log) LogID() uint64 {
	l.idMu.Lock()
	defer l.idMu.Unlock()

	return l.logID
}

// ReplayID returns the oldest unreplayed id.
func (l *Log) ReplayID() uint64 {
	l.idMu.Lock()
	defer l.idMu.Unlock()

	return l.replayID
}

// Limit returns the ring's slot count.
func (l *Log) Limit() uint64 { return l.limit }

// RegisterConsumer adds a named consumer. Replacing an existing name is an error.
func (l *Log) RegisterConsumer(name string, c Consumer) error {
	return l.consumers.register(name, c)
}

// UnregisterConsumer removes a named consumer, if present.
func (l *Log) UnregisterConsumer(name string) {
	l.consumers.unregister(name)
}

// IsRegistered reports whether name has a registered consumer.
func (l *Log) IsRegistered(name string) bool {
	return l.consumers.isRegistered(name)
}

// Throttle reports whether the caller (identified by threadID of
// threadCount total producer threads) should sleep to let replay catch up.
// Fill ratio above HardThreshold always throttles; between Soft and Hard,
// threads are staggered so they do not all pause and resume in lockstep.
func (l *Log) Throttle(threadID, threadCount int) bool {
	l.idMu.Lock()
	fill := l.fillRatioLocked()
	l.idMu.Unlock()

	if fill >= l.hardThreshold {
		return true
	}

	if fill < l.softThreshold {
		return false
	}

	if threadCount <= 0 {
		threadCount = 1
	}

	return threadID%threadCount == 0
}

func (l *Log) fillRatioLocked() float64 {
	span := l.limit - l.reserveHeadroom
	if span == 0 {
		return 1
	}

	return float64(l.logID-l.replayID) / float64(span)
}

// Commit reserves ceil(len(payload)/slotPayload) consecutive ids, writes
// them durably, invokes ack (if non-nil) after the slots are durable but
// before the event is published, then enqueues the event for direct replay.
//
// A non-nil ack error aborts the commit: Commit returns that error and the
// caller must treat the event as never having happened. The reserved ids
// are not reused; their slots are overwritten with None events, and Direct
// replay receives one None event for the range in place of the aborted one.
func (l *Log) Commit(eventType EventType, payload []byte, ack AckFunc) (uint64, error) {
	if l.closed.Load() {
		return 0, dederr.ErrShutdown
	}

	wire := encodeEvent(eventWireFormat{eventType: eventType, payload: payload})
	payloadCap := slotPayloadSize(l.entryWidth)
	k := uint64((len(wire) + payloadCap - 1) / payloadCap)

	if k == 0 {
		k = 1
	}

	base, observedLFW, err := l.reserve(k)
	if err != nil {
		return 0, err
	}

	for i := uint64(0); i < k; i++ {
		lo := int(i) * payloadCap
		hi := lo + payloadCap

		if hi > len(wire) {
			hi = len(wire)
		}

		s := slot{
			logID:                 base,
			partialIndex:          uint32(i),
			partialCount:          uint32(k),
			lastFullyWrittenLogID: observedLFW,
			value:                 wire[lo:hi],
		}

		buf, err := encodeSlot(l.entryWidth, s)
		if err != nil {
			return base, err
		}

		if err := l.fwi.Put((base+i)%l.limit, buf); err != nil {
			return base, fmt.Errorf("%w: commit write slot %d: %w", dederr.ErrIO, base+i, err)
		}
	}

	if err := l.fwi.Sync(); err != nil {
		return base, err
	}

	if ack != nil {
		if err := ack(); err != nil {
			for i := uint64(0); i < k; i++ {
				_ = l.writeNoneEvent(base + i)
			}

			_ = l.fwi.Sync()

			l.inProgress.complete(base)
			l.direct.publish(base, k, EventNone, nil)

			return base, err
		}
	}

	if frontier, ok := l.inProgress.complete(base); ok {
		l.lastFullyWrittenLogID.Store(frontier)
	}

	l.direct.publish(base, k, eventType, payload)
	l.recordCommitStat(eventType, k)

	return base, nil
}

func (l *Log) reserve(k uint64) (base, observedLFW uint64, err error) {
	l.idMu.Lock()
	defer l.idMu.Unlock()

	if l.logID+k-l.replayID > l.limit-l.reserveHeadroom {
		return 0, 0, dederr.ErrLogFull
	}

	base = l.logID
	l.logID += k
	observedLFW = l.lastFullyWrittenLogID.Load()
	l.inProgress.reserve(base, k)

	l.reservationsSinceSave++
	if l.logIDUpdateInterval > 0 && l.reservationsSinceSave%l.logIDUpdateInterval == 0 {
		savedLogID := l.logID
		go func() { _ = l.info.Set(infostore.KeyLogID, savedLogID) }()
	}

	return base, observedLFW, nil
}

// persistLogID and persistReplayID are used at clean shutdown and during
// background replay respectively.
func (l *Log) persistLogID() error {
	l.idMu.Lock()
	id := l.logID
	l.idMu.Unlock()

	return l.info.Set(infostore.KeyLogID, id)
}

func (l *Log) persistReplayID() error {
	l.idMu.Lock()
	id := l.replayID
	l.idMu.Unlock()

	return l.info.Set(infostore.KeyReplayID, id)
}

// Flush persists logID and replayID. Intended for clean shutdown.
func (l *Log) Flush() error {
	if err := l.persistLogID(); err != nil {
		return err
	}

	return l.persistReplayID()
}
