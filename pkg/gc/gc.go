// Package gc implements the Garbage Collector coordinator:
// an Operations Log consumer that reconciles chunk usage counts against
// block-mapping events and reclaims unreferenced chunks from the
// Container Store.
package gc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calvinalkan/dedupvault/pkg/blockindex"
	"github.com/calvinalkan/dedupvault/pkg/chunkindex"
	"github.com/calvinalkan/dedupvault/pkg/container"
	"github.com/calvinalkan/dedupvault/pkg/dederr"
	"github.com/calvinalkan/dedupvault/pkg/infostore"
	"github.com/calvinalkan/dedupvault/pkg/oplog"
	"github.com/calvinalkan/dedupvault/pkg/pdhi"
)

// State is one point in the GC state machine: Created ->
// Started -> Running <-> CandidateProcessing -> Stopping -> Stopped.
type State int32

const (
	Created State = iota
	Started
	Running
	CandidateProcessing
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Started:
		return "Started"
	case Running:
		return "Running"
	case CandidateProcessing:
		return "CandidateProcessing"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	default:
		return "Created"
	}
}

// Options configures New.
type Options struct {
	CandidatePath string
	InfoPath      string

	Chunks *chunkindex.Index
	Store  container.Store
	Idle   container.IdleDetector

	// PerCandidateSlice bounds wall-clock time spent on one candidate
	// container per processing-loop iteration. Default 2s.
	PerCandidateSlice time.Duration

	// CommitPollTimeout bounds how long Background-mode usage-count
	// updates wait for IsCommitted to leave NotCommitted. Default 300s.
	CommitPollTimeout time.Duration

	// CommitPollInterval is the sleep between IsCommitted polls. Default 50ms.
	CommitPollInterval time.Duration
}

func (o *Options) setDefaults() {
	if o.PerCandidateSlice == 0 {
		o.PerCandidateSlice = 2 * time.Second
	}

	if o.CommitPollTimeout == 0 {
		o.CommitPollTimeout = 300 * time.Second
	}

	if o.CommitPollInterval == 0 {
		o.CommitPollInterval = 50 * time.Millisecond
	}
}

// gcMeta is the GC's persisted info-store record (info store key "gc"):
// the per-process set of already-replayed failed-write events, so each
// failure reverts its deltas exactly once even under duplicated
// emission.
type gcMeta struct {
	ReplayedBlockFailedEventLogIDs []uint64 `json:"replayed_block_failed_event_log_ids"`
}

// GC is the garbage-collection coordinator.
type GC struct {
	opts Options

	chunks *chunkindex.Index
	cs     container.Store
	idle   container.IdleDetector

	candidates *candidateTable
	info       *infostore.Store

	state  atomic.Int32
	paused atomic.Bool

	failedMu sync.Mutex
	failed   map[uint64]bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New opens (or creates) the candidate table and info store and returns a
// GC in state Created.
func New(ctx context.Context, opts Options) (*GC, error) {
	opts.setDefaults()

	if opts.Chunks == nil || opts.Store == nil {
		return nil, fmt.Errorf("%w: gc requires a chunk index and a container store", dederr.ErrInvalidArgument)
	}

	cand, err := openCandidateTable(ctx, opts.CandidatePath)
	if err != nil {
		return nil, err
	}

	info, err := infostore.Open(opts.InfoPath)
	if err != nil {
		_ = cand.close()
		return nil, err
	}

	g := &GC{
		opts:       opts,
		chunks:     opts.Chunks,
		cs:         opts.Store,
		idle:       opts.Idle,
		candidates: cand,
		info:       info,
		failed:     make(map[uint64]bool),
	}

	var meta gcMeta

	if ok, err := info.Get(infostore.KeyGC, &meta); err != nil {
		_ = cand.close()
		return nil, err
	} else if ok {
		for _, id := range meta.ReplayedBlockFailedEventLogIDs {
			g.failed[id] = true
		}
	}

	g.state.Store(int32(Created))

	if g.idle != nil {
		g.idle.OnIdleStart(func() { g.beginCandidateProcessing() })
		g.idle.OnIdleEnd(func() { g.endCandidateProcessing() })
	}

	return g, nil
}

// State returns the current state.
func (g *GC) State() State { return State(g.state.Load()) }

// Close releases the candidate table's database handle. Intended for
// read-only inspection tooling that opens a GC without ever Starting it.
func (g *GC) Close() error {
	return g.candidates.close()
}

// RegisterWithLog registers the GC as a named OL consumer.
func (g *GC) RegisterWithLog(log *oplog.Log) error {
	return log.RegisterConsumer("gc", g)
}

// Start transitions Created -> Started -> Running and, on resume from a
// crash, finishes every candidate left with processing=true before
// accepting new work.
func (g *GC) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(Created), int32(Started)) {
		return fmt.Errorf("%w: gc already started", dederr.ErrInvalidArgument)
	}

	pending, err := g.candidates.processingAddresses(ctx)
	if err != nil {
		return err
	}

	for _, addr := range pending {
		if _, err := g.processCandidate(ctx, addr); err != nil {
			return err
		}
	}

	g.state.Store(int32(Running))
	g.stopCh = make(chan struct{})

	return nil
}

// Pause blocks CandidateProcessing regardless of idle-detector signals.
func (g *GC) Pause()   { g.paused.Store(true) }
func (g *GC) Unpause() { g.paused.Store(false) }

func (g *GC) beginCandidateProcessing() {
	if g.paused.Load() {
		return
	}

	if !g.state.CompareAndSwap(int32(Running), int32(CandidateProcessing)) {
		return
	}

	g.wg.Add(1)

	go g.processingLoop()
}

func (g *GC) endCandidateProcessing() {
	g.state.CompareAndSwap(int32(CandidateProcessing), int32(Running))
}

// processingLoop drains candidates FIFO within PerCandidateSlice per
// candidate until told to stop or the table runs dry. A candidate whose
// pass removes nothing (every item in combat or deferred) is retried once
// within a loop invocation, then left for the next idle window, so a
// table of all-in-combat candidates cannot busy-loop.
func (g *GC) processingLoop() {
	defer g.wg.Done()

	ctx := context.Background()
	unchanged := make(map[uint64]int)

	for g.State() == CandidateProcessing {
		select {
		case <-g.stopCh:
			return
		default:
		}

		addr, ok, err := g.candidates.nextUnprocessed(ctx)
		if err != nil || !ok {
			return
		}

		if unchanged[addr] > 1 {
			return
		}

		slice, cancel := context.WithTimeout(ctx, g.opts.PerCandidateSlice)
		changed, err := g.processCandidate(slice, addr)
		cancel()

		if err != nil {
			continue
		}

		if changed {
			delete(unchanged, addr)
		} else {
			unchanged[addr]++
		}
	}
}

// processCandidate runs one full pass over the candidate for address. The
// returned bool reports whether the pass removed at least one item.
func (g *GC) processCandidate(ctx context.Context, address uint64) (bool, error) {
	if err := g.candidates.setProcessing(ctx, address, true); err != nil {
		return false, err
	}

	items, err := g.candidates.items(ctx, address)
	if err != nil {
		return false, err
	}

	changed := false

	var toDeleteStorage [][]byte

	for _, item := range items {
		if g.chunks.InCombat(item.Fingerprint) {
			continue
		}

		m, ok, err := g.chunks.Lookup(ctx, item.Fingerprint)
		if err != nil {
			return changed, err
		}

		if !ok {
			if item.Kind == Standard {
				return changed, fmt.Errorf("%w: candidate %d fingerprint missing chunk mapping", dederr.ErrCorrupt, address)
			}
			// Failed items never reached the chunk index; dropping the
			// candidate item is correct, nothing to delete from storage.
			if err := g.candidates.removeItem(ctx, address, item.Fingerprint); err != nil {
				return changed, err
			}

			changed = true

			continue
		}

		if m.UsageCount > 0 {
			if err := g.candidates.removeItem(ctx, address, item.Fingerprint); err != nil {
				return changed, err
			}

			changed = true

			continue
		}

		if _, err := g.chunks.Delete(ctx, item.Fingerprint); err != nil {
			return changed, err
		}

		if err := g.candidates.removeItem(ctx, address, item.Fingerprint); err != nil {
			return changed, err
		}

		toDeleteStorage = append(toDeleteStorage, item.Fingerprint)
		changed = true
	}

	if len(toDeleteStorage) > 0 {
		if err := g.cs.Delete(ctx, address, toDeleteStorage); err != nil {
			return changed, err
		}
	}

	deleted, err := g.candidates.deleteIfEmpty(ctx, address)
	if err != nil {
		return changed, err
	}

	if !deleted {
		if err := g.candidates.noteProcessed(ctx, address, changed); err != nil {
			return changed, err
		}
	}

	return changed, nil
}

// Stop transitions to Stopping, waits for the processing loop to observe
// it and exit, then to Stopped. Dirty non-pinned chunk-index pages are
// left as-is; use WritebackStop to drain them first or FastStop to skip
// that step explicitly (both otherwise behave like Stop).
func (g *GC) Stop(ctx context.Context) error {
	g.state.Store(int32(Stopping))

	if g.stopCh != nil {
		close(g.stopCh)
	}

	g.wg.Wait()

	g.state.Store(int32(Stopped))

	return g.persistMeta()
}

// FastStop stops without writing back dirty non-pinned chunk-index pages.
func (g *GC) FastStop(ctx context.Context) error {
	return g.Stop(ctx)
}

// WritebackStop drains every dirty, unpinned chunk-index page before
// stopping.
func (g *GC) WritebackStop(ctx context.Context) error {
	if _, err := g.chunks.PersistAll(); err != nil {
		return err
	}

	return g.Stop(ctx)
}

func (g *GC) persistMeta() error {
	g.failedMu.Lock()
	ids := make([]uint64, 0, len(g.failed))

	for id := range g.failed {
		ids = append(ids, id)
	}

	g.failedMu.Unlock()

	return g.info.Set(infostore.KeyGC, gcMeta{ReplayedBlockFailedEventLogIDs: ids})
}

// Replay implements oplog.Consumer.
func (g *GC) Replay(eventType oplog.EventType, payload []byte, ctx oplog.ReplayContext) error {
	background := context.Background()

	switch eventType {
	case oplog.EventBlockMappingWritten:
		return g.onBlockMappingWritten(background, payload, ctx)
	case oplog.EventBlockMappingDeleted:
		return g.onBlockMappingWritten(background, payload, ctx)
	case oplog.EventBlockMappingWriteFailed:
		return g.onBlockMappingWriteFailed(background, payload, ctx)
	case oplog.EventOphranChunks:
		return g.onOphranChunks(background, payload, ctx)
	case oplog.EventLogEmpty:
		return g.onLogEmpty()
	default:
		return nil
	}
}

type chunkDelta struct {
	fingerprint []byte
	address     uint64
	delta       int64
}

// deltaChunks computes the per-fingerprint usage-count delta between a
// block's original and modified mappings.
func deltaChunks(original, modified blockindex.Mapping) []chunkDelta {
	counts := make(map[string]*chunkDelta)

	for _, r := range original.Refs {
		key := string(r.Fingerprint)
		if d, ok := counts[key]; ok {
			d.delta--
		} else {
			counts[key] = &chunkDelta{fingerprint: r.Fingerprint, address: r.ContainerAddress, delta: -1}
		}
	}

	for _, r := range modified.Refs {
		key := string(r.Fingerprint)
		if d, ok := counts[key]; ok {
			d.delta++
			d.address = r.ContainerAddress
		} else {
			counts[key] = &chunkDelta{fingerprint: r.Fingerprint, address: r.ContainerAddress, delta: 1}
		}
	}

	out := make([]chunkDelta, 0, len(counts))

	for _, d := range counts {
		if d.delta != 0 {
			out = append(out, *d)
		}
	}

	return out
}

func (g *GC) onBlockMappingWritten(ctx context.Context, payload []byte, rc oplog.ReplayContext) error {
	_, original, modified, _, err := blockindex.DecodeEventPayload(payload)
	if err != nil {
		return err
	}

	deltas := deltaChunks(original, modified)

	switch rc.Mode {
	case oplog.Background:
		return g.applyDeltasBackground(ctx, deltas, rc.LogID)
	default:
		// Direct and DirtyStart only refresh the in-memory cache; no
		// candidate emission happens outside Background replay.
		return g.touchDirty(ctx, deltas, rc)
	}
}

func (g *GC) onBlockMappingWriteFailed(ctx context.Context, payload []byte, rc oplog.ReplayContext) error {
	_, original, modified, writeEventLogID, err := blockindex.DecodeEventPayload(payload)
	if err != nil {
		return err
	}

	g.failedMu.Lock()
	already := g.failed[writeEventLogID]

	if !already {
		g.failed[writeEventLogID] = true
	}

	g.failedMu.Unlock()

	if already {
		return nil
	}

	deltas := deltaChunks(original, modified)
	for i := range deltas {
		deltas[i].delta = -deltas[i].delta
	}

	if rc.Mode == oplog.Background {
		return g.applyDeltasBackground(ctx, deltas, rc.LogID)
	}

	return g.touchDirty(ctx, deltas, rc)
}

func (g *GC) touchDirty(ctx context.Context, deltas []chunkDelta, rc oplog.ReplayContext) error {
	for _, d := range deltas {
		// During dirty-start recovery a container the chunk index has
		// never observed may hold data that never committed; restrict the
		// lookup to the cache so no torn on-disk state is surfaced, and
		// pin the resulting page until the commit state is known.
		cacheLookup := pdhi.CacheDefault
		pin := false

		if rc.Mode == oplog.DirtyStart {
			if !g.chunks.IsContainerImported(d.address) {
				cacheLookup = pdhi.OnlyCache
			}

			state, err := g.cs.IsCommitted(ctx, d.address)
			if err != nil || state == container.NotCommitted {
				pin = true
			}
		}

		m, ok, err := g.chunks.LookupPersistent(ctx, d.fingerprint, cacheLookup, pdhi.AllowDirty)
		if err != nil {
			return err
		}

		if !ok {
			m = chunkindex.Mapping{Address: d.address}
		}

		m.UsageCount += d.delta
		m.LastTouchLogID = rc.LogID

		if err := g.chunks.PutDirty(ctx, d.fingerprint, m, pin); err != nil {
			return err
		}

		if err := g.chunks.MarkContainerImported(d.address); err != nil {
			return err
		}
	}

	return nil
}

func (g *GC) applyDeltasBackground(ctx context.Context, deltas []chunkDelta, eventLogID uint64) error {
	for _, d := range deltas {
		if err := g.applyOneDeltaBackground(ctx, d, eventLogID); err != nil {
			return err
		}
	}

	return nil
}

func (g *GC) applyOneDeltaBackground(ctx context.Context, d chunkDelta, eventLogID uint64) error {
	g.chunks.EnterCombat(d.fingerprint)
	defer g.chunks.LeaveCombat(d.fingerprint)

	state, err := g.waitCommitted(ctx, d.address)
	if err != nil {
		return err
	}

	if state == container.NeverCommitted {
		return nil
	}

	m, ok, err := g.chunks.Lookup(ctx, d.fingerprint)
	if err != nil {
		return err
	}

	if !ok {
		m = chunkindex.Mapping{Address: d.address}
	}

	if m.UsageCountChangeLogID >= eventLogID && m.UsageCountChangeLogID != 0 {
		return nil
	}

	m.UsageCount += d.delta
	m.UsageCountChangeLogID = eventLogID
	m.LastTouchLogID = eventLogID

	if err := g.chunks.PutDirty(ctx, d.fingerprint, m, false); err != nil {
		return err
	}

	if err := g.chunks.MarkContainerImported(d.address); err != nil {
		return err
	}

	for {
		persisted, err := g.chunks.EnsurePersistent(d.fingerprint)
		if err != nil {
			return err
		}

		if persisted != pdhi.StillPinned {
			break
		}

		// The page was pinned by an earlier dirty-start touch whose
		// container has since been confirmed committed (waitCommitted
		// above); unpin and retry.
		g.chunks.ChangePinningState(d.fingerprint, false)
	}

	if m.UsageCount <= 0 {
		return g.candidates.append(ctx, d.address, d.fingerprint, Standard)
	}

	return nil
}

// waitCommitted polls cs.IsCommitted until it leaves NotCommitted or the
// configured timeout elapses.
func (g *GC) waitCommitted(ctx context.Context, address uint64) (container.CommitState, error) {
	deadline := time.Now().Add(g.opts.CommitPollTimeout)

	for {
		state, err := g.cs.IsCommitted(ctx, address)
		if err != nil {
			return container.CommitError, err
		}

		if state != container.NotCommitted {
			return state, nil
		}

		if time.Now().After(deadline) {
			return container.CommitError, fmt.Errorf("%w: container %d never committed within timeout", dederr.ErrCommitTimeout, address)
		}

		select {
		case <-ctx.Done():
			return container.CommitError, ctx.Err()
		case <-time.After(g.opts.CommitPollInterval):
		}
	}
}

func (g *GC) onOphranChunks(ctx context.Context, payload []byte, _ oplog.ReplayContext) error {
	fps, err := decodeFingerprintList(payload)
	if err != nil {
		return err
	}

	for _, fp := range fps {
		m, ok, err := g.chunks.Lookup(ctx, fp)
		if err != nil {
			return err
		}

		if ok && m.UsageCount <= 0 {
			if err := g.candidates.append(ctx, m.Address, fp, Standard); err != nil {
				return err
			}
		}
	}

	return nil
}

func (g *GC) onLogEmpty() error {
	g.failedMu.Lock()
	g.failed = make(map[uint64]bool)
	g.failedMu.Unlock()

	return g.persistMeta()
}

func decodeFingerprintList(buf []byte) ([][]byte, error) {
	var out [][]byte

	off := 0

	for off < len(buf) {
		if off+4 > len(buf) {
			return nil, fmt.Errorf("%w: ophran chunks payload truncated", dederr.ErrCorrupt)
		}

		n := binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4

		if off+int(n) > len(buf) {
			return nil, fmt.Errorf("%w: ophran chunks fingerprint truncated", dederr.ErrCorrupt)
		}

		fp := make([]byte, n)
		copy(fp, buf[off:off+int(n)])
		out = append(out, fp)
		off += int(n)
	}

	return out, nil
}

// CandidateSummary is one candidate container's queue state, for read-only
// inspection tooling.
type CandidateSummary struct {
	Address             uint64
	Processing          bool
	UnchangedProcessing uint32
	Items               []CandidateItem
}

// ListCandidates returns every candidate container currently queued,
// address order, for the inspection CLI. It performs no mutation.
func (g *GC) ListCandidates(ctx context.Context) ([]CandidateSummary, error) {
	rows, err := g.candidates.allCandidates(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]CandidateSummary, 0, len(rows))

	for _, row := range rows {
		items, err := g.candidates.items(ctx, row.Address)
		if err != nil {
			return nil, err
		}

		out = append(out, CandidateSummary{
			Address:             row.Address,
			Processing:          row.Processing,
			UnchangedProcessing: row.UnchangedProcessing,
			Items:               items,
		})
	}

	return out, nil
}

// EncodeFingerprintList encodes fps as an OphranChunks event payload.
func EncodeFingerprintList(fps [][]byte) []byte {
	var buf []byte

	for _, fp := range fps {
		head := make([]byte, 4)
		binary.LittleEndian.PutUint32(head, uint32(len(fp)))
		buf = append(buf, head...)
		buf = append(buf, fp...)
	}

	return buf
}
