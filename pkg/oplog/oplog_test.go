package oplog

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
)

func openTestLog(t *testing.T, limit uint64, reserve uint64) *Log {
	t.Helper()

	dir := t.TempDir()

	l, err := Open(Options{
		Path:       filepath.Join(dir, "ol.fwi"),
		Limit:      limit,
		EntryWidth: 128,
		Reserve:    reserve,
		InfoPath:   filepath.Join(dir, "ol.info"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = l.Close() })

	return l
}

func TestCommitAssignsSequentialIDs(t *testing.T) {
	l := openTestLog(t, 100, 2)

	id0, err := l.Commit(EventVolumeAttached, []byte("a"), nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	id1, err := l.Commit(EventVolumeAttached, []byte("b"), nil)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if id0 != 0 || id1 != 1 {
		t.Fatalf("expected sequential ids 0,1; got %d,%d", id0, id1)
	}
}

func TestCommitRoundTripViaDirtyReplay(t *testing.T) {
	l := openTestLog(t, 100, 2)

	var got []string

	if err := l.RegisterConsumer("c", ConsumerFunc(func(et EventType, payload []byte, ctx ReplayContext) error {
		got = append(got, string(payload))
		return nil
	})); err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}

	if _, err := l.Commit(EventVolumeAttached, []byte("hello"), nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	status, n, err := l.Replay(DirtyStart, 0)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 event replayed, got %d (status %v)", n, status)
	}
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("unexpected consumer deliveries: %v", got)
	}
}

func TestLogFullWhenReservationExceedsCapacity(t *testing.T) {
	l := openTestLog(t, 10, 2)

	// limit=10, reserve=2 allows logID-replayID up to 8 with nothing
	// replayed yet; the 9th commit is the first to exceed that span.
	for i := 0; i < 8; i++ {
		if _, err := l.Commit(EventVolumeAttached, []byte("x"), nil); err != nil {
			t.Fatalf("Commit %d: %v", i, err)
		}
	}

	if _, err := l.Commit(EventVolumeAttached, []byte("x"), nil); !errors.Is(err, dederr.ErrLogFull) {
		t.Fatalf("expected ErrLogFull, got %v", err)
	}
}

func TestLogFillAndDrainMatchesScenarioS2(t *testing.T) {
	l := openTestLog(t, 10, 2)

	if err := l.RegisterConsumer("gc", ConsumerFunc(func(EventType, []byte, ReplayContext) error { return nil })); err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}

	for i := 0; i < 7; i++ {
		if _, err := l.Commit(EventVolumeAttached, []byte("x"), nil); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	waitForDirectFrontier(t, l, 7)

	status, n, err := l.Replay(Background, 4)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 background-replayed events, got %d (status %v)", n, status)
	}

	if got := l.ReplayID(); got != 4 {
		t.Fatalf("expected replayID=4 after draining 4, got %d", got)
	}

	for i := 0; i < 4; i++ {
		if _, err := l.Commit(EventVolumeAttached, []byte("y"), nil); err != nil {
			t.Fatalf("commit after drain %d: %v", i, err)
		}
	}

	if got := l.LogID(); got != 11 {
		t.Fatalf("expected logID=11, got %d", got)
	}
	if got := l.ReplayID(); got != 4 {
		t.Fatalf("expected replayID=4, got %d", got)
	}

	// logID(11)-replayID(4)=7 is still within the limit-reserve=8 span, so
	// one more commit is admitted (logID->12) before the span is exceeded.
	if _, err := l.Commit(EventVolumeAttached, []byte("one-more"), nil); err != nil {
		t.Fatalf("expected one more commit to be admitted, got %v", err)
	}

	if _, err := l.Commit(EventVolumeAttached, []byte("overflow"), nil); !errors.Is(err, dederr.ErrLogFull) {
		t.Fatalf("expected next commit to fail with ErrLogFull, got %v", err)
	}
}

func waitForDirectFrontier(t *testing.T, l *Log, want uint64) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.lastFullyWrittenLogID.Load() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}

	t.Fatalf("timed out waiting for direct-replay frontier to reach %d", want)
}

func TestAckFailureAbortsCommitAndNeverReachesDirectReplay(t *testing.T) {
	l := openTestLog(t, 100, 2)

	var mu sync.Mutex

	var delivered []string

	if err := l.RegisterConsumer("c", ConsumerFunc(func(et EventType, payload []byte, ctx ReplayContext) error {
		mu.Lock()
		delivered = append(delivered, string(payload))
		mu.Unlock()

		return nil
	})); err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}

	if err := l.ReplayStart(Direct, false); err != nil {
		t.Fatalf("ReplayStart: %v", err)
	}

	ackErr := errors.New("ack failed")

	base, err := l.Commit(EventVolumeAttached, []byte("aborted"), func() error { return ackErr })
	if !errors.Is(err, ackErr) {
		t.Fatalf("expected ack error to propagate, got %v", err)
	}

	// A successful commit afterward must not reuse the aborted event's id
	// range - ids are never handed back once reserved.
	next, err := l.Commit(EventVolumeAttached, []byte("ok"), nil)
	if err != nil {
		t.Fatalf("Commit after aborted ack: %v", err)
	}
	if next <= base {
		t.Fatalf("expected id after aborted commit to advance past %d, got %d", base, next)
	}

	waitForConsumerDelivery(t, &mu, &delivered, "ok")

	mu.Lock()
	defer mu.Unlock()

	for _, p := range delivered {
		if p == "aborted" {
			t.Fatalf("aborted event must never reach direct replay, got deliveries %v", delivered)
		}
	}
}

func waitForConsumerDelivery(t *testing.T, mu *sync.Mutex, delivered *[]string, want string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		for _, p := range *delivered {
			if p == want {
				mu.Unlock()
				return
			}
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
	}

	t.Fatalf("timed out waiting for delivery of %q", want)
}

func TestDuplicateConsumerNameRejected(t *testing.T) {
	l := openTestLog(t, 100, 2)

	noop := ConsumerFunc(func(EventType, []byte, ReplayContext) error { return nil })

	if err := l.RegisterConsumer("dup", noop); err != nil {
		t.Fatalf("first register: %v", err)
	}

	if err := l.RegisterConsumer("dup", noop); !errors.Is(err, dederr.ErrExists) {
		t.Fatalf("expected ErrExists on duplicate registration, got %v", err)
	}
}

func TestThrottleRespectsThresholds(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(Options{
		Path:         filepath.Join(dir, "ol.fwi"),
		Limit:        10,
		EntryWidth:   128,
		Reserve:      0,
		InfoPath:     filepath.Join(dir, "ol.info"),
		SoftThrottle: 0.5,
		HardThrottle: 0.75,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	for i := 0; i < 8; i++ {
		if _, err := l.Commit(EventVolumeAttached, []byte("x"), nil); err != nil {
			t.Fatalf("commit %d: %v", i, err)
		}
	}

	if !l.Throttle(0, 1) {
		t.Fatalf("expected throttle true at fill ratio 0.8 (above hard threshold)")
	}
}

func TestConcurrentCommitsGetDistinctIDs(t *testing.T) {
	l := openTestLog(t, 1000, 2)

	const n = 50

	ids := make([]uint64, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := l.Commit(EventVolumeAttached, []byte("p"), nil)
			if err != nil {
				t.Errorf("commit %d: %v", i, err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %d assigned", id)
		}
		seen[id] = true
	}
}

func TestCheckLogIDRepairsTornPartialEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ol.fwi")
	infoPath := filepath.Join(dir, "ol.info")

	l, err := Open(Options{Path: path, Limit: 20, EntryWidth: 64, Reserve: 2, InfoPath: infoPath})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// A payload large enough to span multiple slots, to build a
	// multi-partial event (64-byte entries leave 36 payload bytes/slot, so
	// 200 bytes spans 6 slots: ids 0..5).
	big := make([]byte, 200)
	for i := range big {
		big[i] = byte(i)
	}

	if _, err := l.Commit(EventBlockMappingWritten, big, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Deliberately do NOT persist logID: the info store still holds its
	// initial value (0), modeling a crash before the next periodic save, so
	// CheckLogID's scan must discover the written slots itself.
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a crash mid multi-partial write: tear partial 2/6 of the
	// 6-slot event by reopening the log (which loads logID=0 from the info
	// store) and deleting that slot before repair runs.
	l2, err := Open(Options{Path: path, Limit: 20, EntryWidth: 64, Reserve: 2, InfoPath: infoPath})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	if got := l2.LogID(); got != 0 {
		t.Fatalf("expected unpersisted logID to reload as 0, got %d", got)
	}

	if err := l2.fwi.Delete(2); err != nil {
		t.Fatalf("simulate torn write: %v", err)
	}

	if err := l2.CheckLogID(); err != nil {
		t.Fatalf("CheckLogID: %v", err)
	}

	// The torn event's six slots are overwritten with single-slot None
	// events and logID lands one past them: the ids were reserved, so they
	// are never handed out again.
	if got := l2.LogID(); got != 6 {
		t.Fatalf("expected logID corrected to 6 (one past the torn event), got %d", got)
	}

	var types []EventType

	if err := l2.RegisterConsumer("c", ConsumerFunc(func(et EventType, payload []byte, ctx ReplayContext) error {
		types = append(types, et)
		return nil
	})); err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}

	if _, n, err := l2.Replay(DirtyStart, 0); err != nil {
		t.Fatalf("Replay after repair: %v", err)
	} else if n != 6 {
		t.Fatalf("expected 6 repaired slots replayed as no-ops, got %d", n)
	}

	for i, et := range types {
		if et != EventNone {
			t.Fatalf("expected only None events after repair, got %v at %d", et, i)
		}
	}
}

func TestCheckLogIDRefusesToZeroDurablyWrittenEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ol.fwi")
	infoPath := filepath.Join(dir, "ol.info")

	l, err := Open(Options{Path: path, Limit: 20, EntryWidth: 64, Reserve: 2, InfoPath: infoPath})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// A fully committed, acknowledged multi-partial event (ids 0..5)...
	big := make([]byte, 200)
	for i := range big {
		big[i] = byte(i)
	}

	if _, err := l.Commit(EventBlockMappingWritten, big, nil); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// ...followed by a second commit whose slot records the durability
	// frontier already past the first event.
	if _, err := l.Commit(EventVolumeAttached, []byte("after"), nil); err != nil {
		t.Fatalf("Commit second: %v", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2, err := Open(Options{Path: path, Limit: 20, EntryWidth: 64, Reserve: 2, InfoPath: infoPath})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	// Bit-rot, not a crash-torn tail: one slot of the durable first event
	// is damaged. An intact neighbor (the second event) proves the first
	// was fully written, so repair must refuse rather than silently zero
	// an acknowledged event.
	if err := l2.fwi.Delete(2); err != nil {
		t.Fatalf("simulate damaged slot: %v", err)
	}

	if err := l2.CheckLogID(); !errors.Is(err, dederr.ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt for a damaged durable event, got %v", err)
	}
}

func TestOpenRejectsGeometryMismatchAfterCreation(t *testing.T) {
	dir := t.TempDir()

	opts := Options{
		Path:       filepath.Join(dir, "ol.fwi"),
		Limit:      100,
		EntryWidth: 128,
		Reserve:    2,
		InfoPath:   filepath.Join(dir, "ol.info"),
	}

	l, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	opts.EntryWidth = 256

	if _, err := Open(opts); !errors.Is(err, dederr.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for changed entry width, got %v", err)
	}
}
