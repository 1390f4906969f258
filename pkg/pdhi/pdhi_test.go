package pdhi

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
)

func openTestIndex(t *testing.T, opts Options) *Index {
	t.Helper()

	dir := t.TempDir()

	if opts.Path == "" {
		opts.Path = filepath.Join(dir, "data.pdhi")
	}
	if opts.OverflowPath == "" {
		opts.OverflowPath = filepath.Join(dir, "overflow.sqlite")
	}
	if opts.PageSize == 0 {
		opts.PageSize = 4096
	}
	if opts.BucketCount == 0 {
		opts.BucketCount = 8
	}
	if opts.MaxKeySize == 0 {
		opts.MaxKeySize = 32
	}
	if opts.MaxValSize == 0 {
		opts.MaxValSize = 64
	}

	idx, err := Create(context.Background(), opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	t.Cleanup(func() { _ = idx.Close() })

	return idx
}

func TestPutLookupRoundTrip(t *testing.T) {
	idx := openTestIndex(t, Options{})
	ctx := context.Background()

	if err := idx.Put(ctx, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := idx.Lookup(ctx, []byte("k1"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok || string(got) != "v1" {
		t.Fatalf("expected v1, got ok=%v got=%q", ok, got)
	}
}

func TestLookupMissingKey(t *testing.T) {
	idx := openTestIndex(t, Options{})
	ctx := context.Background()

	_, ok, err := idx.Lookup(ctx, []byte("nope"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatalf("expected missing key to report ok=false")
	}
}

func TestPutOverwritesExistingKey(t *testing.T) {
	idx := openTestIndex(t, Options{})
	ctx := context.Background()

	if err := idx.Put(ctx, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put 1: %v", err)
	}
	if err := idx.Put(ctx, []byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Put 2: %v", err)
	}

	got, ok, err := idx.Lookup(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok || string(got) != "v2" {
		t.Fatalf("expected v2 after overwrite, got ok=%v got=%q", ok, got)
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	idx := openTestIndex(t, Options{})
	ctx := context.Background()

	if err := idx.Put(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	deleted, err := idx.Delete(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Fatalf("expected Delete to report true for present key")
	}

	_, ok, err := idx.Lookup(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatalf("expected key absent after Delete")
	}
}

func TestPutIfAbsentRejectsExistingKey(t *testing.T) {
	idx := openTestIndex(t, Options{})
	ctx := context.Background()

	if err := idx.PutIfAbsent(ctx, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("PutIfAbsent: %v", err)
	}

	err := idx.PutIfAbsent(ctx, []byte("k"), []byte("v2"))
	if !errors.Is(err, dederr.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, ok, err := idx.Lookup(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok || string(got) != "v1" {
		t.Fatalf("expected first value to survive, got ok=%v got=%q", ok, got)
	}
}

func TestDeleteAbsentKeyReportsFalse(t *testing.T) {
	idx := openTestIndex(t, Options{})
	ctx := context.Background()

	deleted, err := idx.Delete(ctx, []byte("nope"))
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if deleted {
		t.Fatalf("expected Delete on absent key to report false")
	}
}

func TestPutDirtyNotVisibleToLookupUntilPersisted(t *testing.T) {
	idx := openTestIndex(t, Options{})
	ctx := context.Background()

	if err := idx.PutDirty(ctx, []byte("k"), []byte("dirty-value"), false); err != nil {
		t.Fatalf("PutDirty: %v", err)
	}

	// Lookup never returns data from a dirty cached page.
	_, ok, err := idx.Lookup(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatalf("expected Lookup to not observe a dirty page")
	}

	state, err := idx.EnsurePersistent(idx.Bucket([]byte("k")))
	if err != nil {
		t.Fatalf("EnsurePersistent: %v", err)
	}
	if state != Persisted {
		t.Fatalf("expected Persisted, got %v", state)
	}

	got, ok, err := idx.Lookup(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Lookup after persist: %v", err)
	}
	if !ok || string(got) != "dirty-value" {
		t.Fatalf("expected dirty-value after persist, got ok=%v got=%q", ok, got)
	}
}

func TestLookupDirtyModes(t *testing.T) {
	dir := t.TempDir()

	opts := Options{
		Path:         filepath.Join(dir, "data.pdhi"),
		OverflowPath: filepath.Join(dir, "overflow.sqlite"),
		PageSize:     4096,
		BucketCount:  8,
		MaxKeySize:   32,
		MaxValSize:   64,
	}

	idx := openTestIndex(t, opts)
	ctx := context.Background()

	if err := idx.Put(ctx, []byte("k"), []byte("durable")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := idx.PutDirty(ctx, []byte("k"), []byte("dirty"), false); err != nil {
		t.Fatalf("PutDirty: %v", err)
	}

	got, ok, err := idx.LookupDirty(ctx, []byte("k"), CacheDefault, AllowDirty)
	if err != nil || !ok || string(got) != "dirty" {
		t.Fatalf("AllowDirty: expected dirty, got ok=%v got=%q err=%v", ok, got, err)
	}

	// RejectDirty skips the dirty cached page and falls back to the last
	// durable on-disk version.
	got, ok, err = idx.LookupDirty(ctx, []byte("k"), CacheDefault, RejectDirty)
	if err != nil || !ok || string(got) != "durable" {
		t.Fatalf("RejectDirty: expected durable, got ok=%v got=%q err=%v", ok, got, err)
	}

	// OnlyCache can still see the dirty page, but an uncached key is
	// reported absent rather than read from disk.
	got, ok, err = idx.LookupDirty(ctx, []byte("k"), OnlyCache, AllowDirty)
	if err != nil || !ok || string(got) != "dirty" {
		t.Fatalf("OnlyCache cached: expected dirty, got ok=%v got=%q err=%v", ok, got, err)
	}

	// A reopened index has a cold cache: OnlyCache must report the durably
	// stored key as absent rather than read it from disk.
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx2, err := Open(ctx, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx2.Close()

	_, ok, err = idx2.LookupDirty(ctx, []byte("k"), OnlyCache, AllowDirty)
	if err != nil {
		t.Fatalf("OnlyCache uncached: %v", err)
	}
	if ok {
		t.Fatalf("OnlyCache must not read an uncached bucket from disk")
	}

	got, ok, err = idx2.LookupDirty(ctx, []byte("k"), CacheDefault, AllowDirty)
	if err != nil || !ok || string(got) != "durable" {
		t.Fatalf("CacheDefault after reopen: expected durable, got ok=%v got=%q err=%v", ok, got, err)
	}
}

func TestEnsurePersistentCleanIsNoOp(t *testing.T) {
	idx := openTestIndex(t, Options{})

	state, err := idx.EnsurePersistent(0)
	if err != nil {
		t.Fatalf("EnsurePersistent: %v", err)
	}
	if state != Clean {
		t.Fatalf("expected Clean for a bucket never touched, got %v", state)
	}
}

func TestPinnedPageStaysPinnedUntilUnpinned(t *testing.T) {
	idx := openTestIndex(t, Options{})
	ctx := context.Background()

	if err := idx.PutDirty(ctx, []byte("k"), []byte("v"), true); err != nil {
		t.Fatalf("PutDirty: %v", err)
	}

	b := idx.Bucket([]byte("k"))

	if !idx.IsPinned(b) {
		t.Fatalf("expected bucket to be pinned")
	}

	state, err := idx.EnsurePersistent(b)
	if err != nil {
		t.Fatalf("EnsurePersistent: %v", err)
	}
	if state != StillPinned {
		t.Fatalf("expected StillPinned while pinned, got %v", state)
	}

	idx.SetPinned(b, false)

	state, err = idx.EnsurePersistent(b)
	if err != nil {
		t.Fatalf("EnsurePersistent after unpin: %v", err)
	}
	if state != Persisted {
		t.Fatalf("expected Persisted after unpin, got %v", state)
	}
}

func TestTryPersistDirtyItemWritesBackDirtyPages(t *testing.T) {
	idx := openTestIndex(t, Options{})
	ctx := context.Background()

	wantBuckets := map[uint64]bool{}

	for i := 0; i < 3; i++ {
		key := []byte{byte('a' + i)}
		if err := idx.PutDirty(ctx, key, []byte("v"), false); err != nil {
			t.Fatalf("PutDirty %d: %v", i, err)
		}
		wantBuckets[idx.Bucket(key)] = true
	}

	written, err := idx.PersistAllDirty()
	if err != nil {
		t.Fatalf("PersistAllDirty: %v", err)
	}
	// Two keys may legitimately collide into the same bucket/page, in
	// which case they count as one dirty page, not two.
	if written != len(wantBuckets) {
		t.Fatalf("expected %d distinct dirty pages written back, got %d", len(wantBuckets), written)
	}

	for i := 0; i < 3; i++ {
		key := []byte{byte('a' + i)}
		_, ok, err := idx.Lookup(ctx, key)
		if err != nil {
			t.Fatalf("Lookup %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("expected key %q visible after PersistAllDirty", key)
		}
	}
}

func TestOverflowBucketServesBothPageAndOverflowIndex(t *testing.T) {
	// A single bucket with a tiny page (room for exactly one item) forces
	// every key here into the same bucket, so the second insert spills it
	// into overflow.
	idx := openTestIndex(t, Options{PageSize: 64, BucketCount: 1, MaxKeySize: 8, MaxValSize: 8})
	ctx := context.Background()

	keys := [][]byte{[]byte("k1"), []byte("k2"), []byte("k3"), []byte("k4")}

	for _, k := range keys {
		if err := idx.Put(ctx, k, append([]byte("v-"), k...)); err != nil {
			t.Fatalf("Put %q: %v", k, err)
		}
	}

	for _, k := range keys {
		got, ok, err := idx.Lookup(ctx, k)
		if err != nil {
			t.Fatalf("Lookup %q: %v", k, err)
		}
		if !ok {
			t.Fatalf("expected %q present after overflow spill", k)
		}
		want := append([]byte("v-"), k...)
		if string(got) != string(want) {
			t.Fatalf("key %q: got %q want %q", k, got, want)
		}
	}

	deleted, err := idx.Delete(ctx, keys[0])
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Fatalf("expected overflowed key to be deletable")
	}

	_, ok, err := idx.Lookup(ctx, keys[0])
	if err != nil {
		t.Fatalf("Lookup after delete: %v", err)
	}
	if ok {
		t.Fatalf("expected deleted overflow key to be gone")
	}
}

func TestIteratorVisitsAllEntries(t *testing.T) {
	idx := openTestIndex(t, Options{})
	ctx := context.Background()

	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		if err := idx.Put(ctx, []byte(k), []byte(v)); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	got := map[string]string{}

	it := idx.NewIterator()
	err := it.Each(ctx, func(key, value []byte) (bool, error) {
		got[string(key)] = string(value)
		return true, nil
	})
	if err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("key %q: got %q want %q", k, got[k], v)
		}
	}
}

func TestIteratorFailsClosedOnConcurrentMutation(t *testing.T) {
	idx := openTestIndex(t, Options{})
	ctx := context.Background()

	if err := idx.Put(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	it := idx.NewIterator()

	if err := idx.Put(ctx, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	err := it.Each(ctx, func(key, value []byte) (bool, error) { return true, nil })
	if !errors.Is(err, dederr.ErrAborted) {
		t.Fatalf("expected ErrAborted from a snapshot cursor observing a mutation, got %v", err)
	}
}

func TestReopenSurvivesCleanClose(t *testing.T) {
	dir := t.TempDir()

	opts := Options{
		Path:         filepath.Join(dir, "data.pdhi"),
		OverflowPath: filepath.Join(dir, "overflow.sqlite"),
		PageSize:     4096,
		BucketCount:  8,
		MaxKeySize:   32,
		MaxValSize:   64,
	}

	idx := openTestIndex(t, opts)
	ctx := context.Background()

	if err := idx.Put(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx2, err := Open(ctx, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx2.Close()

	got, ok, err := idx2.Lookup(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Lookup after reopen: %v", err)
	}
	if !ok || string(got) != "v" {
		t.Fatalf("expected v to survive reopen, got ok=%v got=%q", ok, got)
	}
}

// TestJournalReplaysOverTornDataPageAfterSimulatedCrash simulates a crash
// where a journal record is durable but the crash happens before the
// data-page overwrite (and therefore before the journal slot is cleared).
// Reopening must replay the journal's page bytes over the stale data page,
// recovering the write the crash interrupted rather than serving the torn
// page actually on disk.
func TestJournalReplaysOverTornDataPageAfterSimulatedCrash(t *testing.T) {
	dir := t.TempDir()

	opts := Options{
		Path:         filepath.Join(dir, "data.pdhi"),
		OverflowPath: filepath.Join(dir, "overflow.sqlite"),
		PageSize:     4096,
		BucketCount:  8,
		MaxKeySize:   32,
		MaxValSize:   64,
	}

	idx := openTestIndex(t, opts)
	ctx := context.Background()

	if err := idx.Put(ctx, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	bucket := idx.Bucket([]byte("k"))

	// Build the page bytes a subsequent Put(k, "v2") would have written,
	// and land them in the journal directly - modeling a crash between the
	// journal append/fsync and the data-page overwrite, which also leaves
	// the journal slot uncleared.
	nextPage := page{items: []entry{{key: []byte("k"), value: []byte("v2")}}}

	encoded, err := idx.geo.encode(nextPage)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := idx.journal.append(bucket, encoded); err != nil {
		t.Fatalf("journal append: %v", err)
	}

	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	idx2, err := Open(ctx, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx2.Close()

	got, ok, err := idx2.Lookup(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("Lookup after reopen: %v", err)
	}
	if !ok || string(got) != "v2" {
		t.Fatalf("expected the journal's page bytes to win over the stale data page, got ok=%v got=%q", ok, got)
	}
}
