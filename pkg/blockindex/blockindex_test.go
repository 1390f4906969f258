package blockindex

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
	"github.com/calvinalkan/dedupvault/pkg/oplog"
	"github.com/calvinalkan/dedupvault/pkg/pdhi"
)

func openTestIndex(t *testing.T) (*Index, *oplog.Log) {
	t.Helper()

	dir := t.TempDir()

	p, err := pdhi.Create(context.Background(), pdhi.Options{
		Path:         filepath.Join(dir, "blocks.pdhi"),
		OverflowPath: filepath.Join(dir, "blocks.sqlite"),
		PageSize:     4096,
		BucketCount:  8,
		MaxKeySize:   16,
		MaxValSize:   512,
	})
	if err != nil {
		t.Fatalf("pdhi.Create: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	log, err := oplog.Open(oplog.Options{
		Path:       filepath.Join(dir, "ol.fwi"),
		Limit:      100,
		EntryWidth: 256,
		Reserve:    2,
		InfoPath:   filepath.Join(dir, "ol.info"),
	})
	if err != nil {
		t.Fatalf("oplog.Open: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	return Open(p, log), log
}

func chunkRef(n byte) ChunkRef {
	return ChunkRef{
		Fingerprint:      []byte{n, n, n, n},
		ContainerAddress: uint64(n) + 100,
		ChunkOffset:      uint64(n) * 10,
		Length:           uint32(n) * 2,
	}
}

func TestStoreBlockRoundTrip(t *testing.T) {
	ix, _ := openTestIndex(t)
	ctx := context.Background()

	modified := Mapping{Refs: []ChunkRef{chunkRef(1), chunkRef(2)}}

	if _, err := ix.StoreBlock(ctx, 1, Mapping{}, modified); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}

	got, ok, err := ix.ReadBlockInfo(ctx, 1)
	if err != nil {
		t.Fatalf("ReadBlockInfo: %v", err)
	}
	if !ok {
		t.Fatalf("expected block 1 present after StoreBlock")
	}
	if len(got.Refs) != 2 || string(got.Refs[0].Fingerprint) != string(modified.Refs[0].Fingerprint) {
		t.Fatalf("unexpected mapping after round trip: %+v", got)
	}
}

func TestStoreBlockVersionIncreasesMonotonically(t *testing.T) {
	ix, _ := openTestIndex(t)
	ctx := context.Background()

	first := Mapping{Refs: []ChunkRef{chunkRef(1)}}
	if _, err := ix.StoreBlock(ctx, 4, Mapping{}, first); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}

	stored, ok, err := ix.ReadBlockInfo(ctx, 4)
	if err != nil || !ok {
		t.Fatalf("ReadBlockInfo: ok=%v err=%v", ok, err)
	}
	if stored.Version != 1 {
		t.Fatalf("expected version 1 on first store, got %d", stored.Version)
	}

	second := Mapping{Refs: []ChunkRef{chunkRef(2)}}
	if _, err := ix.StoreBlock(ctx, 4, stored, second); err != nil {
		t.Fatalf("StoreBlock overwrite: %v", err)
	}

	stored, _, err = ix.ReadBlockInfo(ctx, 4)
	if err != nil {
		t.Fatalf("ReadBlockInfo: %v", err)
	}
	if stored.Version != 2 {
		t.Fatalf("expected version 2 after overwrite, got %d", stored.Version)
	}

	// An explicit version at or below the stored one is rejected.
	stale := Mapping{Version: 2, Refs: []ChunkRef{chunkRef(3)}}
	if _, err := ix.StoreBlock(ctx, 4, stored, stale); !errors.Is(err, dederr.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for a non-increasing version, got %v", err)
	}
}

func TestReadBlockInfoMissingBlock(t *testing.T) {
	ix, _ := openTestIndex(t)
	ctx := context.Background()

	_, ok, err := ix.ReadBlockInfo(ctx, 99)
	if err != nil {
		t.Fatalf("ReadBlockInfo: %v", err)
	}
	if ok {
		t.Fatalf("expected missing block to report ok=false")
	}
}

func TestStoreBlockEmitsBlockMappingWrittenEvent(t *testing.T) {
	ix, log := openTestIndex(t)
	ctx := context.Background()

	var gotBlockID uint64
	var gotOriginal, gotModified Mapping
	seen := false

	if err := log.RegisterConsumer("test", oplog.ConsumerFunc(func(et oplog.EventType, payload []byte, rc oplog.ReplayContext) error {
		if et != oplog.EventBlockMappingWritten {
			return nil
		}
		blockID, original, modified, _, err := DecodeEventPayload(payload)
		if err != nil {
			return err
		}
		gotBlockID, gotOriginal, gotModified, seen = blockID, original, modified, true
		return nil
	})); err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}

	original := Mapping{Refs: []ChunkRef{chunkRef(3)}}
	modified := Mapping{Refs: []ChunkRef{chunkRef(4)}}

	if _, err := ix.StoreBlock(ctx, 7, original, modified); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}

	if _, _, err := log.Replay(oplog.DirtyStart, 0); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if !seen {
		t.Fatalf("expected a BlockMappingWritten event to be replayed")
	}
	if gotBlockID != 7 {
		t.Fatalf("expected block id 7, got %d", gotBlockID)
	}
	if len(gotOriginal.Refs) != 1 || len(gotModified.Refs) != 1 {
		t.Fatalf("unexpected original/modified refs: %+v / %+v", gotOriginal, gotModified)
	}
}

func TestMarkBlockWriteAsFailedEmitsEvent(t *testing.T) {
	ix, log := openTestIndex(t)

	var gotWriteEventLogID uint64
	seen := false

	if err := log.RegisterConsumer("test", oplog.ConsumerFunc(func(et oplog.EventType, payload []byte, rc oplog.ReplayContext) error {
		if et != oplog.EventBlockMappingWriteFailed {
			return nil
		}
		_, _, _, writeEventLogID, err := DecodeEventPayload(payload)
		if err != nil {
			return err
		}
		gotWriteEventLogID, seen = writeEventLogID, true
		return nil
	})); err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}

	if _, err := ix.MarkBlockWriteAsFailed(3, Mapping{}, Mapping{Refs: []ChunkRef{chunkRef(5)}}, 12); err != nil {
		t.Fatalf("MarkBlockWriteAsFailed: %v", err)
	}

	if _, _, err := log.Replay(oplog.DirtyStart, 0); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if !seen {
		t.Fatalf("expected a BlockMappingWriteFailed event to be replayed")
	}
	if gotWriteEventLogID != 12 {
		t.Fatalf("expected write event log id 12, got %d", gotWriteEventLogID)
	}
}

func TestDeleteBlockRemovesMappingAndEmitsEvent(t *testing.T) {
	ix, log := openTestIndex(t)
	ctx := context.Background()

	original := Mapping{Refs: []ChunkRef{chunkRef(6)}}

	if _, err := ix.StoreBlock(ctx, 2, Mapping{}, original); err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}

	deleteSeen := false
	if err := log.RegisterConsumer("test", oplog.ConsumerFunc(func(et oplog.EventType, payload []byte, rc oplog.ReplayContext) error {
		if et == oplog.EventBlockMappingDeleted {
			deleteSeen = true
		}
		return nil
	})); err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}

	if _, err := ix.DeleteBlock(ctx, 2, original); err != nil {
		t.Fatalf("DeleteBlock: %v", err)
	}

	_, ok, err := ix.ReadBlockInfo(ctx, 2)
	if err != nil {
		t.Fatalf("ReadBlockInfo: %v", err)
	}
	if ok {
		t.Fatalf("expected block 2 absent after DeleteBlock")
	}

	if _, _, err := log.Replay(oplog.DirtyStart, 0); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if !deleteSeen {
		t.Fatalf("expected a BlockMappingDeleted event to be replayed")
	}
}

func TestCheckIfFullWithRespectsValueCap(t *testing.T) {
	ix, _ := openTestIndex(t)

	small := Mapping{Refs: []ChunkRef{chunkRef(1)}}
	if ix.CheckIfFullWith(1, small) {
		t.Fatalf("expected a small mapping to fit within the value cap")
	}

	var many []ChunkRef
	for i := byte(0); i < 60; i++ {
		many = append(many, chunkRef(i))
	}
	big := Mapping{Refs: many}

	if !ix.CheckIfFullWith(1, big) {
		t.Fatalf("expected a mapping with 60 refs to exceed the 512-byte value cap")
	}
}

func TestIterateVisitsAllBlocks(t *testing.T) {
	ix, _ := openTestIndex(t)
	ctx := context.Background()

	want := map[uint64]int{1: 1, 2: 2, 3: 1}
	for blockID, n := range want {
		var refs []ChunkRef
		for i := 0; i < n; i++ {
			refs = append(refs, chunkRef(byte(blockID)))
		}
		if _, err := ix.StoreBlock(ctx, blockID, Mapping{}, Mapping{Refs: refs}); err != nil {
			t.Fatalf("StoreBlock %d: %v", blockID, err)
		}
	}

	got := map[uint64]int{}
	err := ix.Iterate(ctx, func(blockID uint64, m Mapping) (bool, error) {
		got[blockID] = len(m.Refs)
		return true, nil
	})
	if err != nil {
		t.Fatalf("Iterate: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("got %d blocks, want %d", len(got), len(want))
	}
	for blockID, n := range want {
		if got[blockID] != n {
			t.Fatalf("block %d: got %d refs, want %d", blockID, got[blockID], n)
		}
	}
}
