package oplog

import (
	"container/heap"
	"sync"
)

// inProgressSet tracks reservations that have been assigned an id range but
// have not yet finished writing all their slots. It implements a
// pop-the-minimum frontier: lastFullyWrittenLogID only
// advances past a reservation when that reservation is the smallest
// outstanding one, so a slow writer can never let a faster, later writer's
// completion jump the frontier over it.
type inProgressSet struct {
	mu        sync.Mutex
	counts    map[uint64]uint64 // base -> reservation size (k)
	done      map[uint64]bool   // base -> slots fully written
	outstanding minHeap         // bases not yet advanced past
}

func newInProgressSet() *inProgressSet {
	return &inProgressSet{
		counts: make(map[uint64]uint64),
		done:   make(map[uint64]bool),
	}
}

// reserve records a new in-flight reservation [base, base+k).
func (s *inProgressSet) reserve(base, k uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counts[base] = k
	heap.Push(&s.outstanding, base)
}

// complete marks base's slots as fully written and returns the new frontier
// (base+k of the last reservation in the completed run that starts at the
// smallest outstanding base), or ok=false if the
// frontier did not move (an earlier reservation is still outstanding).
func (s *inProgressSet) complete(base uint64) (frontier uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.done[base] = true

	var advanced bool

	var last uint64

	for s.outstanding.Len() > 0 && s.done[s.outstanding[0]] {
		b := heap.Pop(&s.outstanding).(uint64) //nolint:errcheck // minHeap only ever holds uint64
		k := s.counts[b]
		delete(s.counts, b)
		delete(s.done, b)
		last = b + k
		advanced = true
	}

	return last, advanced
}

type minHeap []uint64

func (h minHeap) Len() int            { return len(h) }
func (h minHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h minHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) } //nolint:forcetypeassert
func (h *minHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]

	return x
}
