package pdhi

import "sync"

// stripedLocks is a fixed pool of RWMutexes, striped by bucket id modulo
// the pool size. The same stripe number doubles as the cache-line index,
// so a single pool serves both purposes.
type stripedLocks struct {
	locks []sync.RWMutex
}

func newStripedLocks(count int) *stripedLocks {
	if count <= 0 {
		count = 1
	}

	return &stripedLocks{locks: make([]sync.RWMutex, count)}
}

func (s *stripedLocks) stripe(bucketID uint64) int {
	return int(bucketID % uint64(len(s.locks)))
}

func (s *stripedLocks) lock(bucketID uint64)    { s.locks[s.stripe(bucketID)].Lock() }
func (s *stripedLocks) unlock(bucketID uint64)  { s.locks[s.stripe(bucketID)].Unlock() }
func (s *stripedLocks) rlock(bucketID uint64)   { s.locks[s.stripe(bucketID)].RLock() }
func (s *stripedLocks) runlock(bucketID uint64) { s.locks[s.stripe(bucketID)].RUnlock() }

func (s *stripedLocks) count() int { return len(s.locks) }
