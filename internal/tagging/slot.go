package tagging

import "sync"

// Slot is the read-write-locked serving slot for the current scorer. The
// progressive encoder replaces the scorer wholesale under the write lock;
// readers observe either the old or the new scorer, never a torn state.
// Scorers themselves are immutable, so a reader may keep using the one it
// fetched after releasing the lock.
type Slot struct {
	mu     sync.RWMutex
	scorer *Scorer
}

// Get returns the currently serving scorer, or nil if none is installed.
func (s *Slot) Get() *Scorer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scorer
}

// Swap installs a new scorer.
func (s *Slot) Swap(sc *Scorer) {
	s.mu.Lock()
	s.scorer = sc
	s.mu.Unlock()
}
