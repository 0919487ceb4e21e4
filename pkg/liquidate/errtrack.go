package liquidate

import (
	"sync"
	"time"

	"github.com/helioslabs/solvent/pkg/chain"
)

// ErrorTracker counts per-account failures so accounts that keep erroring
// get skipped for a while instead of starving the scheduler.
type ErrorTracker struct {
	SkipThreshold uint64
	SkipDuration  time.Duration
	ResetDuration time.Duration

	// Now is overridable for tests
	Now func() time.Time

	mu      sync.Mutex
	entries map[chain.Address]*errorEntry
}

type errorEntry struct {
	count  uint64
	lastAt time.Time
}

func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{
		SkipThreshold: 5,
		SkipDuration:  2 * time.Minute,
		ResetDuration: 6 * time.Minute,
		Now:           time.Now,
		entries:       make(map[chain.Address]*errorEntry),
	}
}

// ShouldSkip reports whether addr has erred too often too recently.
func (t *ErrorTracker) ShouldSkip(addr chain.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[addr]
	if !ok {
		return false
	}
	return e.count >= t.SkipThreshold && t.Now().Sub(e.lastAt) < t.SkipDuration
}

// RecordFailure increments the counter, resetting it first when the last
// failure is old enough.
func (t *ErrorTracker) RecordFailure(addr chain.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.Now()
	e, ok := t.entries[addr]
	if !ok {
		e = &errorEntry{}
		t.entries[addr] = e
	}
	if now.Sub(e.lastAt) > t.ResetDuration {
		e.count = 0
	}
	e.count++
	e.lastAt = now
}

// RecordSuccess erases the entry.
func (t *ErrorTracker) RecordSuccess(addr chain.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, addr)
}

// Count returns the current failure count for addr.
func (t *ErrorTracker) Count(addr chain.Address) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[addr]; ok {
		return e.count
	}
	return 0
}
