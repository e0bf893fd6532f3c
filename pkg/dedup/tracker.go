// Package dedup rejects stale and duplicate client retries before they
// reach the store.
//
// Every client request carries a request instance number that grows each
// time the client issues a logically new request for the same key; a
// retry of the same request reuses its number. The tracker remembers, per
// key, the highest instance seen and whether it is still in flight.
package dedup

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// Decision is the outcome of TryAccept
type Decision int

const (
	// Accepted means the caller owns the request and must call Complete
	Accepted Decision = iota
	// RejectCompleted means the instance already finished; reply success
	RejectCompleted
	// RejectStale means a newer instance was already seen; reply success
	// so the older caller is idempotently satisfied
	RejectStale
	// RejectBusy means a newer instance arrived while another one is still
	// in flight; the caller should retry later
	RejectBusy
)

func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case RejectCompleted:
		return "completed"
	case RejectStale:
		return "stale"
	case RejectBusy:
		return "busy"
	}
	return "unknown"
}

// Rejected reports whether the caller must not touch the store
func (d Decision) Rejected() bool {
	return d != Accepted
}

type entry struct {
	mu       sync.Mutex
	instance int64
	// holders counts callers currently accepted for instance; a genuine
	// retry of the in-flight instance joins instead of being rejected
	holders   int
	completed bool
	removed   bool
	touched   time.Time
}

// Tracker is the per-key duplicate detector. The map lock only guards
// entry lookup; per-key state is guarded by the entry's own lock.
type Tracker[K comparable] struct {
	mu      sync.Mutex
	entries map[K]*entry
	clock   clock.Clock
}

// NewTracker returns an empty tracker
func NewTracker[K comparable](clk clock.Clock) *Tracker[K] {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Tracker[K]{
		entries: make(map[K]*entry),
		clock:   clk,
	}
}

// lock returns the locked entry for key, skipping entries Prune removed
// between lookup and lock
func (t *Tracker[K]) lock(key K) *entry {
	for {
		t.mu.Lock()
		e, ok := t.entries[key]
		if !ok {
			e = &entry{}
			t.entries[key] = e
		}
		t.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			e.touched = t.clock.Now()
			return e
		}
		e.mu.Unlock()
	}
}

// TryAccept decides whether the request instance for key may proceed.
// A retry of the in-flight instance and a strictly newer instance with
// nothing in flight are accepted; everything else is rejected.
func (t *Tracker[K]) TryAccept(key K, instance int64) Decision {
	e := t.lock(key)
	defer e.mu.Unlock()

	switch {
	case instance < e.instance:
		return RejectStale
	case instance == e.instance:
		if e.holders > 0 || !e.completed {
			e.holders++
			return Accepted
		}
		return RejectCompleted
	case e.holders > 0:
		return RejectBusy
	}

	e.instance = instance
	e.holders = 1
	e.completed = false
	return Accepted
}

// Complete releases one accepted caller of instance. Once every holder
// has completed, retries of the instance are rejected as completed.
// Completing an instance that is not current is a no-op.
func (t *Tracker[K]) Complete(key K, instance int64) {
	t.release(key, instance, true)
}

// Abandon releases one accepted caller without marking the instance
// completed, so a retry of the same instance is accepted again. Callers
// use it when the request failed in a way the client is expected to retry.
func (t *Tracker[K]) Abandon(key K, instance int64) {
	t.release(key, instance, false)
}

func (t *Tracker[K]) release(key K, instance int64, completed bool) {
	e := t.lock(key)
	defer e.mu.Unlock()

	if instance != e.instance || e.holders == 0 {
		return
	}
	e.holders--
	if e.holders == 0 {
		e.completed = completed
	}
}

// InFlight reports whether some caller currently holds key
func (t *Tracker[K]) InFlight(key K) bool {
	e := t.lock(key)
	defer e.mu.Unlock()
	return e.holders > 0
}

// Prune drops idle entries not touched for olderThan and returns how many
// were removed. In-flight entries are kept.
func (t *Tracker[K]) Prune(olderThan time.Duration) int {
	cutoff := t.clock.Now().Add(-olderThan)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, e := range t.entries {
		e.mu.Lock()
		if e.holders == 0 && e.touched.Before(cutoff) {
			e.removed = true
			delete(t.entries, key)
			removed++
		}
		e.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys
func (t *Tracker[K]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
