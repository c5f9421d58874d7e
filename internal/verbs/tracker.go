package verbs

import (
	"fmt"
	"sync"
)

type inflight struct {
	wrID     uint64
	signaled bool
	regions  []Region
}

// Tracker keeps the posted-but-not-completed requests of one work queue in
// submission order and pins their regions. Completions arrive in submission
// order, so a completion retires its own request and everything queued ahead
// of it, which covers unsignaled requests that never produce an entry.
//
// Posting and polling may happen on different goroutines; all methods are
// safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	entries []inflight
}

// Push records a posted request and pins its regions. It fails with
// ErrClosed, pinning nothing, when one of the regions has been released.
func (t *Tracker) Push(wrID uint64, signaled bool, regions []Region) error {
	for i, r := range regions {
		if !r.Pin() {
			unpinAll(regions[:i])
			return fmt.Errorf("memory region of work request %d: %w", wrID, ErrClosed)
		}
	}
	t.mu.Lock()
	t.entries = append(t.entries, inflight{wrID: wrID, signaled: signaled, regions: regions})
	t.mu.Unlock()
	return nil
}

// Retire releases the oldest signaled request with wrID and every request
// before it. Unsignaled requests never produce a successful completion, so
// they only match when no signaled request carries wrID, as happens for
// flushed requests. It returns the number of requests released, zero when
// wrID is unknown.
func (t *Tracker) Retire(wrID uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.index(wrID, true); i >= 0 {
		return t.releaseFront(i + 1)
	}
	if i := t.index(wrID, false); i >= 0 {
		return t.releaseFront(i + 1)
	}
	return 0
}

// retireHead releases the oldest request if it carries wrID.
func (t *Tracker) retireHead(wrID uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) == 0 || t.entries[0].wrID != wrID {
		return 0
	}
	return t.releaseFront(1)
}

// RetireFailed routes a failed completion, whose opcode is undefined, to
// one of the trackers of a queue pair. A tracker whose oldest request
// carries wrID wins, since flushed requests complete from the head of
// their queue; otherwise the first tracker holding wrID retires it.
// Nil trackers are skipped.
func RetireFailed(wrID uint64, trackers ...*Tracker) int {
	for _, t := range trackers {
		if t == nil {
			continue
		}
		if n := t.retireHead(wrID); n > 0 {
			return n
		}
	}
	for _, t := range trackers {
		if t == nil {
			continue
		}
		if n := t.Retire(wrID); n > 0 {
			return n
		}
	}
	return 0
}

// Rollback forgets the n most recent requests, used when the device rejected
// the tail of a batch.
func (t *Tracker) Rollback(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n = min(n, len(t.entries))
	keep := len(t.entries) - n
	for _, e := range t.entries[keep:] {
		unpinAll(e.regions)
	}
	clear(t.entries[keep:])
	t.entries = t.entries[:keep]
}

// Drain releases everything, as after the queue pair has been destroyed.
func (t *Tracker) Drain() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releaseFront(len(t.entries))
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Signaled counts outstanding requests that will produce a completion entry.
func (t *Tracker) Signaled() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.entries {
		if t.entries[i].signaled {
			n++
		}
	}
	return n
}

// Contains reports whether wrID is still outstanding.
func (t *Tracker) Contains(wrID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.index(wrID, false) >= 0
}

// index finds the oldest entry with wrID, only among signaled entries when
// signaledOnly is set.
func (t *Tracker) index(wrID uint64, signaledOnly bool) int {
	for i := range t.entries {
		if t.entries[i].wrID == wrID && (t.entries[i].signaled || !signaledOnly) {
			return i
		}
	}
	return -1
}

func (t *Tracker) releaseFront(k int) int {
	for _, e := range t.entries[:k] {
		unpinAll(e.regions)
	}
	rest := copy(t.entries, t.entries[k:])
	clear(t.entries[rest:])
	t.entries = t.entries[:rest]
	return k
}

func unpinAll(regions []Region) {
	for _, r := range regions {
		r.Unpin()
	}
}
