// Package clock provides the HybridLogicalClock and VectorClock primitives
// that the replication core uses for causal ordering.
package clock

import (
	"sync"
	"time"

	"github.com/burrowmesh/replicacore/internal/ids"
)

// Timestamp is a hybrid logical timestamp: a physical millisecond epoch, a
// logical counter, and the peer that emitted it. Timestamps are totally
// ordered lexicographically on (Physical, Logical, PeerId), which is what
// LWWRegister relies on to tie-break concurrent writes.
type Timestamp struct {
	Physical uint64
	Logical  uint64
	PeerId   ids.PeerId
}

// Compare returns -1, 0 or 1 as t sorts before, equal to, or after other.
func (t Timestamp) Compare(other Timestamp) int {
	if t.Physical != other.Physical {
		if t.Physical < other.Physical {
			return -1
		}
		return 1
	}
	if t.Logical != other.Logical {
		if t.Logical < other.Logical {
			return -1
		}
		return 1
	}
	a, b := [16]byte(t.PeerId), [16]byte(other.PeerId)
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Before reports whether t sorts strictly before other.
func (t Timestamp) Before(other Timestamp) bool { return t.Compare(other) < 0 }

// After reports whether t sorts strictly after other.
func (t Timestamp) After(other Timestamp) bool { return t.Compare(other) > 0 }

func physicalNowMs() uint64 { return uint64(time.Now().UnixMilli()) }

// HybridLogicalClock stamps locally originated events with a Timestamp that
// is totally ordered across all peers while staying close to wall time.
type HybridLogicalClock struct {
	mu     sync.Mutex
	peerID ids.PeerId
	latest Timestamp
}

// NewHybridLogicalClock starts a clock seeded at the current wall time.
func NewHybridLogicalClock(peer ids.PeerId) *HybridLogicalClock {
	return &HybridLogicalClock{
		peerID: peer,
		latest: Timestamp{Physical: physicalNowMs(), Logical: 0, PeerId: peer},
	}
}

// Tick produces a timestamp for a local event. Successive calls strictly
// increase: if physical time has advanced past the stored watermark the
// logical counter resets to zero, otherwise it increments so ticks that
// land within the same millisecond still order.
func (h *HybridLogicalClock) Tick() Timestamp {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := physicalNowMs()
	if p > h.latest.Physical {
		h.latest = Timestamp{Physical: p, Logical: 0, PeerId: h.peerID}
	} else {
		h.latest = Timestamp{Physical: h.latest.Physical, Logical: h.latest.Logical + 1, PeerId: h.peerID}
	}
	return h.latest
}

// Update folds a remote timestamp into the clock, returning a new timestamp
// that is guaranteed to exceed both remote and every timestamp this clock
// has previously emitted. A regressing wall clock cannot violate that
// guarantee because latest.Physical is a monotone lower bound, never read
// directly from the OS clock once it has advanced past it.
func (h *HybridLogicalClock) Update(remote Timestamp) Timestamp {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := physicalNowMs()
	if p < h.latest.Physical {
		p = h.latest.Physical
	}
	if p < remote.Physical {
		p = remote.Physical
	}

	prevailing := h.latest.Physical
	if remote.Physical > prevailing {
		prevailing = remote.Physical
	}

	var logical uint64
	switch {
	case p > prevailing:
		logical = 0
	case h.latest.Physical == remote.Physical:
		logical = max64(h.latest.Logical, remote.Logical) + 1
	case h.latest.Physical > remote.Physical:
		logical = h.latest.Logical + 1
	default:
		logical = remote.Logical + 1
	}

	h.latest = Timestamp{Physical: p, Logical: logical, PeerId: h.peerID}
	return h.latest
}

// Latest returns the most recently emitted timestamp without advancing the
// clock.
func (h *HybridLogicalClock) Latest() Timestamp {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
