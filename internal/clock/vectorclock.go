package clock

import (
	"encoding/json"

	"github.com/burrowmesh/replicacore/internal/ids"
)

// VectorClock maps a PeerId to a monotonically increasing counter. Missing
// entries read as zero so a freshly constructed VectorClock compares as
// happening-before any clock with at least one positive entry.
type VectorClock struct {
	counts map[ids.PeerId]uint64
}

// NewVectorClock returns an empty clock.
func NewVectorClock() *VectorClock {
	return &VectorClock{counts: make(map[ids.PeerId]uint64)}
}

// Increment bumps the counter for peer by one.
func (v *VectorClock) Increment(peer ids.PeerId) {
	if v.counts == nil {
		v.counts = make(map[ids.PeerId]uint64)
	}
	v.counts[peer]++
}

// Get returns peer's counter, or 0 if unseen.
func (v *VectorClock) Get(peer ids.PeerId) uint64 {
	if v.counts == nil {
		return 0
	}
	return v.counts[peer]
}

// Clone returns an independent copy.
func (v *VectorClock) Clone() *VectorClock {
	out := make(map[ids.PeerId]uint64, len(v.counts))
	for k, val := range v.counts {
		out[k] = val
	}
	return &VectorClock{counts: out}
}

// Merge folds other into v by taking the component-wise maximum.
func (v *VectorClock) Merge(other *VectorClock) {
	if v.counts == nil {
		v.counts = make(map[ids.PeerId]uint64)
	}
	for peer, count := range other.counts {
		if count > v.counts[peer] {
			v.counts[peer] = count
		}
	}
}

// HappensBefore reports whether v strictly precedes other in the partial
// order: every component of v is <= the matching component of other, and
// at least one is strictly less.
func (v *VectorClock) HappensBefore(other *VectorClock) bool {
	strictlyLess := false

	for peer, selfCount := range v.counts {
		otherCount := other.Get(peer)
		if selfCount > otherCount {
			return false
		}
		if selfCount < otherCount {
			strictlyLess = true
		}
	}
	for peer, otherCount := range other.counts {
		if _, ok := v.counts[peer]; !ok && otherCount > 0 {
			strictlyLess = true
		}
	}

	return strictlyLess
}

// Concurrent reports whether neither clock happens-before the other.
func (v *VectorClock) Concurrent(other *VectorClock) bool {
	return !v.HappensBefore(other) && !other.HappensBefore(v)
}

// MarshalJSON renders the clock as a peer-to-counter map, matching the
// canonical wire form messages carry their VectorClock in.
func (v *VectorClock) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.counts)
}

func (v *VectorClock) UnmarshalJSON(data []byte) error {
	var decoded map[ids.PeerId]uint64
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	if decoded == nil {
		decoded = make(map[ids.PeerId]uint64)
	}
	v.counts = decoded
	return nil
}

// Equal reports whether v and other have identical non-zero entries.
func (v *VectorClock) Equal(other *VectorClock) bool {
	for peer, count := range v.counts {
		if other.Get(peer) != count {
			return false
		}
	}
	for peer, count := range other.counts {
		if v.Get(peer) != count {
			return false
		}
	}
	return true
}
