// Package crdt provides the conflict-free replicated data types the
// replication core builds on: LWWRegister and ORSet.
package crdt

import (
	"sync"

	"github.com/burrowmesh/replicacore/internal/clock"
)

// LWWRegister holds a (value, timestamp) pair under last-write-wins
// semantics. Merge is idempotent, commutative and associative because it
// always keeps whichever side carries the greater HLC timestamp, and HLC
// timestamps are totally ordered including their peer-id tie-break.
type LWWRegister[T any] struct {
	mu        sync.RWMutex
	value     T
	timestamp clock.Timestamp
}

// NewLWWRegister seeds a register with an initial value stamped at the
// zero timestamp, so any real Set or Merge will supersede it.
func NewLWWRegister[T any](initial T) *LWWRegister[T] {
	return &LWWRegister[T]{value: initial}
}

// Set installs value under timestamp t, but only if t is strictly newer
// than the register's current timestamp.
func (r *LWWRegister[T]) Set(value T, t clock.Timestamp) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.After(r.timestamp) {
		r.value = value
		r.timestamp = t
	}
}

// Get returns the current value and the timestamp it was set under.
func (r *LWWRegister[T]) Get() (T, clock.Timestamp) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, r.timestamp
}

// Merge adopts other's (value, timestamp) iff other's timestamp strictly
// exceeds this register's.
func (r *LWWRegister[T]) Merge(other *LWWRegister[T]) {
	other.mu.RLock()
	otherValue, otherTs := other.value, other.timestamp
	other.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if otherTs.After(r.timestamp) {
		r.value = otherValue
		r.timestamp = otherTs
	}
}

// Snapshot returns an immutable copy suitable for serialization.
func (r *LWWRegister[T]) Snapshot() (T, clock.Timestamp) {
	return r.Get()
}
