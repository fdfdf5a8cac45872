package clock

import (
	"testing"

	"github.com/burrowmesh/replicacore/internal/ids"
	"github.com/stretchr/testify/assert"
)

func newTestPeer(seed byte) ids.PeerId {
	return ids.PeerIdFromPublicKey([]byte{seed})
}

func TestHLCTickStrictlyIncreases(t *testing.T) {
	hlc := NewHybridLogicalClock(newTestPeer(1))
	t1 := hlc.Tick()
	t2 := hlc.Tick()
	assert.True(t, t2.After(t1))
}

func TestHLCUpdateExceedsRemoteAndPrevious(t *testing.T) {
	peerA := newTestPeer(1)
	peerB := newTestPeer(2)
	hlcA := NewHybridLogicalClock(peerA)
	hlcB := NewHybridLogicalClock(peerB)

	remote := hlcA.Tick()
	prev := hlcB.Tick()

	merged := hlcB.Update(remote)
	assert.True(t, merged.After(remote))
	assert.True(t, merged.After(prev))
}

func TestHLCUpdateSameMillisecondTakesMaxLogicalPlusOne(t *testing.T) {
	peerA := newTestPeer(1)
	peerB := newTestPeer(2)
	hlc := NewHybridLogicalClock(peerB)
	// Both sides sit ahead of the wall clock so neither is overtaken by it.
	future := physicalNowMs() + 3_600_000
	hlc.latest = Timestamp{Physical: future, Logical: 5, PeerId: peerB}
	remote := Timestamp{Physical: future, Logical: 9, PeerId: peerA}

	got := hlc.Update(remote)
	assert.Equal(t, future, got.Physical)
	assert.Equal(t, uint64(10), got.Logical)
}

func TestVectorClockHappenedBeforeIrreflexive(t *testing.T) {
	a := NewVectorClock()
	peer := newTestPeer(1)
	a.Increment(peer)
	assert.False(t, a.HappensBefore(a))
}

func TestVectorClockHappenedBeforeAntisymmetric(t *testing.T) {
	peer := newTestPeer(1)
	a := NewVectorClock()
	b := NewVectorClock()
	a.Increment(peer)
	b.Increment(peer)
	b.Increment(peer)

	assert.True(t, a.HappensBefore(b))
	assert.False(t, b.HappensBefore(a))
}

func TestVectorClockConcurrentIsSymmetric(t *testing.T) {
	peerA := newTestPeer(1)
	peerB := newTestPeer(2)
	a := NewVectorClock()
	a.Increment(peerA)
	b := NewVectorClock()
	b.Increment(peerB)

	assert.True(t, a.Concurrent(b))
	assert.True(t, b.Concurrent(a))
}

func TestVectorClockMergeTakesComponentWiseMax(t *testing.T) {
	peerA := newTestPeer(1)
	peerB := newTestPeer(2)
	a := NewVectorClock()
	a.Increment(peerA)
	b := NewVectorClock()
	b.Increment(peerB)
	b.Increment(peerB)

	a.Merge(b)
	assert.Equal(t, uint64(1), a.Get(peerA))
	assert.Equal(t, uint64(2), a.Get(peerB))
}

func TestVectorClockUnseenPeerReadsZero(t *testing.T) {
	v := NewVectorClock()
	assert.Equal(t, uint64(0), v.Get(newTestPeer(7)))
}
