package syncengine

import (
	"sync"
	"time"

	"github.com/burrowmesh/replicacore/internal/ids"
)

// PeerStatus classifies a peer's recent sync health.
type PeerStatus string

const (
	PeerActive      PeerStatus = "active"
	PeerSuspicious  PeerStatus = "suspicious"
	PeerQuarantined PeerStatus = "quarantined"
	PeerOffline     PeerStatus = "offline"
)

type peerRecord struct {
	lastSeen   time.Time
	status     PeerStatus
	trustScore float64
}

// PeerTable tracks per-peer sync health so the anti-entropy loop can
// favor reliable peers and stop hammering ones that keep failing. Trust
// moves by an exponential moving average, same formula the teacher's
// federation sync protocol uses for node trust.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[ids.PeerId]*peerRecord
}

// NewPeerTable returns an empty table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[ids.PeerId]*peerRecord)}
}

// Connected registers peer as seen, with a neutral trust score if new.
func (t *PeerTable) Connected(peer ids.PeerId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.peers[peer]
	if !ok {
		rec = &peerRecord{trustScore: 0.5}
		t.peers[peer] = rec
	}
	rec.lastSeen = time.Now()
	rec.status = PeerActive
}

// Disconnected marks peer offline without discarding its trust history.
func (t *PeerTable) Disconnected(peer ids.PeerId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.peers[peer]; ok {
		rec.status = PeerOffline
	}
}

// HandleSyncSuccess raises peer's trust score and marks it active.
func (t *PeerTable) HandleSyncSuccess(peer ids.PeerId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.recordLocked(peer)
	rec.trustScore = 0.95*rec.trustScore + 0.05*1.0
	if rec.trustScore > 1.0 {
		rec.trustScore = 1.0
	}
	rec.lastSeen = time.Now()
	rec.status = PeerActive
}

// HandleSyncFailure lowers peer's trust score, demoting it to Suspicious
// or Quarantined once trust drops below the thresholds the teacher uses,
// and to Offline if it hasn't been seen in a while.
func (t *PeerTable) HandleSyncFailure(peer ids.PeerId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.recordLocked(peer)
	rec.trustScore = 0.95 * rec.trustScore

	switch {
	case rec.trustScore < 0.1:
		rec.status = PeerQuarantined
	case rec.trustScore < 0.3:
		rec.status = PeerSuspicious
	}
	if time.Since(rec.lastSeen) > 5*time.Minute {
		rec.status = PeerOffline
	}
}

func (t *PeerTable) recordLocked(peer ids.PeerId) *peerRecord {
	rec, ok := t.peers[peer]
	if !ok {
		rec = &peerRecord{trustScore: 0.5, lastSeen: time.Now(), status: PeerActive}
		t.peers[peer] = rec
	}
	return rec
}

// ActivePeers returns peers not currently quarantined or offline — the
// set the periodic inventory round gossips with.
func (t *PeerTable) ActivePeers() []ids.PeerId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ids.PeerId, 0, len(t.peers))
	for peer, rec := range t.peers {
		if rec.status == PeerActive || rec.status == PeerSuspicious {
			out = append(out, peer)
		}
	}
	return out
}

// TrustScore returns peer's current trust score, or the neutral default
// if the peer has never been observed.
func (t *PeerTable) TrustScore(peer ids.PeerId) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rec, ok := t.peers[peer]; ok {
		return rec.trustScore
	}
	return 0.5
}
