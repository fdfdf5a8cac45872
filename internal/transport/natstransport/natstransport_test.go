package natstransport

import (
	"testing"
	"time"

	"github.com/burrowmesh/replicacore/internal/ids"
	"github.com/burrowmesh/replicacore/internal/syncengine"
	"github.com/burrowmesh/replicacore/libs/go/core/resilience"
)

func newBareTransport(self ids.PeerId) *Transport {
	return &Transport{
		self:      self,
		breaker:   resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2),
		limiter:   resilience.NewRateLimiter(64, 32, time.Second, 128),
		events:    make(chan syncengine.Event, 16),
		lastSeen:  make(map[ids.PeerId]time.Time),
		connected: make(map[ids.PeerId]bool),
		stop:      make(chan struct{}),
	}
}

func TestMarkSeenEmitsConnectedOnlyOnce(t *testing.T) {
	tr := newBareTransport(ids.PeerIdFromPublicKey([]byte("self")))
	peer := ids.PeerIdFromPublicKey([]byte("peer-a"))

	tr.markSeen(peer)
	tr.markSeen(peer)

	select {
	case ev := <-tr.events:
		if ev.Kind != syncengine.EventPeerConnected || ev.Peer != peer {
			t.Fatalf("unexpected first event: %+v", ev)
		}
	default:
		t.Fatal("expected a connected event")
	}

	select {
	case ev := <-tr.events:
		t.Fatalf("expected no second event, got %+v", ev)
	default:
	}
}

func TestSweepStaleDisconnectsPeersPastTimeout(t *testing.T) {
	tr := newBareTransport(ids.PeerIdFromPublicKey([]byte("self")))
	peer := ids.PeerIdFromPublicKey([]byte("peer-b"))

	tr.markSeen(peer)
	<-tr.events // drain the connected event

	tr.mu.Lock()
	tr.lastSeen[peer] = time.Now().Add(-2 * PresenceTimeout)
	tr.mu.Unlock()

	tr.sweepStale()

	select {
	case ev := <-tr.events:
		if ev.Kind != syncengine.EventPeerDisconnected || ev.Peer != peer {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected a disconnected event")
	}
}

func TestSweepStaleLeavesFreshPeersConnected(t *testing.T) {
	tr := newBareTransport(ids.PeerIdFromPublicKey([]byte("self")))
	peer := ids.PeerIdFromPublicKey([]byte("peer-c"))

	tr.markSeen(peer)
	<-tr.events

	tr.sweepStale()

	select {
	case ev := <-tr.events:
		t.Fatalf("expected no disconnect event for a fresh peer, got %+v", ev)
	default:
	}
}
