// Package natstransport implements syncengine.Transport over a single NATS
// subject: every frame in the gossip taxonomy is published there and every
// connected replica subscribes to it, matching the protocol's fully
// broadcast delivery model.
package natstransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/burrowmesh/replicacore/internal/ids"
	"github.com/burrowmesh/replicacore/internal/syncengine"
	"github.com/burrowmesh/replicacore/libs/go/core/natsctx"
	"github.com/burrowmesh/replicacore/libs/go/core/resilience"
)

// PresenceTimeout is how long a peer can go unheard before it is reported
// disconnected. It must exceed PresenceInterval by a comfortable margin so
// ordinary network jitter never flaps a peer's connected status.
const PresenceTimeout = 45 * time.Second

// PresenceInterval is how often this replica announces itself on the
// presence subject.
const PresenceInterval = 15 * time.Second

type wireEnvelope struct {
	Peer  ids.PeerId       `json:"peer"`
	Frame syncengine.Frame `json:"frame"`
}

type presenceBeacon struct {
	Peer ids.PeerId `json:"peer"`
}

// Transport publishes and consumes gossip frames over NATS core pub/sub. It
// never unicasts: every frame is delivered to the gossip subject and every
// subscriber, including the publisher itself, receives it, so handleGossip
// discards frames whose Peer matches this transport's own id.
type Transport struct {
	nc            *nats.Conn
	self          ids.PeerId
	gossipSubject string
	presenceSubj  string

	breaker *resilience.CircuitBreaker
	limiter *resilience.RateLimiter

	events chan syncengine.Event

	mu        sync.Mutex
	lastSeen  map[ids.PeerId]time.Time
	connected map[ids.PeerId]bool

	sub         *nats.Subscription
	presenceSub *nats.Subscription
	stop        chan struct{}
	stopOnce    sync.Once
}

// Dial connects to url and wires up the gossip and presence subscriptions
// for subjectPrefix. self identifies this replica in every frame it
// publishes, including the loopback copy it filters out of its own feed.
func Dial(url, subjectPrefix string, self ids.PeerId) (*Transport, error) {
	nc, err := nats.Connect(url,
		nats.Name(fmt.Sprintf("burrow-replica-%s", self)),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	t := &Transport{
		nc:            nc,
		self:          self,
		gossipSubject: subjectPrefix + ".gossip",
		presenceSubj:  subjectPrefix + ".presence",
		breaker:       resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 10*time.Second, 2),
		limiter:       resilience.NewRateLimiter(64, 32, time.Second, 128),
		events:        make(chan syncengine.Event, 256),
		lastSeen:      make(map[ids.PeerId]time.Time),
		connected:     make(map[ids.PeerId]bool),
		stop:          make(chan struct{}),
	}

	sub, err := natsctx.Subscribe(nc, t.gossipSubject, t.handleGossip)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe gossip: %w", err)
	}
	t.sub = sub

	presenceSub, err := nc.Subscribe(t.presenceSubj, t.handlePresence)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("subscribe presence: %w", err)
	}
	t.presenceSub = presenceSub

	go t.announceLoop()
	go t.sweepLoop()

	return t, nil
}

// Close stops background loops, unsubscribes and drains the connection.
func (t *Transport) Close() {
	t.stopOnce.Do(func() { close(t.stop) })
	_ = t.sub.Unsubscribe()
	_ = t.presenceSub.Unsubscribe()
	t.nc.Close()
}

// Events implements syncengine.Transport.
func (t *Transport) Events() <-chan syncengine.Event {
	return t.events
}

// Broadcast implements syncengine.Transport. It rate-limits outbound gossip
// and trips its circuit breaker on sustained publish failure, since a
// flooding local bug or a wedged NATS connection should degrade to dropped
// frames rather than an unbounded retry storm.
func (t *Transport) Broadcast(ctx context.Context, f syncengine.Frame) error {
	if !t.limiter.Allow() {
		return fmt.Errorf("broadcast rate limit exceeded for frame %s", f.Type)
	}
	if !t.breaker.Allow() {
		return errors.New("gossip circuit breaker open")
	}

	envelope := wireEnvelope{Peer: t.self, Frame: f}
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	_, err = resilience.Retry(ctx, 3, 100*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, natsctx.Publish(ctx, t.nc, t.gossipSubject, data)
	})
	t.breaker.RecordResult(err == nil)
	if err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

func (t *Transport) handleGossip(ctx context.Context, msg *nats.Msg) {
	var envelope wireEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		slog.Warn("discarding malformed gossip frame", "error", err)
		return
	}
	if envelope.Peer == t.self {
		return
	}
	t.markSeen(envelope.Peer)

	select {
	case t.events <- syncengine.Event{Kind: syncengine.EventFrameReceived, Peer: envelope.Peer, Frame: envelope.Frame}:
	case <-ctx.Done():
	}
}

func (t *Transport) handlePresence(msg *nats.Msg) {
	var beacon presenceBeacon
	if err := json.Unmarshal(msg.Data, &beacon); err != nil {
		slog.Warn("discarding malformed presence beacon", "error", err)
		return
	}
	if beacon.Peer == t.self {
		return
	}
	t.markSeen(beacon.Peer)
}

func (t *Transport) markSeen(peer ids.PeerId) {
	t.mu.Lock()
	t.lastSeen[peer] = time.Now()
	wasConnected := t.connected[peer]
	t.connected[peer] = true
	t.mu.Unlock()

	if !wasConnected {
		t.events <- syncengine.Event{Kind: syncengine.EventPeerConnected, Peer: peer}
	}
}

func (t *Transport) announceLoop() {
	ticker := time.NewTicker(PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			data, err := json.Marshal(presenceBeacon{Peer: t.self})
			if err != nil {
				continue
			}
			if err := t.nc.Publish(t.presenceSubj, data); err != nil {
				slog.Warn("presence announce failed", "error", err)
			}
		}
	}
}

func (t *Transport) sweepLoop() {
	ticker := time.NewTicker(PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweepStale()
		}
	}
}

func (t *Transport) sweepStale() {
	now := time.Now()
	var disconnected []ids.PeerId

	t.mu.Lock()
	for peer, seen := range t.lastSeen {
		if t.connected[peer] && now.Sub(seen) > PresenceTimeout {
			t.connected[peer] = false
			disconnected = append(disconnected, peer)
		}
	}
	t.mu.Unlock()

	for _, peer := range disconnected {
		t.events <- syncengine.Event{Kind: syncengine.EventPeerDisconnected, Peer: peer}
	}
}
