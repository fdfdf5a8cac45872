package syncengine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/burrowmesh/replicacore/internal/channel"
	"github.com/burrowmesh/replicacore/internal/clock"
	"github.com/burrowmesh/replicacore/internal/dag"
	"github.com/burrowmesh/replicacore/internal/ids"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrMalformedFrame names the error class of a frame whose payload does not
// match its declared type. The engine does not return it: it drops such
// frames and counts them, never panicking on them.
var ErrMalformedFrame = errors.New("malformed frame")

// DefaultInventoryInterval is the base cadence of the proactive inventory
// broadcast, jittered ±20% per round.
const DefaultInventoryInterval = 30 * time.Second

// Engine owns the CRDT state, the DAG, and the clocks for one replica, and
// drives them toward agreement with connected peers via anti-entropy
// gossip plus eager broadcast of locally authored changes. It is the
// single consumer of transport events — the "application task" of the
// two-task concurrency model.
type Engine struct {
	self      ids.PeerId
	repo      Repository
	transport Transport
	dag       *dag.MessageDAG
	hlc       *clock.HybridLogicalClock
	peers     *PeerTable
	metrics   engineMetrics

	inventoryInterval time.Duration

	mu                   sync.Mutex
	vectorClock          *clock.VectorClock
	lamport              uint64
	channels             map[ids.ChannelId]*channel.Channel
	placeholderRequested map[ids.ChannelId]struct{}
}

// broadcast publishes f via the transport, logging and counting a drop on
// failure instead of propagating the error — per spec.md §4.5.4, a
// transport send failure is non-fatal and convergence is left to the next
// inventory round.
func (e *Engine) broadcast(ctx context.Context, f Frame) {
	if err := e.transport.Broadcast(ctx, f); err != nil {
		slog.Warn("broadcast failed", "frame", f.Type.String(), "error", err)
		e.metrics.framesDropped.Add(ctx, 1, metric.WithAttributes(frameTypeAttr(f.Type)))
		return
	}
	e.metrics.framesSent.Add(ctx, 1, metric.WithAttributes(frameTypeAttr(f.Type)))
}

// Options configures an Engine beyond the required collaborators.
type Options struct {
	InventoryInterval time.Duration
}

// NewEngine constructs an engine around repo and transport, restoring any
// channels and the DAG's message set repo already holds.
func NewEngine(self ids.PeerId, repo Repository, transport Transport, opts Options) (*Engine, error) {
	interval := opts.InventoryInterval
	if interval <= 0 {
		interval = DefaultInventoryInterval
	}

	e := &Engine{
		self:                 self,
		repo:                 repo,
		transport:            transport,
		dag:                  dag.New(),
		hlc:                  clock.NewHybridLogicalClock(self),
		peers:                NewPeerTable(),
		metrics:              newEngineMetrics(),
		inventoryInterval:    interval,
		vectorClock:          clock.NewVectorClock(),
		channels:             make(map[ids.ChannelId]*channel.Channel),
		placeholderRequested: make(map[ids.ChannelId]struct{}),
	}

	channels, err := repo.ListChannels()
	if err != nil {
		return nil, err
	}
	for _, c := range channels {
		e.channels[c.ID] = c
		msgs, err := repo.GetChannelMessages(c.ID)
		if err != nil {
			return nil, err
		}
		e.dag.LoadMessages(msgs)
	}

	meter := otel.Meter("burrow-go")
	if _, err := meter.RegisterCallback(e.observeDagHeads, e.metrics.dagHeads); err != nil {
		slog.Warn("register dag heads callback failed", "error", err)
	}

	return e, nil
}

// observeDagHeads reports the current head count of every known channel,
// feeding the replica_dag_heads gauge on each collection pass.
func (e *Engine) observeDagHeads(_ context.Context, o metric.Observer) error {
	e.mu.Lock()
	channelIDs := make([]ids.ChannelId, 0, len(e.channels))
	for id := range e.channels {
		channelIDs = append(channelIDs, id)
	}
	e.mu.Unlock()

	for _, id := range channelIDs {
		heads := e.dag.GetHeads(id)
		o.ObserveInt64(e.metrics.dagHeads, int64(len(heads)), metric.WithAttributes(attribute.String("channel_id", id.String())))
	}
	return nil
}

// Run drives the event loop until ctx is cancelled: it consumes transport
// events and fires the periodic jittered inventory broadcast.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.jitteredInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-e.transport.Events():
			if !ok {
				return nil
			}
			e.handleEvent(ctx, ev)
		case <-ticker.C:
			e.broadcastInventory(ctx)
			ticker.Reset(e.jitteredInterval())
		}
	}
}

func (e *Engine) jitteredInterval() time.Duration {
	base := float64(e.inventoryInterval)
	jitter := base * 0.2 * (2*rand.Float64() - 1)
	return time.Duration(base + jitter)
}

func (e *Engine) handleEvent(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventPeerConnected:
		e.peers.Connected(ev.Peer)
		e.handlePeerConnected(ctx)
	case EventPeerDisconnected:
		e.peers.Disconnected(ev.Peer)
	case EventFrameReceived:
		e.handleFrame(ctx, ev.Peer, ev.Frame)
	}
}

func (e *Engine) handleFrame(ctx context.Context, from ids.PeerId, f Frame) {
	switch f.Type {
	case FrameChatMessage:
		e.handleChatMessage(ctx, f.ChatMessage)
	case FrameChannelAnnounce, FrameChannelStateResponse, FrameChannelUpdate:
		e.handleChannelFrame(f.Channel)
	case FrameChannelStateRequest:
		e.handleChannelStateRequest(ctx, f.ChannelID)
	case FrameInventoryRequest:
		e.handleInventoryRequest(ctx, f.ChannelID)
	case FrameMessageInventory:
		e.handleMessageInventory(ctx, f.ChannelID, f.InventoryMessageIDs)
	case FrameMessageRequest:
		e.handleMessageRequest(ctx, f.ChannelID, f.MessageIDs)
	case FrameMessageResponse:
		e.handleMessageResponse(ctx, f.ChannelID, f.Messages)
	default:
		e.metrics.framesDropped.Add(ctx, 1)
		slog.Warn("dropped frame with unknown type", "peer", from.String())
	}
}

// SendLocal authors a new message for channel addressed with the current
// heads as parents, stamps it with fresh clocks, persists and admits it,
// then broadcasts it as ChatMessage.
func (e *Engine) SendLocal(ctx context.Context, channelID ids.ChannelId, content []byte) (*dag.Message, error) {
	e.mu.Lock()
	heads := e.dag.GetHeads(channelID)
	e.vectorClock.Increment(e.self)
	vcSnapshot := e.vectorClock.Clone()
	e.lamport++
	lamport := e.lamport
	e.mu.Unlock()

	m := dag.NewMessage(channelID, e.self, content, vcSnapshot, lamport, heads)

	if err := e.repo.PutMessage(m); err != nil {
		return nil, err
	}
	if err := e.dag.AddMessage(m); err != nil {
		return nil, err
	}

	e.metrics.messagesAdmitted.Add(ctx, 1)
	e.broadcast(ctx, Frame{Type: FrameChatMessage, ChannelID: channelID, ChatMessage: m})
	return m, nil
}

// CreateChannel creates a new Group channel owned by this replica, admits
// it locally and broadcasts a ChannelAnnounce so peers learn of it without
// waiting on the next inventory round.
func (e *Engine) CreateChannel(ctx context.Context, name string) (*channel.Channel, error) {
	c := channel.New(name, e.self, e.hlc)
	return c, e.adoptAndAnnounce(ctx, c)
}

// CreatePeerToPeerChannel creates a direct channel with remote, admits it
// locally and broadcasts its announce.
func (e *Engine) CreatePeerToPeerChannel(ctx context.Context, remote ids.PeerId) (*channel.Channel, error) {
	c := channel.NewPeerToPeer(e.self, remote, e.hlc)
	return c, e.adoptAndAnnounce(ctx, c)
}

func (e *Engine) adoptAndAnnounce(ctx context.Context, c *channel.Channel) error {
	e.mu.Lock()
	e.channels[c.ID] = c
	e.mu.Unlock()

	if err := e.repo.PutChannel(c); err != nil {
		return err
	}
	e.broadcast(ctx, Frame{Type: FrameChannelAnnounce, ChannelID: c.ID, Channel: c})
	return nil
}

func (e *Engine) handleChatMessage(ctx context.Context, m *dag.Message) {
	if m == nil {
		e.metrics.framesDropped.Add(ctx, 1)
		return
	}

	e.mu.Lock()
	_, known := e.channels[m.ChannelID]
	_, alreadyRequested := e.placeholderRequested[m.ChannelID]
	if !known {
		ph := channel.Placeholder(m.ChannelID, m.ChannelID.String(), m.Author, e.hlc)
		e.channels[m.ChannelID] = ph
		if err := e.repo.PutChannel(ph); err != nil {
			slog.Warn("persist placeholder channel failed", "error", err)
		}
	}
	e.mu.Unlock()

	if !known && !alreadyRequested {
		e.mu.Lock()
		e.placeholderRequested[m.ChannelID] = struct{}{}
		e.mu.Unlock()
		e.broadcast(ctx, Frame{Type: FrameChannelStateRequest, ChannelID: m.ChannelID})
	}

	if err := e.repo.PutMessage(m); err != nil {
		slog.Warn("persist inbound message failed", "error", err)
		return
	}

	e.mu.Lock()
	e.vectorClock.Merge(m.VectorClock)
	if m.LamportTimestamp > e.lamport {
		e.lamport = m.LamportTimestamp
	}
	e.lamport++
	e.mu.Unlock()

	if e.dag.HasMessage(m.ID) {
		return
	}
	if err := e.dag.AddMessage(m); err != nil {
		var mpe *dag.MissingParentError
		if errors.As(err, &mpe) {
			e.metrics.missingParent.Add(ctx, 1)
			return
		}
		slog.Warn("admission failed", "error", err)
		return
	}
	e.metrics.messagesAdmitted.Add(ctx, 1)
}

func (e *Engine) handleChannelFrame(c *channel.Channel) {
	if c == nil {
		return
	}
	c.Attach(e.hlc)
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.channels[c.ID]; ok {
		existing.Merge(c)
		e.metrics.channelMerges.Add(context.Background(), 1)
		if err := e.repo.PutChannel(existing); err != nil {
			slog.Warn("persist merged channel failed", "error", err)
		}
		return
	}
	e.channels[c.ID] = c
	if err := e.repo.PutChannel(c); err != nil {
		slog.Warn("persist channel failed", "error", err)
	}
}

func (e *Engine) handleChannelStateRequest(ctx context.Context, id ids.ChannelId) {
	e.mu.Lock()
	c, ok := e.channels[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	e.broadcast(ctx, Frame{Type: FrameChannelStateResponse, ChannelID: id, Channel: c})
}

func (e *Engine) handlePeerConnected(ctx context.Context) {
	e.mu.Lock()
	channelIDs := make([]ids.ChannelId, 0, len(e.channels))
	for id := range e.channels {
		channelIDs = append(channelIDs, id)
	}
	e.mu.Unlock()

	for _, id := range channelIDs {
		e.broadcast(ctx, Frame{Type: FrameInventoryRequest, ChannelID: id})
	}
}

func (e *Engine) handleInventoryRequest(ctx context.Context, channelID ids.ChannelId) {
	mine := SortedMessageIDs(e.dag.AllMessageIdsForChannel(channelID))
	e.broadcast(ctx, Frame{Type: FrameMessageInventory, ChannelID: channelID, InventoryMessageIDs: mine})
}

func (e *Engine) handleMessageInventory(ctx context.Context, channelID ids.ChannelId, theirs []ids.MessageId) {
	have := make(map[ids.MessageId]struct{})
	for _, id := range e.dag.AllMessageIdsForChannel(channelID) {
		have[id] = struct{}{}
	}
	var missing []ids.MessageId
	for _, id := range theirs {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return
	}
	e.broadcast(ctx, Frame{Type: FrameMessageRequest, ChannelID: channelID, MessageIDs: SortedMessageIDs(missing)})
}

func (e *Engine) handleMessageRequest(ctx context.Context, channelID ids.ChannelId, requested []ids.MessageId) {
	msgs, err := e.repo.GetMessagesByIDs(requested)
	if err != nil {
		slog.Warn("load requested messages failed", "error", err)
		return
	}
	e.broadcast(ctx, Frame{Type: FrameMessageResponse, ChannelID: channelID, Messages: msgs})
}

func (e *Engine) handleMessageResponse(ctx context.Context, channelID ids.ChannelId, ms []*dag.Message) {
	if len(ms) == 0 {
		return
	}
	if err := e.repo.PutMessages(ms); err != nil {
		slog.Warn("bulk persist messages failed", "error", err)
		return
	}
	// Retry messages whose parents arrive later in the same batch until a
	// pass admits nothing new.
	pending := ms
	for len(pending) > 0 {
		var deferred []*dag.Message
		for _, m := range pending {
			if e.dag.HasMessage(m.ID) {
				continue
			}
			if err := e.dag.AddMessage(m); err != nil {
				var mpe *dag.MissingParentError
				if errors.As(err, &mpe) {
					deferred = append(deferred, m)
					continue
				}
				slog.Warn("admission failed", "error", err)
				continue
			}
			e.metrics.messagesAdmitted.Add(ctx, 1)
		}
		if len(deferred) == len(pending) {
			e.metrics.missingParent.Add(ctx, int64(len(deferred)))
			break
		}
		pending = deferred
	}

	missing := e.dag.FindMissingMessagesInChannel(channelID)
	if len(missing) > 0 {
		e.broadcast(ctx, Frame{Type: FrameMessageRequest, ChannelID: channelID, MessageIDs: SortedMessageIDs(missing)})
	}
}

func (e *Engine) broadcastInventory(ctx context.Context) {
	start := time.Now()
	defer func() {
		e.metrics.inventoryRoundMs.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	e.mu.Lock()
	channelIDs := make([]ids.ChannelId, 0, len(e.channels))
	for id := range e.channels {
		channelIDs = append(channelIDs, id)
	}
	e.mu.Unlock()

	if len(e.peers.ActivePeers()) == 0 {
		return
	}

	for _, id := range channelIDs {
		mine := SortedMessageIDs(e.dag.AllMessageIdsForChannel(id))
		e.broadcast(ctx, Frame{Type: FrameMessageInventory, ChannelID: id, InventoryMessageIDs: mine})
	}
}
