package syncengine

import (
	"context"

	"github.com/burrowmesh/replicacore/internal/channel"
	"github.com/burrowmesh/replicacore/internal/dag"
	"github.com/burrowmesh/replicacore/internal/ids"
)

// Repository is the abstract persistence contract the engine depends on.
// A concrete implementation (internal/store/boltstore) owns durability;
// the engine only requires idempotent puts and point/range reads.
type Repository interface {
	PutMessage(m *dag.Message) error
	PutMessages(ms []*dag.Message) error
	GetMessage(id ids.MessageId) (*dag.Message, bool, error)
	GetChannelMessages(channelID ids.ChannelId) ([]*dag.Message, error)
	GetChannelMessageIDs(channelID ids.ChannelId) ([]ids.MessageId, error)
	GetMessagesByIDs(ids []ids.MessageId) ([]*dag.Message, error)
	PutChannel(c *channel.Channel) error
	GetChannel(id ids.ChannelId) (*channel.Channel, bool, error)
	ListChannels() ([]*channel.Channel, error)
	DeleteChannel(id ids.ChannelId) error
}

// EventKind tags the variant carried by an Event raised by the transport.
type EventKind int

const (
	EventPeerConnected EventKind = iota
	EventPeerDisconnected
	EventFrameReceived
)

// Event is something the transport task observed and is handing to the
// application task: a peer lifecycle change or an inbound frame.
type Event struct {
	Kind  EventKind
	Peer  ids.PeerId
	Frame Frame
}

// Transport is the abstract networking contract. The protocol is fully
// broadcast-style gossip (every frame type in the taxonomy is published,
// never unicast to a specific peer), so the only outbound operation is
// Broadcast; Events delivers everything inbound, FIFO per peer of origin.
type Transport interface {
	Broadcast(ctx context.Context, f Frame) error
	Events() <-chan Event
}
