// Package syncengine implements anti-entropy gossip plus eager broadcast:
// the event-driven loop that brings a replica's DAG and channel set into
// agreement with connected peers.
package syncengine

import (
	"sort"

	"github.com/burrowmesh/replicacore/internal/channel"
	"github.com/burrowmesh/replicacore/internal/dag"
	"github.com/burrowmesh/replicacore/internal/ids"
)

// FrameType tags the variant carried by a Frame.
type FrameType int

const (
	FrameChatMessage FrameType = iota
	FrameChannelAnnounce
	FrameChannelStateRequest
	FrameChannelStateResponse
	FrameChannelUpdate
	FrameMessageInventory
	FrameInventoryRequest
	FrameMessageRequest
	FrameMessageResponse
)

func (t FrameType) String() string {
	switch t {
	case FrameChatMessage:
		return "ChatMessage"
	case FrameChannelAnnounce:
		return "ChannelAnnounce"
	case FrameChannelStateRequest:
		return "ChannelStateRequest"
	case FrameChannelStateResponse:
		return "ChannelStateResponse"
	case FrameChannelUpdate:
		return "ChannelUpdate"
	case FrameMessageInventory:
		return "MessageInventory"
	case FrameInventoryRequest:
		return "InventoryRequest"
	case FrameMessageRequest:
		return "MessageRequest"
	case FrameMessageResponse:
		return "MessageResponse"
	default:
		return "Unknown"
	}
}

// Frame is the broadcast envelope for every gossip message. Exactly one of
// the payload fields is populated, selected by Type. All frames are
// idempotent: replaying one yields the same final state because admission
// is driven by CRDT merge and DAG set-difference, never by frame identity.
type Frame struct {
	Type      FrameType
	ChannelID ids.ChannelId

	ChatMessage         *dag.Message
	Channel             *channel.Channel
	MessageIDs          []ids.MessageId
	Messages            []*dag.Message
	InventoryMessageIDs []ids.MessageId
}

// SortedMessageIDs returns ids sorted ascending so that two replicas
// announcing the same inventory produce byte-identical wire payloads —
// required by the external-interface contract that HashSet<MessageId>
// serializes as a canonical sorted sequence.
func SortedMessageIDs(in []ids.MessageId) []ids.MessageId {
	out := make([]ids.MessageId, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
