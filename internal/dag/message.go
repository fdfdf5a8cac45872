package dag

import (
	"time"

	"github.com/burrowmesh/replicacore/internal/clock"
	"github.com/burrowmesh/replicacore/internal/ids"
)

// Message is immutable once constructed: a causally-ordered unit of
// conversation content addressed to a single channel.
type Message struct {
	ID               ids.MessageId
	ChannelID        ids.ChannelId
	Author           ids.PeerId
	Content          []byte
	VectorClock      *clock.VectorClock
	LamportTimestamp uint64
	ParentHashes     []ids.MessageId
	CreatedAt        time.Time
}

// NewMessage constructs a message authored locally. vc must already have
// the author's entry incremented by the caller so the embedded snapshot
// reflects "after incrementing the author's entry" per the causal data
// model; lamport is the author's own monotonic counter.
func NewMessage(channel ids.ChannelId, author ids.PeerId, content []byte, vc *clock.VectorClock, lamport uint64, parents []ids.MessageId) *Message {
	return &Message{
		ID:               ids.NewMessageId(),
		ChannelID:        channel,
		Author:           author,
		Content:          content,
		VectorClock:      vc,
		LamportTimestamp: lamport,
		ParentHashes:     parents,
		CreatedAt:        time.Now().UTC(),
	}
}
