// Package channel implements the Channel CRDT: replicated channel metadata
// that converges under concurrent rename and membership edits.
package channel

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/burrowmesh/replicacore/internal/clock"
	"github.com/burrowmesh/replicacore/internal/crdt"
	"github.com/burrowmesh/replicacore/internal/ids"
)

// ErrUnknownChannel names the error of referring to a channel id this
// replica has no local record of, placeholder or otherwise. No operation in
// this module returns it.
var ErrUnknownChannel = errors.New("channel not known locally")

// Type distinguishes a direct peer-to-peer conversation from a multi-member
// group.
type Type int

const (
	PeerToPeer Type = iota
	Group
)

func (t Type) String() string {
	if t == PeerToPeer {
		return "peer_to_peer"
	}
	return "group"
}

func (t Type) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "peer_to_peer":
		*t = PeerToPeer
	case "group":
		*t = Group
	default:
		return fmt.Errorf("channel: unknown type %q", s)
	}
	return nil
}

// Channel composes a LWWRegister for the display name and an ORSet for
// membership, both driven by the owning peer's hybrid logical clock.
// Mutation only ever happens through the typed operations below; merge is
// the sole path by which remote state is admitted.
type Channel struct {
	ID        ids.ChannelId
	Name      *crdt.LWWRegister[string]
	ChanType  Type
	Members   *crdt.ORSet[ids.PeerId]
	CreatedAt time.Time
	hlc       *clock.HybridLogicalClock
}

// New creates a Group channel with creator as the sole initial member.
func New(name string, creator ids.PeerId, hlc *clock.HybridLogicalClock) *Channel {
	c := &Channel{
		ID:        ids.NewChannelId(),
		Name:      crdt.NewLWWRegister(""),
		ChanType:  Group,
		Members:   crdt.NewORSet[ids.PeerId](),
		CreatedAt: time.Now().UTC(),
		hlc:       hlc,
	}
	c.Name.Set(name, hlc.Tick())
	c.Members.Add(creator)
	return c
}

// NewPeerToPeer creates a direct channel between self and remote, named
// after the remote peer since that is the only identity a P2P channel
// needs to display.
func NewPeerToPeer(self, remote ids.PeerId, hlc *clock.HybridLogicalClock) *Channel {
	c := &Channel{
		ID:        ids.NewChannelId(),
		Name:      crdt.NewLWWRegister(""),
		ChanType:  PeerToPeer,
		Members:   crdt.NewORSet[ids.PeerId](),
		CreatedAt: time.Now().UTC(),
		hlc:       hlc,
	}
	c.Name.Set(remote.String(), hlc.Tick())
	c.Members.Add(self)
	c.Members.Add(remote)
	return c
}

// Placeholder constructs a channel known only by reference: a message
// arrived naming a channel this replica has never heard announced. It
// carries no members until a ChannelAnnounce or ChannelStateResponse
// merges in the real metadata.
func Placeholder(id ids.ChannelId, name string, creator ids.PeerId, hlc *clock.HybridLogicalClock) *Channel {
	c := &Channel{
		ID:        id,
		Name:      crdt.NewLWWRegister(""),
		ChanType:  Group,
		Members:   crdt.NewORSet[ids.PeerId](),
		CreatedAt: time.Now().UTC(),
		hlc:       hlc,
	}
	c.Name.Set(name, hlc.Tick())
	return c
}

// SetName updates the display name under a fresh HLC tick.
func (c *Channel) SetName(name string) {
	c.Name.Set(name, c.hlc.Tick())
}

// AddMember adds peer to the membership set.
func (c *Channel) AddMember(peer ids.PeerId) {
	c.Members.Add(peer)
	c.hlc.Tick()
}

// RemoveMember removes peer from the membership set.
func (c *Channel) RemoveMember(peer ids.PeerId) {
	c.Members.Remove(peer)
	c.hlc.Tick()
}

// GetName returns the current display name.
func (c *Channel) GetName() string {
	name, _ := c.Name.Get()
	return name
}

// GetMembers returns the currently present members.
func (c *Channel) GetMembers() []ids.PeerId {
	return c.Members.Elements()
}

// Attach binds the local replica's clock to a channel that was constructed
// without one, such as one just decoded from storage. It must be called
// before SetName, AddMember or RemoveMember on a restored Channel.
func (c *Channel) Attach(hlc *clock.HybridLogicalClock) {
	c.hlc = hlc
}

// Merge folds other's name, membership and clock state into c. Two
// channels with identical id that have merged each other's full operation
// history converge to bitwise-equal name and member set.
func (c *Channel) Merge(other *Channel) {
	c.Name.Merge(other.Name)
	c.Members.Merge(other.Members)
	c.hlc.Update(other.hlc.Latest())
}
