// Package ids defines the 128-bit identifier types used across the
// replication core: PeerId, ChannelId and MessageId.
package ids

import (
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
)

// PeerId identifies a participant. It is derived deterministically from
// the peer's long-term public key, never generated at random.
type PeerId uuid.UUID

// PeerIdFromPublicKey takes the first 16 bytes of the encoded public key,
// zero-padding if the key is shorter than 16 bytes. Keys longer than 16
// bytes are hashed first so the derivation stays deterministic and
// collision-resistant regardless of key scheme.
func PeerIdFromPublicKey(pub []byte) PeerId {
	var raw [16]byte
	if len(pub) <= 16 {
		copy(raw[:], pub)
	} else {
		sum := sha256.Sum256(pub)
		copy(raw[:], sum[:16])
	}
	return PeerId(raw)
}

func (p PeerId) String() string { return uuid.UUID(p).String() }

// ChannelId is a time-ordered 128-bit identifier, monotonic per generator
// and globally unique with high probability.
type ChannelId uuid.UUID

// NewChannelId mints a fresh time-ordered channel identifier.
func NewChannelId() ChannelId {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return ChannelId(id)
}

func (c ChannelId) String() string { return uuid.UUID(c).String() }

// MessageId is a time-ordered 128-bit identifier. Because it is
// time-ordered, comparing two MessageIds as byte slices also orders them
// by creation time, which the DAG's topological sort tie-break relies on.
type MessageId uuid.UUID

// NewMessageId mints a fresh time-ordered message identifier.
func NewMessageId() MessageId {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return MessageId(id)
}

func (m MessageId) String() string { return uuid.UUID(m).String() }

// Compare orders two MessageIds; both are time-ordered UUIDv7s so this
// also orders by creation time, breaking topological-sort ties
// deterministically.
func (m MessageId) Compare(other MessageId) int {
	a, b := uuid.UUID(m), uuid.UUID(other)
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether m sorts before other.
func (m MessageId) Less(other MessageId) bool { return m.Compare(other) < 0 }

// ParsePeerId parses a canonical UUID string into a PeerId.
func ParsePeerId(s string) (PeerId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PeerId{}, fmt.Errorf("parse peer id: %w", err)
	}
	return PeerId(u), nil
}

// ParseChannelId parses a canonical UUID string into a ChannelId.
func ParseChannelId(s string) (ChannelId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ChannelId{}, fmt.Errorf("parse channel id: %w", err)
	}
	return ChannelId(u), nil
}

// ParseMessageId parses a canonical UUID string into a MessageId.
func ParseMessageId(s string) (MessageId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return MessageId{}, fmt.Errorf("parse message id: %w", err)
	}
	return MessageId(u), nil
}

// MarshalText implements encoding.TextMarshaler so these ids serialize as
// canonical UUID strings in JSON, which is self-describing and keeps
// HashSet<MessageId>-style payloads trivially sortable for dedup at the
// transport layer.
func (p PeerId) MarshalText() ([]byte, error) { return uuid.UUID(p).MarshalText() }

func (p *PeerId) UnmarshalText(b []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(b); err != nil {
		return err
	}
	*p = PeerId(u)
	return nil
}

func (c ChannelId) MarshalText() ([]byte, error) { return uuid.UUID(c).MarshalText() }

func (c *ChannelId) UnmarshalText(b []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(b); err != nil {
		return err
	}
	*c = ChannelId(u)
	return nil
}

func (m MessageId) MarshalText() ([]byte, error) { return uuid.UUID(m).MarshalText() }

func (m *MessageId) UnmarshalText(b []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(b); err != nil {
		return err
	}
	*m = MessageId(u)
	return nil
}
