package crdt

import (
	"encoding/json"

	"github.com/burrowmesh/replicacore/internal/clock"
	"github.com/google/uuid"
)

// MarshalText renders a Tag as a canonical UUID string so ORSet snapshots
// serialize self-describingly, the same requirement the wire frames place
// on MessageId sets.
func (t Tag) MarshalText() ([]byte, error) { return uuid.UUID(t).MarshalText() }

func (t *Tag) UnmarshalText(b []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(b); err != nil {
		return err
	}
	*t = Tag(u)
	return nil
}

type lwwRegisterJSON[T any] struct {
	Value     T               `json:"value"`
	Timestamp clock.Timestamp `json:"timestamp"`
}

// MarshalJSON persists the full (value, timestamp) pair so a restored
// register still rejects stale writes exactly as it would have pre-restart.
func (r *LWWRegister[T]) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return json.Marshal(lwwRegisterJSON[T]{Value: r.value, Timestamp: r.timestamp})
}

func (r *LWWRegister[T]) UnmarshalJSON(data []byte) error {
	var decoded lwwRegisterJSON[T]
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.value = decoded.Value
	r.timestamp = decoded.Timestamp
	return nil
}

// MarshalJSON persists every add-tag per element, not just the flattened
// present/absent view, so a restored ORSet still honors "concurrent add
// beats observed remove" against tags it had not yet merged at shutdown.
func (s *ORSet[T]) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[T][]Tag, len(s.tags))
	for element, tagset := range s.tags {
		tags := make([]Tag, 0, len(tagset))
		for tag := range tagset {
			tags = append(tags, tag)
		}
		out[element] = tags
	}
	return json.Marshal(out)
}

func (s *ORSet[T]) UnmarshalJSON(data []byte) error {
	var decoded map[T][]Tag
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tags = make(map[T]map[Tag]struct{}, len(decoded))
	for element, tags := range decoded {
		set := make(map[Tag]struct{}, len(tags))
		for _, tag := range tags {
			set[tag] = struct{}{}
		}
		s.tags[element] = set
	}
	return nil
}
