// Package dag maintains the per-channel causal message DAG: admission with
// parent validation, bulk relaxed loading for recovery, deterministic
// topological ordering, and gap detection for the gossip layer.
package dag

import (
	"fmt"
	"sort"
	"sync"

	"github.com/burrowmesh/replicacore/internal/ids"
)

// MissingParentError reports that a message was rejected because one of
// its declared parents is not yet present. The sync engine is expected to
// fetch the missing parent via gossip and retry admission.
type MissingParentError struct {
	MessageID     ids.MessageId
	MissingParent ids.MessageId
}

func (e *MissingParentError) Error() string {
	return fmt.Sprintf("message %s references missing parent %s", e.MessageID, e.MissingParent)
}

// MessageDAG tracks, across all channels known to this replica, the
// messages admitted so far, their child relationships, and each channel's
// current frontier of heads.
type MessageDAG struct {
	mu       sync.RWMutex
	messages map[ids.MessageId]*Message
	children map[ids.MessageId]map[ids.MessageId]struct{}
	heads    map[ids.ChannelId]map[ids.MessageId]struct{}
}

// New returns an empty DAG.
func New() *MessageDAG {
	return &MessageDAG{
		messages: make(map[ids.MessageId]*Message),
		children: make(map[ids.MessageId]map[ids.MessageId]struct{}),
		heads:    make(map[ids.ChannelId]map[ids.MessageId]struct{}),
	}
}

// AddMessage admits m, failing with *MissingParentError if any declared
// parent is absent. Re-adding an id already present is a caller error and
// is not guarded against here, matching the admission contract.
func (d *MessageDAG) AddMessage(m *Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, parent := range m.ParentHashes {
		if _, ok := d.messages[parent]; !ok {
			return &MissingParentError{MessageID: m.ID, MissingParent: parent}
		}
	}

	if channelHeads := d.heads[m.ChannelID]; channelHeads != nil {
		for _, parent := range m.ParentHashes {
			delete(channelHeads, parent)
		}
	}

	for _, parent := range m.ParentHashes {
		if d.children[parent] == nil {
			d.children[parent] = make(map[ids.MessageId]struct{})
		}
		d.children[parent][m.ID] = struct{}{}
	}

	if d.heads[m.ChannelID] == nil {
		d.heads[m.ChannelID] = make(map[ids.MessageId]struct{})
	}
	d.heads[m.ChannelID][m.ID] = struct{}{}

	d.messages[m.ID] = m
	return nil
}

// GetHeads returns the current frontier of channel: messages with no
// admitted child.
func (d *MessageDAG) GetHeads(channel ids.ChannelId) []ids.MessageId {
	d.mu.RLock()
	defer d.mu.RUnlock()
	heads := d.heads[channel]
	out := make([]ids.MessageId, 0, len(heads))
	for id := range heads {
		out = append(out, id)
	}
	return out
}

// GetMessage looks up a message by id.
func (d *MessageDAG) GetMessage(id ids.MessageId) (*Message, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.messages[id]
	return m, ok
}

// HasMessage reports whether id is already admitted.
func (d *MessageDAG) HasMessage(id ids.MessageId) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.messages[id]
	return ok
}

// AllMessageIds returns every message id currently held.
func (d *MessageDAG) AllMessageIds() []ids.MessageId {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ids.MessageId, 0, len(d.messages))
	for id := range d.messages {
		out = append(out, id)
	}
	return out
}

// LoadMessages performs relaxed bulk insertion for recovery or full sync:
// every message is stored regardless of parent presence, then heads are
// rebuilt from scratch. Unlike AddMessage this never returns
// MissingParentError; gaps surface later via FindMissingMessages.
func (d *MessageDAG) LoadMessages(ms []*Message) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sorted := make([]*Message, len(ms))
	copy(sorted, ms)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	for _, m := range sorted {
		for _, parent := range m.ParentHashes {
			if _, ok := d.messages[parent]; ok {
				if d.children[parent] == nil {
					d.children[parent] = make(map[ids.MessageId]struct{})
				}
				d.children[parent][m.ID] = struct{}{}
			}
		}
		d.messages[m.ID] = m
	}

	d.heads = make(map[ids.ChannelId]map[ids.MessageId]struct{})
	for id, m := range d.messages {
		if len(d.children[id]) == 0 {
			if d.heads[m.ChannelID] == nil {
				d.heads[m.ChannelID] = make(map[ids.MessageId]struct{})
			}
			d.heads[m.ChannelID][id] = struct{}{}
		}
	}
}

// GetOrderedMessages returns channel's messages in deterministic causal
// order via Kahn's algorithm, tie-broken at every enqueue by
// (LamportTimestamp, MessageId) ascending. For any two messages where one
// is an ancestor of the other, the ancestor always appears first.
func (d *MessageDAG) GetOrderedMessages(channel ids.ChannelId) []*Message {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var subset []*Message
	inSubset := make(map[ids.MessageId]struct{})
	for id, m := range d.messages {
		if m.ChannelID == channel {
			subset = append(subset, m)
			inSubset[id] = struct{}{}
		}
	}
	if len(subset) == 0 {
		return nil
	}

	inDegree := make(map[ids.MessageId]int, len(subset))
	localChildren := make(map[ids.MessageId][]ids.MessageId)

	for _, m := range subset {
		if _, ok := inDegree[m.ID]; !ok {
			inDegree[m.ID] = 0
		}
		for _, parent := range m.ParentHashes {
			if _, ok := inSubset[parent]; ok {
				inDegree[m.ID]++
				localChildren[parent] = append(localChildren[parent], m.ID)
			}
		}
	}

	byKey := func(ids_ []ids.MessageId) {
		sort.Slice(ids_, func(i, j int) bool {
			mi, mj := d.messages[ids_[i]], d.messages[ids_[j]]
			if mi.LamportTimestamp != mj.LamportTimestamp {
				return mi.LamportTimestamp < mj.LamportTimestamp
			}
			return mi.ID.Less(mj.ID)
		})
	}

	var queue []ids.MessageId
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	byKey(queue)

	sorted := make([]*Message, 0, len(subset))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, d.messages[id])

		var ready []ids.MessageId
		for _, child := range localChildren[id] {
			inDegree[child]--
			if inDegree[child] == 0 {
				ready = append(ready, child)
			}
		}
		byKey(ready)
		queue = append(queue, ready...)
	}

	return sorted
}

// FindMissingMessages returns exactly the set of MessageIds referenced as
// a parent by some stored message but not themselves present.
func (d *MessageDAG) FindMissingMessages() []ids.MessageId {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.findMissingLocked(nil)
}

// FindMissingMessagesInChannel restricts gap detection to messages
// belonging to channel, so the gossip engine can close gaps one channel
// at a time instead of requesting every outstanding ancestor at once.
func (d *MessageDAG) FindMissingMessagesInChannel(channel ids.ChannelId) []ids.MessageId {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.findMissingLocked(&channel)
}

func (d *MessageDAG) findMissingLocked(channel *ids.ChannelId) []ids.MessageId {
	missing := make(map[ids.MessageId]struct{})
	for _, m := range d.messages {
		if channel != nil && m.ChannelID != *channel {
			continue
		}
		for _, parent := range m.ParentHashes {
			if _, ok := d.messages[parent]; !ok {
				missing[parent] = struct{}{}
			}
		}
	}
	out := make([]ids.MessageId, 0, len(missing))
	for id := range missing {
		out = append(out, id)
	}
	return out
}

// AllMessageIdsForChannel returns the ids of every message stored for
// channel, admitted or not — the local inventory advertised to peers.
func (d *MessageDAG) AllMessageIdsForChannel(channel ids.ChannelId) []ids.MessageId {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []ids.MessageId
	for id, m := range d.messages {
		if m.ChannelID == channel {
			out = append(out, id)
		}
	}
	return out
}
