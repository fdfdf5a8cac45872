package syncengine

import (
	"context"
	"sync"

	"github.com/burrowmesh/replicacore/internal/channel"
	"github.com/burrowmesh/replicacore/internal/dag"
	"github.com/burrowmesh/replicacore/internal/ids"
)

type memRepository struct {
	mu       sync.Mutex
	messages map[ids.MessageId]*dag.Message
	channels map[ids.ChannelId]*channel.Channel
}

func newMemRepository() *memRepository {
	return &memRepository{
		messages: make(map[ids.MessageId]*dag.Message),
		channels: make(map[ids.ChannelId]*channel.Channel),
	}
}

func (r *memRepository) PutMessage(m *dag.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[m.ID] = m
	return nil
}

func (r *memRepository) PutMessages(ms []*dag.Message) error {
	for _, m := range ms {
		if err := r.PutMessage(m); err != nil {
			return err
		}
	}
	return nil
}

func (r *memRepository) GetMessage(id ids.MessageId) (*dag.Message, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	return m, ok, nil
}

func (r *memRepository) GetChannelMessages(channelID ids.ChannelId) ([]*dag.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*dag.Message
	for _, m := range r.messages {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memRepository) GetChannelMessageIDs(channelID ids.ChannelId) ([]ids.MessageId, error) {
	msgs, _ := r.GetChannelMessages(channelID)
	out := make([]ids.MessageId, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out, nil
}

func (r *memRepository) GetMessagesByIDs(requested []ids.MessageId) ([]*dag.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*dag.Message
	for _, id := range requested {
		if m, ok := r.messages[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memRepository) PutChannel(c *channel.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.ID] = c
	return nil
}

func (r *memRepository) GetChannel(id ids.ChannelId) (*channel.Channel, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[id]
	return c, ok, nil
}

func (r *memRepository) ListChannels() ([]*channel.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*channel.Channel, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c)
	}
	return out, nil
}

func (r *memRepository) DeleteChannel(id ids.ChannelId) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.channels, id)
	return nil
}

type recordingTransport struct {
	mu     sync.Mutex
	sent   []Frame
	events chan Event
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{events: make(chan Event, 64)}
}

func (t *recordingTransport) Broadcast(ctx context.Context, f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, f)
	return nil
}

func (t *recordingTransport) Events() <-chan Event { return t.events }

func (t *recordingTransport) Sent() []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Frame, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *recordingTransport) lastOfType(ft FrameType) (Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.sent) - 1; i >= 0; i-- {
		if t.sent[i].Type == ft {
			return t.sent[i], true
		}
	}
	return Frame{}, false
}
