package dag

import (
	"testing"

	"github.com/burrowmesh/replicacore/internal/clock"
	"github.com/burrowmesh/replicacore/internal/ids"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(channel ids.ChannelId, author ids.PeerId, lamport uint64, parents []ids.MessageId) *Message {
	vc := clock.NewVectorClock()
	vc.Increment(author)
	return NewMessage(channel, author, []byte("payload"), vc, lamport, parents)
}

func TestAddMessageBasicChain(t *testing.T) {
	d := New()
	channel := ids.NewChannelId()
	author := ids.PeerIdFromPublicKey([]byte{1})

	m1 := testMessage(channel, author, 1, nil)
	m2 := testMessage(channel, author, 2, []ids.MessageId{m1.ID})
	m3 := testMessage(channel, author, 3, []ids.MessageId{m2.ID})

	require.NoError(t, d.AddMessage(m1))
	require.NoError(t, d.AddMessage(m2))
	require.NoError(t, d.AddMessage(m3))

	heads := d.GetHeads(channel)
	require.Len(t, heads, 1)
	assert.Equal(t, m3.ID, heads[0])

	ordered := d.GetOrderedMessages(channel)
	require.Len(t, ordered, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{ordered[0].LamportTimestamp, ordered[1].LamportTimestamp, ordered[2].LamportTimestamp})
}

func TestAddMessageMissingParentRejected(t *testing.T) {
	d := New()
	channel := ids.NewChannelId()
	author := ids.PeerIdFromPublicKey([]byte{1})

	ghostParent := ids.NewMessageId()
	m := testMessage(channel, author, 1, []ids.MessageId{ghostParent})

	err := d.AddMessage(m)
	require.Error(t, err)
	var mpe *MissingParentError
	require.ErrorAs(t, err, &mpe)
	assert.Equal(t, ghostParent, mpe.MissingParent)
	assert.False(t, d.HasMessage(m.ID))
}

func TestConcurrentDivergenceAndMerge(t *testing.T) {
	d := New()
	channel := ids.NewChannelId()
	author := ids.PeerIdFromPublicKey([]byte{1})

	a := testMessage(channel, author, 1, nil)
	require.NoError(t, d.AddMessage(a))

	b := testMessage(channel, author, 2, []ids.MessageId{a.ID})
	c := testMessage(channel, author, 2, []ids.MessageId{a.ID})
	require.NoError(t, d.AddMessage(b))
	require.NoError(t, d.AddMessage(c))

	heads := d.GetHeads(channel)
	assert.Len(t, heads, 2)

	merge := testMessage(channel, author, 3, []ids.MessageId{b.ID, c.ID})
	require.NoError(t, d.AddMessage(merge))

	heads = d.GetHeads(channel)
	require.Len(t, heads, 1)
	assert.Equal(t, merge.ID, heads[0])

	ordered := d.GetOrderedMessages(channel)
	require.Len(t, ordered, 4)
	assert.Equal(t, a.ID, ordered[0].ID)
	assert.Equal(t, merge.ID, ordered[3].ID)

	var bIdx, cIdx int
	for i, m := range ordered {
		if m.ID == b.ID {
			bIdx = i
		}
		if m.ID == c.ID {
			cIdx = i
		}
	}
	if b.ID.Less(c.ID) {
		assert.Less(t, bIdx, cIdx)
	} else {
		assert.Less(t, cIdx, bIdx)
	}
}

func TestOrderedMessagesRespectAncestry(t *testing.T) {
	d := New()
	channel := ids.NewChannelId()
	author := ids.PeerIdFromPublicKey([]byte{1})

	m1 := testMessage(channel, author, 1, nil)
	m2 := testMessage(channel, author, 2, []ids.MessageId{m1.ID})
	m3 := testMessage(channel, author, 3, []ids.MessageId{m2.ID})
	require.NoError(t, d.AddMessage(m1))
	require.NoError(t, d.AddMessage(m2))
	require.NoError(t, d.AddMessage(m3))

	ordered := d.GetOrderedMessages(channel)
	pos := make(map[ids.MessageId]int, len(ordered))
	for i, m := range ordered {
		pos[m.ID] = i
	}
	assert.Less(t, pos[m1.ID], pos[m2.ID])
	assert.Less(t, pos[m2.ID], pos[m3.ID])
}

func TestFindMissingMessagesExact(t *testing.T) {
	d := New()
	channel := ids.NewChannelId()
	author := ids.PeerIdFromPublicKey([]byte{1})

	missingA := ids.NewMessageId()
	missingB := ids.NewMessageId()
	c := testMessage(channel, author, 3, []ids.MessageId{missingA, missingB})
	d.LoadMessages([]*Message{c})

	missing := d.FindMissingMessages()
	assert.ElementsMatch(t, []ids.MessageId{missingA, missingB}, missing)
}

func TestLoadMessagesOutOfOrderRebuildsHeads(t *testing.T) {
	d := New()
	channel := ids.NewChannelId()
	author := ids.PeerIdFromPublicKey([]byte{1})

	m1 := testMessage(channel, author, 1, nil)
	m2 := testMessage(channel, author, 2, []ids.MessageId{m1.ID})
	m3 := testMessage(channel, author, 3, []ids.MessageId{m2.ID})

	d.LoadMessages([]*Message{m3, m1, m2})

	heads := d.GetHeads(channel)
	require.Len(t, heads, 1)
	assert.Equal(t, m3.ID, heads[0])
	assert.Empty(t, d.FindMissingMessages())
}
