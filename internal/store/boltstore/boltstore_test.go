package boltstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/burrowmesh/replicacore/internal/channel"
	"github.com/burrowmesh/replicacore/internal/clock"
	"github.com/burrowmesh/replicacore/internal/dag"
	"github.com/burrowmesh/replicacore/internal/ids"
)

func openTestStore(t *testing.T) (*Store, *clock.HybridLogicalClock) {
	t.Helper()
	peer := ids.PeerIdFromPublicKey([]byte("boltstore-test-peer"))
	hlc := clock.NewHybridLogicalClock(peer)
	path := filepath.Join(t.TempDir(), "replica.db")
	store, err := Open(path, hlc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, hlc
}

func TestPutGetMessageRoundTrips(t *testing.T) {
	store, hlc := openTestStore(t)
	author := ids.PeerIdFromPublicKey([]byte("author"))
	ch := ids.NewChannelId()

	vc := clock.NewVectorClock()
	vc.Increment(author)
	msg := dag.NewMessage(ch, author, []byte("hello"), vc, 1, nil)

	require.NoError(t, store.PutMessage(msg))

	got, ok, err := store.GetMessage(msg.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.Content, got.Content)
	assert.Equal(t, uint64(1), got.VectorClock.Get(author))
	_ = hlc
}

func TestGetMessageUnknownIsNotFoundNotError(t *testing.T) {
	store, _ := openTestStore(t)
	_, ok, err := store.GetMessage(ids.NewMessageId())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChannelMessageIndexScopesByChannel(t *testing.T) {
	store, _ := openTestStore(t)
	author := ids.PeerIdFromPublicKey([]byte("author"))
	chanA := ids.NewChannelId()
	chanB := ids.NewChannelId()

	vc := clock.NewVectorClock()
	vc.Increment(author)
	m1 := dag.NewMessage(chanA, author, []byte("a1"), vc, 1, nil)
	m2 := dag.NewMessage(chanA, author, []byte("a2"), vc, 2, nil)
	m3 := dag.NewMessage(chanB, author, []byte("b1"), vc, 1, nil)

	require.NoError(t, store.PutMessages([]*dag.Message{m1, m2, m3}))

	aIDs, err := store.GetChannelMessageIDs(chanA)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ids.MessageId{m1.ID, m2.ID}, aIDs)

	bMessages, err := store.GetChannelMessages(chanB)
	require.NoError(t, err)
	require.Len(t, bMessages, 1)
	assert.Equal(t, m3.ID, bMessages[0].ID)
}

func TestPutChannelThenGetChannelServesFromCache(t *testing.T) {
	store, hlc := openTestStore(t)
	creator := ids.PeerIdFromPublicKey([]byte("creator"))
	c := channel.New("general", creator, hlc)

	require.NoError(t, store.PutChannel(c))

	got, ok, err := store.GetChannel(c.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "general", got.GetName())
	assert.ElementsMatch(t, c.GetMembers(), got.GetMembers())
}

func TestGetChannelFallsBackToDiskOnColdCache(t *testing.T) {
	peer := ids.PeerIdFromPublicKey([]byte("cold-cache-peer"))
	hlc := clock.NewHybridLogicalClock(peer)
	path := filepath.Join(t.TempDir(), "replica.db")

	store1, err := Open(path, hlc)
	require.NoError(t, err)
	c := channel.New("reopen-me", peer, hlc)
	require.NoError(t, store1.PutChannel(c))
	require.NoError(t, store1.Close())

	store2, err := Open(path, clock.NewHybridLogicalClock(peer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store2.Close() })

	// Open warms the cache; evict the entry so the lookup has to read disk.
	store2.mu.Lock()
	delete(store2.channelCache, c.ID)
	store2.mu.Unlock()

	got, ok, err := store2.GetChannel(c.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "reopen-me", got.GetName())
}

func TestRestoredChannelCanBeMutatedAfterAttach(t *testing.T) {
	peer := ids.PeerIdFromPublicKey([]byte("mutate-after-restore"))
	hlc := clock.NewHybridLogicalClock(peer)
	path := filepath.Join(t.TempDir(), "replica.db")

	store1, err := Open(path, hlc)
	require.NoError(t, err)
	c := channel.New("team", peer, hlc)
	require.NoError(t, store1.PutChannel(c))
	require.NoError(t, store1.Close())

	store2, err := Open(path, clock.NewHybridLogicalClock(peer))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store2.Close() })

	restored, ok, err := store2.GetChannel(c.ID)
	require.NoError(t, err)
	require.True(t, ok)

	assert.NotPanics(t, func() { restored.SetName("renamed-team") })
	assert.Equal(t, "renamed-team", restored.GetName())
}

func TestListChannelsReflectsAllPuts(t *testing.T) {
	store, hlc := openTestStore(t)
	creator := ids.PeerIdFromPublicKey([]byte("creator"))
	c1 := channel.New("one", creator, hlc)
	c2 := channel.New("two", creator, hlc)

	require.NoError(t, store.PutChannel(c1))
	require.NoError(t, store.PutChannel(c2))

	all, err := store.ListChannels()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteChannelArchivesBeforeRemoving(t *testing.T) {
	store, hlc := openTestStore(t)
	creator := ids.PeerIdFromPublicKey([]byte("creator"))
	c := channel.New("to-delete", creator, hlc)
	require.NoError(t, store.PutChannel(c))

	require.NoError(t, store.DeleteChannel(c.ID))

	_, ok, err := store.GetChannel(c.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	var archivedCount int
	err = store.db.View(func(tx *bbolt.Tx) error {
		archivedCount = tx.Bucket(bucketChannelArchive).Stats().KeyN
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, archivedCount)
}

func TestPruneBeforeRemovesOnlyStaleMessages(t *testing.T) {
	store, _ := openTestStore(t)
	author := ids.PeerIdFromPublicKey([]byte("author"))
	ch := ids.NewChannelId()
	vc := clock.NewVectorClock()

	old := dag.NewMessage(ch, author, []byte("old"), vc, 1, nil)
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	fresh := dag.NewMessage(ch, author, []byte("fresh"), vc, 2, nil)

	require.NoError(t, store.PutMessages([]*dag.Message{old, fresh}))

	pruned, err := store.PruneBefore(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	_, ok, err := store.GetMessage(old.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.GetMessage(fresh.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}
