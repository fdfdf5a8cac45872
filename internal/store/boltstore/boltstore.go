// Package boltstore implements syncengine.Repository on top of a local
// bbolt database: every message and channel this replica has stored,
// durable across restarts, with a warm in-memory channel cache so the
// engine's hot-path channel lookups never touch disk.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/burrowmesh/replicacore/internal/channel"
	"github.com/burrowmesh/replicacore/internal/clock"
	"github.com/burrowmesh/replicacore/internal/dag"
	"github.com/burrowmesh/replicacore/internal/ids"
)

var (
	bucketMessages       = []byte("messages")
	bucketChannelIndex   = []byte("channel_messages")
	bucketChannels       = []byte("channels")
	bucketChannelArchive = []byte("channels_archive")
)

// Store persists the replication core's durable state: every message handed
// to it, admitted into the DAG or not, and the current Channel CRDT state, one JSON document
// per key. Deleted channels are archived, never hard-dropped, so a replica
// that mistakenly merges a tombstoned channel id back in can still recover
// the metadata it once held.
type Store struct {
	db  *bbolt.DB
	hlc *clock.HybridLogicalClock

	mu           sync.RWMutex
	channelCache map[ids.ChannelId]*channel.Channel

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open creates or opens a bbolt database at dbPath and warms the channel
// cache from its current contents. hlc is attached to every Channel this
// store hands back, since Channel.SetName/AddMember/RemoveMember need a
// clock and that field never survives the JSON round trip.
func Open(dbPath string, hlc *clock.HybridLogicalClock) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dbPath, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketMessages, bucketChannelIndex, bucketChannels, bucketChannelArchive} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	meter := otel.Meter("burrow-go")
	readLatency, _ := meter.Float64Histogram("replica_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("replica_store_write_ms")
	cacheHits, _ := meter.Int64Counter("replica_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("replica_store_cache_misses_total")

	s := &Store{
		db:           db,
		hlc:          hlc,
		channelCache: make(map[ids.ChannelId]*channel.Channel),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}

	if err := s.warmChannelCache(); err != nil {
		db.Close()
		return nil, fmt.Errorf("warm channel cache: %w", err)
	}

	return s, nil
}

func (s *Store) warmChannelCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketChannels)
		return bucket.ForEach(func(key, data []byte) error {
			c, err := decodeChannel(data, s.hlc)
			if err != nil {
				return fmt.Errorf("decode channel %q: %w", key, err)
			}
			s.channelCache[c.ID] = c
			return nil
		})
	})
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) recordWrite(op string, start time.Time) {
	s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("operation", op)))
}

func (s *Store) recordRead(op string, start time.Time) {
	s.readLatency.Record(context.Background(), float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("operation", op)))
}

// PutMessage stores m and records it in its channel's id index.
func (s *Store) PutMessage(m *dag.Message) error {
	return s.PutMessages([]*dag.Message{m})
}

// PutMessages stores ms atomically. Messages are keyed by id, so a
// re-delivered message simply overwrites its own unchanged encoding.
func (s *Store) PutMessages(ms []*dag.Message) error {
	start := time.Now()
	defer s.recordWrite("put_messages", start)

	return s.db.Update(func(tx *bbolt.Tx) error {
		messages := tx.Bucket(bucketMessages)
		channelIndex := tx.Bucket(bucketChannelIndex)
		for _, m := range ms {
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("marshal message %s: %w", m.ID, err)
			}
			if err := messages.Put(messageKey(m.ID), data); err != nil {
				return err
			}
			indexKey := channelMessageKey(m.ChannelID, m.ID)
			if err := channelIndex.Put(indexKey, []byte{}); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetMessage looks up a single message by id.
func (s *Store) GetMessage(id ids.MessageId) (*dag.Message, bool, error) {
	start := time.Now()
	defer s.recordRead("get_message", start)

	var m *dag.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMessages).Get(messageKey(id))
		if data == nil {
			return nil
		}
		decoded := new(dag.Message)
		if err := json.Unmarshal(data, decoded); err != nil {
			return fmt.Errorf("unmarshal message %s: %w", id, err)
		}
		m = decoded
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return m, m != nil, nil
}

// GetMessagesByIDs resolves a batch of message ids, silently skipping any
// that are no longer present (e.g. pruned).
func (s *Store) GetMessagesByIDs(requested []ids.MessageId) ([]*dag.Message, error) {
	start := time.Now()
	defer s.recordRead("get_messages_by_ids", start)

	out := make([]*dag.Message, 0, len(requested))
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMessages)
		for _, id := range requested {
			data := bucket.Get(messageKey(id))
			if data == nil {
				continue
			}
			decoded := new(dag.Message)
			if err := json.Unmarshal(data, decoded); err != nil {
				return fmt.Errorf("unmarshal message %s: %w", id, err)
			}
			out = append(out, decoded)
		}
		return nil
	})
	return out, err
}

// GetChannelMessageIDs returns every message id recorded against channelID.
func (s *Store) GetChannelMessageIDs(channelID ids.ChannelId) ([]ids.MessageId, error) {
	start := time.Now()
	defer s.recordRead("get_channel_message_ids", start)

	prefix := channelMessagePrefix(channelID)
	var out []ids.MessageId
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketChannelIndex).Cursor()
		for key, _ := cursor.Seek(prefix); key != nil && hasPrefix(key, prefix); key, _ = cursor.Next() {
			id, err := ids.ParseMessageId(string(key[len(prefix):]))
			if err != nil {
				return fmt.Errorf("parse indexed message id: %w", err)
			}
			out = append(out, id)
		}
		return nil
	})
	return out, err
}

// GetChannelMessages resolves every message recorded against channelID.
func (s *Store) GetChannelMessages(channelID ids.ChannelId) ([]*dag.Message, error) {
	messageIDs, err := s.GetChannelMessageIDs(channelID)
	if err != nil {
		return nil, err
	}
	return s.GetMessagesByIDs(messageIDs)
}

// PutChannel persists c's current CRDT state and refreshes the warm cache.
func (s *Store) PutChannel(c *channel.Channel) error {
	start := time.Now()
	defer s.recordWrite("put_channel", start)

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal channel %s: %w", c.ID, err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChannels).Put(channelKey(c.ID), data)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.channelCache[c.ID] = c
	s.mu.Unlock()
	return nil
}

// GetChannel returns the Channel for id, from the cache when present and
// otherwise from disk. A channel decoded from disk gets this store's local
// clock attached; a cached channel is returned as it was put.
func (s *Store) GetChannel(id ids.ChannelId) (*channel.Channel, bool, error) {
	start := time.Now()
	defer s.recordRead("get_channel", start)

	s.mu.RLock()
	c, ok := s.channelCache[id]
	s.mu.RUnlock()
	if ok {
		s.cacheHits.Add(context.Background(), 1)
		return c, true, nil
	}
	s.cacheMisses.Add(context.Background(), 1)

	var decoded *channel.Channel
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketChannels).Get(channelKey(id))
		if data == nil {
			return nil
		}
		c, err := decodeChannel(data, s.hlc)
		if err != nil {
			return fmt.Errorf("unmarshal channel %s: %w", id, err)
		}
		decoded = c
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if decoded == nil {
		return nil, false, nil
	}

	s.mu.Lock()
	s.channelCache[id] = decoded
	s.mu.Unlock()
	return decoded, true, nil
}

// ListChannels returns every channel currently known, served entirely from
// the warm cache.
func (s *Store) ListChannels() ([]*channel.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*channel.Channel, 0, len(s.channelCache))
	for _, c := range s.channelCache {
		out = append(out, c)
	}
	return out, nil
}

// DeleteChannel soft-deletes id: the current state is archived under a
// timestamped key before the live record is removed, so a misfired delete
// is always recoverable from the archive bucket by an operator.
func (s *Store) DeleteChannel(id ids.ChannelId) error {
	start := time.Now()
	defer s.recordWrite("delete_channel", start)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		live := tx.Bucket(bucketChannels)
		data := live.Get(channelKey(id))
		if data != nil {
			archive := tx.Bucket(bucketChannelArchive)
			archiveKey := []byte(fmt.Sprintf("archive:%s:%d", id, time.Now().UnixNano()))
			if err := archive.Put(archiveKey, data); err != nil {
				return fmt.Errorf("archive channel %s: %w", id, err)
			}
		}
		return live.Delete(channelKey(id))
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.channelCache, id)
	s.mu.Unlock()
	return nil
}

// PruneBefore deletes every message created strictly before cutoff. It is
// not invoked by the engine or by any scheduled task; an operator runs it
// as an explicit maintenance operation against a replica that has already
// confirmed, out of band, that no peer still needs those messages for
// anti-entropy gap closing.
func (s *Store) PruneBefore(cutoff time.Time) (int, error) {
	start := time.Now()
	defer s.recordWrite("prune_before", start)

	pruned := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		messages := tx.Bucket(bucketMessages)
		channelIndex := tx.Bucket(bucketChannelIndex)

		var stale []*dag.Message
		err := messages.ForEach(func(_, data []byte) error {
			m := new(dag.Message)
			if err := json.Unmarshal(data, m); err != nil {
				return err
			}
			if m.CreatedAt.Before(cutoff) {
				stale = append(stale, m)
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, m := range stale {
			if err := messages.Delete(messageKey(m.ID)); err != nil {
				return err
			}
			if err := channelIndex.Delete(channelMessageKey(m.ChannelID, m.ID)); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

func decodeChannel(data []byte, hlc *clock.HybridLogicalClock) (*channel.Channel, error) {
	c := &channel.Channel{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, err
	}
	c.Attach(hlc)
	return c, nil
}

func messageKey(id ids.MessageId) []byte {
	return []byte(id.String())
}

func channelKey(id ids.ChannelId) []byte {
	return []byte(id.String())
}

func channelMessagePrefix(id ids.ChannelId) []byte {
	return []byte(id.String() + ":")
}

func channelMessageKey(channelID ids.ChannelId, messageID ids.MessageId) []byte {
	return []byte(channelID.String() + ":" + messageID.String())
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}
