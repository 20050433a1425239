package dlq

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/roasbeef/hive/internal/identity"
)

// dlqBucket holds entries keyed by big-endian sequence number, so a cursor
// walks them oldest first.
var dlqBucket = []byte("dlq")

// BoltStore is a bbolt-backed Store. The dead-letter queue lives in its own
// file rather than the silo database so a flood of drops cannot contend
// with state writes.
type BoltStore struct {
	db  *bolt.DB
	cap int
}

// NewBoltStore opens (creating if needed) the store at the given path.
func NewBoltStore(path string, maxEntries int) (*BoltStore, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open dlq store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dlqBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, cap: maxEntries}, nil
}

// Add implements Store.
func (s *BoltStore) Add(_ context.Context, entry Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dlqBucket)

		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		entry.Seq = seq

		payload, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := bucket.Put(seqKey(seq), payload); err != nil {
			return err
		}

		// Evict from the head until back under the cap. Sequence
		// numbers ascend with age, so the span from the first key to
		// the one just written bounds the entry count.
		cursor := bucket.Cursor()
		for {
			key, _ := cursor.First()
			if key == nil {
				break
			}
			first := binary.BigEndian.Uint64(key)
			if seq-first+1 <= uint64(s.cap) {
				break
			}
			if err := cursor.Delete(); err != nil {
				return err
			}
		}

		return nil
	})
}

// List implements Store.
func (s *BoltStore) List(_ context.Context, limit int) ([]Entry, error) {
	var entries []Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(dlqBucket).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}

			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// ListByActor implements Store.
func (s *BoltStore) ListByActor(_ context.Context, key identity.ActorKey,
	limit int) ([]Entry, error) {

	var entries []Entry

	err := s.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(dlqBucket).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}

			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.Key != key {
				continue
			}
			entries = append(entries, entry)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Remove implements Store.
func (s *BoltStore) Remove(_ context.Context, seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dlqBucket).Delete(seqKey(seq))
	})
}

// Clear implements Store.
func (s *BoltStore) Clear(context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(dlqBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(dlqBucket)

		return err
	})
}

// Len implements Store.
func (s *BoltStore) Len(context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dlqBucket).ForEach(
			func([]byte, []byte) error {
				n++
				return nil
			},
		)
	})

	return n, err
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seq)

	return key[:]
}
