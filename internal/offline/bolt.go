package offline

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"woodshed-sync-server/internal/domain"

	"go.etcd.io/bbolt"
)

var bucketOutbox = []byte("outbox")

// BoltQueue is the durable outbox: one bbolt bucket, keys from the bucket
// sequence so iteration order is creation order.
type BoltQueue struct {
	db *bbolt.DB
}

func OpenBoltQueue(path string) (*BoltQueue, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOutbox)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize outbox bucket: %w", err)
	}

	return &BoltQueue{db: db}, nil
}

func (q *BoltQueue) Close() error {
	return q.db.Close()
}

func (q *BoltQueue) Enqueue(change *domain.Change) (*QueuedChange, error) {
	entry := &QueuedChange{
		Change:     stampChange(change),
		EnqueuedAt: time.Now(),
	}

	err := q.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutbox)

		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		entry.Seq = seq

		value, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), value)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue change: %w", err)
	}

	return entry, nil
}

func (q *BoltQueue) Pending() ([]*QueuedChange, error) {
	var pending []*QueuedChange

	err := q.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			var entry QueuedChange
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("corrupt outbox entry %x: %w", k, err)
			}
			pending = append(pending, &entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return pending, nil
}

func (q *BoltQueue) Remove(seq uint64) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).Delete(seqKey(seq))
	})
}

func (q *BoltQueue) Len() (int, error) {
	count := 0
	err := q.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket(bucketOutbox).Stats().KeyN
		return nil
	})
	return count, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
