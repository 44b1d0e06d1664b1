package replica

import (
	"encoding/binary"
	"encoding/json"
	"log"

	bolt "go.etcd.io/bbolt"

	"github.com/fuad-nasseraldeen/realtime-docs/internal/crdt"
)

var pendingBucket = []byte("pending")

func logQueueErr(err error) {
	log.Printf("[Replica] pending queue: %v", err)
}

// BoltQueue is a durable pending-operation buffer. Edits made while offline
// survive a process restart and are replayed after the next resync.
type BoltQueue struct {
	db *bolt.DB
}

// OpenBoltQueue opens (or creates) the queue file.
func OpenBoltQueue(path string) (*BoltQueue, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(pendingBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltQueue{db: db}, nil
}

// Close closes the underlying database.
func (q *BoltQueue) Close() error {
	return q.db.Close()
}

func (q *BoltQueue) Append(op *crdt.Op) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		val, err := json.Marshal(op)
		if err != nil {
			return err
		}
		return b.Put(key, val)
	})
}

// All returns the buffered operations in the order they were produced.
func (q *BoltQueue) All() ([]*crdt.Op, error) {
	var ops []*crdt.Op
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).ForEach(func(_, v []byte) error {
			var op crdt.Op
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			ops = append(ops, &op)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

func (q *BoltQueue) Remove(ids []crdt.OpID) error {
	drop := make(map[crdt.OpID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pendingBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var op crdt.Op
			if err := json.Unmarshal(v, &op); err != nil {
				return err
			}
			if _, ok := drop[op.ID]; ok {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
