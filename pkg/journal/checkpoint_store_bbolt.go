package journal

import (
	"context"
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	checkpointBucket     = []byte("checkpoints")
	checkpointMetaBucket = []byte("checkpoint_meta")
	lastCheckpointKey    = []byte("last_checkpoint")
)

// BoltCheckpointStore is a CheckpointStore backed by the same kind of
// bbolt file as BoltStore, kept in a separate bucket so a partition's
// journal and its checkpoints can share one file if desired.
type BoltCheckpointStore struct {
	db *bolt.DB
}

func OpenBoltCheckpointStore(db *bolt.DB) (*BoltCheckpointStore, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(checkpointBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(checkpointMetaBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &BoltCheckpointStore{db: db}, nil
}

func (s *BoltCheckpointStore) WriteCheckpoint(ctx context.Context, checkpointID uint64, body []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointBucket).Put(idKey(checkpointID), body)
	})
}

func (s *BoltCheckpointStore) WriteLastCheckpointPointer(ctx context.Context, checkpointID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointMetaBucket).Put(lastCheckpointKey, idKey(checkpointID))
	})
}

func (s *BoltCheckpointStore) ReadLastCheckpointPointer(ctx context.Context) (uint64, bool, error) {
	var id uint64
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(checkpointMetaBucket).Get(lastCheckpointKey)
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("corrupt last_checkpoint pointer: %d bytes", len(v))
		}
		id = binary.BigEndian.Uint64(v)
		found = true
		return nil
	})
	return id, found, err
}
