package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"

	bolt "go.etcd.io/bbolt"
)

var journalBucket = []byte("journal_entries")

// BoltStore is a Store backed by a single bbolt file: one key-value pair
// per journal entry, keyed by the big-endian journal ID so that bucket
// iteration naturally yields entries in ID order. bbolt's single-writer
// transaction model matches the "single-writer per partition" append
// requirement in spec §5 directly, with no extra locking needed beyond
// what *bolt.DB already provides.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if absent) a bbolt-backed journal store at
// path, one file per partition as spec §4.7 requires.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(journalBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// DB exposes the underlying bbolt handle so a checkpoint store for the
// same partition can share one file instead of opening a second one.
func (s *BoltStore) DB() *bolt.DB { return s.db }

func idKey(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

func (s *BoltStore) Append(ctx context.Context, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(journalBucket).Put(idKey(entry.JournalID), raw)
	})
}

func (s *BoltStore) Read(ctx context.Context, afterID uint64) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(journalBucket).Cursor()
		for k, v := c.Seek(idKey(afterID + 1)); k != nil; k, v = c.Next() {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) LastJournalID(ctx context.Context) (uint64, error) {
	var last uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(journalBucket).Cursor()
		k, _ := c.Last()
		if k == nil {
			return nil
		}
		last = binary.BigEndian.Uint64(k)
		return nil
	})
	return last, err
}

func (s *BoltStore) GC(ctx context.Context, upToID uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(journalBucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if binary.BigEndian.Uint64(k) > upToID {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}
