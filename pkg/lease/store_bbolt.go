package lease

import (
	"context"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
)

var leaseBucket = []byte("partition_leases")

// boltRecord is Record's on-disk shape; kept separate so lease.go's
// exported struct never needs json tags sprinkled through it.
type boltRecord struct {
	LeaseOwnerID             string `json:"lease_owner_id"`
	LeaseOwnerEndpoint       string `json:"lease_owner_endpoint"`
	LeaseExpirationUnixNanos int64  `json:"lease_expiration_unix_nanos"`
}

// BoltStore is a Store backed by a single bbolt file, one row per
// lock_id. bbolt's transactions give CompareAndSwap its atomicity for
// free: the read-check-write all happens inside one db.Update call.
type BoltStore struct {
	db *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(leaseBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func toBoltRecord(r Record) boltRecord {
	return boltRecord{
		LeaseOwnerID:             r.LeaseOwnerID,
		LeaseOwnerEndpoint:       r.LeaseOwnerEndpoint,
		LeaseExpirationUnixNanos: r.LeaseExpirationTimestamp.UnixNano(),
	}
}

func fromBoltRecord(lockID string, br boltRecord) Record {
	return Record{
		LockID:                   lockID,
		LeaseOwnerID:             br.LeaseOwnerID,
		LeaseOwnerEndpoint:       br.LeaseOwnerEndpoint,
		LeaseExpirationTimestamp: time.Unix(0, br.LeaseExpirationUnixNanos),
	}
}

func (s *BoltStore) Read(ctx context.Context, lockID string) (Record, bool, error) {
	var out Record
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(leaseBucket).Get([]byte(lockID))
		if v == nil {
			return nil
		}
		var br boltRecord
		if err := json.Unmarshal(v, &br); err != nil {
			return err
		}
		out = fromBoltRecord(lockID, br)
		found = true
		return nil
	})
	return out, found, err
}

// CompareAndSwap writes newRecord iff the stored row's fields match
// expected exactly (expectAbsent additionally requires no row exists
// yet). A zero-value newRecord (Record{}) deletes the row instead of
// writing an empty one, since an empty lease row is meaningless — it is
// the manager's own sentinel for "Released"/"Lost".
func (s *BoltStore) CompareAndSwap(ctx context.Context, lockID string, expectAbsent bool, expected, newRecord Record) (bool, error) {
	var ok bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(leaseBucket)
		v := b.Get([]byte(lockID))

		if expectAbsent {
			if v != nil {
				return nil
			}
		} else {
			if v == nil {
				return nil
			}
			var current boltRecord
			if err := json.Unmarshal(v, &current); err != nil {
				return err
			}
			if current != toBoltRecord(expected) {
				return nil
			}
		}

		key := []byte(lockID)
		if newRecord.LeaseOwnerID == "" {
			ok = true
			return b.Delete(key)
		}

		raw, err := json.Marshal(toBoltRecord(newRecord))
		if err != nil {
			return err
		}
		if err := b.Put(key, raw); err != nil {
			return err
		}
		ok = true
		return nil
	})
	return ok, err
}
