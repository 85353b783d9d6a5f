package store

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// DefaultMaxValueSize caps a single entry. Real devices back this store with
// a dedicated flash partition of fixed size; bbolt has no such bound, so the
// limit is enforced in software to keep the contract identical across
// backends.
const DefaultMaxValueSize = 4 * 1024 * 1024

// BoltStore is a bbolt-backed Store implementation. Each Set runs in its own
// writable transaction, which bbolt fsyncs before returning, satisfying the
// commit-fence requirement of the Store contract.
type BoltStore struct {
	db          *bolt.DB
	maxValueLen int
}

// NewBoltStore opens (creating if necessary) a bbolt database file under
// dataDir for use as the agent's persistent key/value store.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "agent.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	return &BoltStore{db: db, maxValueLen: DefaultMaxValueSize}, nil
}

// Set implements Store.
func (s *BoltStore) Set(key string, value []byte) error {
	if len(value) > s.maxValueLen {
		return ErrCapacity
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), value)
	})
}

// Get implements Store.
func (s *BoltStore) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKV).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		// bbolt only guarantees the slice is valid for the lifetime of the
		// transaction; copy it out before returning.
		value = append([]byte(nil), data...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Delete implements Store.
func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
