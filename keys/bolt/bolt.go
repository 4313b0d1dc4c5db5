// Package bolt provides a BBolt-backed keys.Store for durable signing
// keys shared between broker restarts (and processes sharing the file).
package bolt

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/hermod/keys"
)

var (
	bucketKeys = []byte("signing_keys")
	recordSet  = []byte("keyset")
)

// Store implements keys.Store backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ keys.Store = (*Store)(nil)

// NewStore returns a Store backed by the given BBolt database.
func NewStore(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewStoreFromFile opens a BBolt database at the given path.
func NewStoreFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewStore(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context) (keys.KeySet, error) {
	var set keys.KeySet
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		if b == nil {
			return nil
		}
		data := b.Get(recordSet)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &set)
	})
	if err != nil {
		return keys.KeySet{}, fmt.Errorf("%v: %w", err, keys.ErrUnavailable)
	}
	return set, nil
}

func (s *Store) Save(ctx context.Context, set keys.KeySet) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketKeys)
		if err != nil {
			return err
		}
		data, err := json.Marshal(set)
		if err != nil {
			return err
		}
		return b.Put(recordSet, data)
	})
	if err != nil {
		return fmt.Errorf("%v: %w", err, keys.ErrUnavailable)
	}
	return nil
}
