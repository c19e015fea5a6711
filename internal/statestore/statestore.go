// Package statestore persists supervisory bookkeeping (restart counts,
// last-known backend phase) across process restarts in a local bbolt
// database, the same embedded-storage choice the teacher lineage makes
// for its own local state.
package statestore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var backendsBucket = []byte("backends")

// BackendRecord is the durable bookkeeping kept for one backend across
// restarts of the proxy itself.
type BackendRecord struct {
	Name         string    `json:"name"`
	LastPhase    string    `json:"lastPhase"`
	RestartCount int       `json:"restartCount"`
	LastFailure  string    `json:"lastFailure,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store wraps one bbolt database file.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path and ensures
// its buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(backendsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init state store buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutBackend upserts rec for rec.Name.
func (s *Store) PutBackend(rec BackendRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode backend record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(backendsBucket).Put([]byte(rec.Name), buf)
	})
}

// GetBackend returns the stored record for name, or ok=false if absent.
func (s *Store) GetBackend(name string) (rec BackendRecord, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(backendsBucket).Get([]byte(name))
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &rec)
	})
	return rec, ok, err
}

// All returns every stored backend record, for the status CLI.
func (s *Store) All() ([]BackendRecord, error) {
	var out []BackendRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(backendsBucket).ForEach(func(_, v []byte) error {
			var rec BackendRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// DeleteBackend removes any stored record for name.
func (s *Store) DeleteBackend(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(backendsBucket).Delete([]byte(name))
	})
}
