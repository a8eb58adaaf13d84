// Package kvstore is a browser-storage-like KV Store backend: a named
// database containing one object store keyed by fingerprint, value = URL
// string. Realized with an embedded bbolt database (the closest
// server-side analogue of a browser's IndexedDB/localStorage object
// store), using a single bucket dedicated to upload bookkeeping.
package kvstore

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucket = []byte("tus_uploads")

// Store persists fingerprint->URL entries in a single bbolt bucket.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt database at path and ensures
// the upload bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create upload bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Get implements store.Store.
func (s *Store) Get(fingerprint string) (string, bool) {
	var url string
	var found bool

	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(fingerprint))
		if data != nil {
			url = string(data)
			found = true
		}
		return nil
	})

	return url, found
}

// Set implements store.Store. bbolt transactions are themselves atomic, so
// no extra locking is needed here.
func (s *Store) Set(fingerprint, url string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(fingerprint), []byte(url))
	})
}

// Remove implements store.Store.
func (s *Store) Remove(fingerprint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(fingerprint))
	})
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}
