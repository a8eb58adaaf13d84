// Package fsstore is a filesystem Store backend: a directory where each
// fingerprint maps to one file named by the fingerprint, whose sole
// content is the upload URL as UTF-8 text. Set is atomic (write to a temp
// file, then rename).
package fsstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-tus/tusclient/internal/osproxy"
)

// Store persists fingerprint->URL entries as one file per fingerprint under
// dir.
type Store struct {
	dir string
	os  osproxy.OsProxy

	// mu serializes writes; the underlying filesystem already serializes
	// concurrent readers, but we still want set-then-rename to look atomic
	// to concurrent Get calls from other engines/the manager.
	mu sync.Mutex
}

// New creates a Store rooted at dir, creating the directory if necessary.
func New(dir string) (*Store, error) {
	return newWithOS(dir, osproxy.RealOS{})
}

func newWithOS(dir string, proxy osproxy.OsProxy) (*Store, error) {
	if err := proxy.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &Store{dir: dir, os: proxy}, nil
}

func (s *Store) path(fingerprint string) string {
	return filepath.Join(s.dir, fingerprint)
}

// Get implements store.Store.
func (s *Store) Get(fingerprint string) (string, bool) {
	data, err := s.os.ReadFile(s.path(fingerprint))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Set implements store.Store, writing atomically via a temp-file-then-
// rename to avoid exposing partial writes to concurrent readers.
func (s *Store) Set(fingerprint, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.path(fingerprint)
	tmp := target + ".tmp"

	if err := s.os.WriteFile(tmp, []byte(url), 0o644); err != nil {
		return fmt.Errorf("write temp entry: %w", err)
	}

	if err := s.os.Rename(tmp, target); err != nil {
		return fmt.Errorf("rename temp entry into place: %w", err)
	}

	return nil
}

// Remove implements store.Store. Removing a non-existent entry is not an
// error.
func (s *Store) Remove(fingerprint string) error {
	err := s.os.Remove(s.path(fingerprint))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove entry: %w", err)
	}
	return nil
}

// Close implements store.Store. The filesystem backend holds no long-lived
// handles.
func (s *Store) Close() error {
	return nil
}
