package kvstore

import (
	"path/filepath"
	"testing"
)

func TestSetGetRemove(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "uploads.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, ok := s.Get("fp"); ok {
		t.Fatal("expected no entry before Set")
	}

	if err := s.Set("fp", "https://example.com/u/1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	url, ok := s.Get("fp")
	if !ok || url != "https://example.com/u/1" {
		t.Fatalf("got (%q, %v)", url, ok)
	}

	if err := s.Remove("fp"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, ok := s.Get("fp"); ok {
		t.Fatal("expected entry to be gone after Remove")
	}
}

func TestSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "uploads.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Set("fp", "https://example.com/u/1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	url, ok := reopened.Get("fp")
	if !ok || url != "https://example.com/u/1" {
		t.Fatalf("got (%q, %v) after reopen", url, ok)
	}
}
