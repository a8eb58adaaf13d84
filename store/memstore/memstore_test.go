package memstore

import "testing"

func TestSetGetRemove(t *testing.T) {
	s := New()

	if _, ok := s.Get("fp"); ok {
		t.Fatal("expected no entry before Set")
	}

	if err := s.Set("fp", "https://example.com/uploads/1"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	url, ok := s.Get("fp")
	if !ok || url != "https://example.com/uploads/1" {
		t.Fatalf("got (%q, %v)", url, ok)
	}

	if err := s.Remove("fp"); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if _, ok := s.Get("fp"); ok {
		t.Fatal("expected entry to be gone after Remove")
	}
}

func TestRemoveMissingIsNotError(t *testing.T) {
	s := New()
	if err := s.Remove("nope"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
