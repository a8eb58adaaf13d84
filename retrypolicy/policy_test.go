package retrypolicy

import (
	"testing"
	"time"
)

func TestConstant(t *testing.T) {
	p := New(Constant, 2)

	for attempt := 0; attempt < 5; attempt++ {
		if got := p.Interval(attempt); got != 2*time.Second {
			t.Fatalf("attempt %d: got %v want %v", attempt, got, 2*time.Second)
		}
	}
}

func TestLinear(t *testing.T) {
	p := New(Linear, 1)

	cases := map[int]time.Duration{
		0: 1 * time.Second,
		1: 2 * time.Second,
		2: 3 * time.Second,
	}

	for attempt, want := range cases {
		if got := p.Interval(attempt); got != want {
			t.Fatalf("attempt %d: got %v want %v", attempt, got, want)
		}
	}
}

func TestExponentialBackoffDoublesEachAttempt(t *testing.T) {
	// retries=2, policy=exponential, base=1s: expect sleeps of 1s then 2s.
	p := New(Exponential, 1)

	if got := p.Interval(0); got != 1*time.Second {
		t.Fatalf("attempt 0: got %v want 1s", got)
	}
	if got := p.Interval(1); got != 2*time.Second {
		t.Fatalf("attempt 1: got %v want 2s", got)
	}
}

func TestKindString(t *testing.T) {
	if Constant.String() != "constant" || Linear.String() != "linear" || Exponential.String() != "exponential" {
		t.Fatal("unexpected Kind.String() output")
	}
}
