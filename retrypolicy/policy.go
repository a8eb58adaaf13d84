// Package retrypolicy computes the wait duration before retrying a failed
// tus chunk PATCH, given the zero-based attempt number and a base interval.
package retrypolicy

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Kind selects a backoff shape.
type Kind int

const (
	// Constant always waits the base interval.
	Constant Kind = iota
	// Linear waits base * (attempt + 1).
	Linear
	// Exponential waits base * 2^attempt.
	Exponential
)

func (k Kind) String() string {
	switch k {
	case Constant:
		return "constant"
	case Linear:
		return "linear"
	case Exponential:
		return "exponential"
	default:
		return fmt.Sprintf("retrypolicy.Kind(%d)", int(k))
	}
}

// Policy computes retry wait durations for a given Kind and base interval
// (expressed in seconds).
type Policy struct {
	Kind Kind
	Base time.Duration
}

// New builds a Policy from a Kind and a base interval in seconds.
func New(kind Kind, baseSeconds float64) Policy {
	return Policy{Kind: kind, Base: durationFromSeconds(baseSeconds)}
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Interval returns the wait duration before the given zero-based attempt is
// retried. attempt is counted per chunk, not per upload.
func (p Policy) Interval(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	switch p.Kind {
	case Linear:
		// base * (attempt+1), computed directly: routing a pre-multiplied
		// value through LinearJitterBackoff's min/max bracket would square
		// it, since that helper multiplies by attemptNum again internally.
		return p.Base * time.Duration(attempt+1)
	case Exponential:
		// retryablehttp.DefaultBackoff doubles min on every attempt starting
		// from attempt 0, i.e. min*2^attempt, clamped to max, matching a
		// "base * 2^attempt" shape for the attempt counts a chunk retry budget
		// will realistically reach. The ceiling just guards against overflow;
		// it is not intended as a meaningful cap.
		return retryablehttp.DefaultBackoff(p.Base, 24*time.Hour, attempt, nil)
	case Constant:
		fallthrough
	default:
		// No equivalent helper in retryablehttp for a flat wait; a one-line
		// constant has no backoff math to reuse.
		return p.Base
	}
}
