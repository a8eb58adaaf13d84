package engine

import (
	"math"
	"sync"
	"time"

	units "github.com/docker/go-units"
)

// throughput tracks wall-clock upload progress for ETA estimation: an
// elapsed-wall fallback bandwidth estimate, scoped to a single upload.
type throughput struct {
	mu      sync.Mutex
	started time.Time
	sent    int64
}

func newThroughput() *throughput {
	return &throughput{started: time.Now()}
}

func (t *throughput) recordSent(totalSent int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = totalSent
}

// bytesPerSecond returns the elapsed-wall bandwidth observed so far, or 0
// if no time has elapsed or nothing has been sent yet.
func (t *throughput) bytesPerSecond() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.started).Seconds()
	if elapsed <= 0 || t.sent <= 0 {
		return 0
	}
	return float64(t.sent) / elapsed
}

// progressPercent computes the clamped [0,100] completion percentage from
// bytes sent so far, derived from the actual post-chunk offset rather than
// a speculative pre-chunk value.
func progressPercent(sent, total int64) float64 {
	if total <= 0 {
		return 100
	}
	pct := float64(sent) / float64(total) * 100
	return clamp(pct, 0, 100)
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// eta estimates time-to-completion for the remaining bytes given a
// bandwidth in bytes/sec. remaining is floored at zero.
func eta(sent, total int64, bytesPerSecond float64) time.Duration {
	remaining := total - sent
	if remaining < 0 {
		remaining = 0
	}
	if bytesPerSecond <= 0 {
		return 0
	}
	seconds := float64(remaining) / bytesPerSecond
	if math.IsInf(seconds, 1) || math.IsNaN(seconds) {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}

// humanSize formats a byte count for log lines.
func humanSize(n int64) string {
	return units.HumanSizeWithPrecision(float64(n), 3)
}
