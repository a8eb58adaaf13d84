package engine

import "time"

// OnStartFunc is invoked once before any PATCH is sent. estimatedTotal is
// nil when no duration estimate is available at start.
type OnStartFunc func(e *Engine, estimatedTotal *time.Duration)

// OnProgressFunc is invoked at most once per successful chunk, with the
// percentage complete (clamped to [0,100]) and the current ETA.
type OnProgressFunc func(percent float64, eta time.Duration)

// OnCompleteFunc is invoked once after the final successful PATCH and
// store cleanup.
type OnCompleteFunc func()

// callbackSlots holds the three callback slots and applies the override
// precedence: clear > new > keep.
type callbackSlots struct {
	onStart    OnStartFunc
	onProgress OnProgressFunc
	onComplete OnCompleteFunc
}

// CallbackOverride carries the callbacks passed to Upload/Resume; apply
// resolves each slot with clear/new/keep precedence. A nil slot with its
// matching clear flag unset means "keep the prior callback."
type CallbackOverride struct {
	OnStart    OnStartFunc
	ClearStart bool

	OnProgress    OnProgressFunc
	ClearProgress bool

	OnComplete    OnCompleteFunc
	ClearComplete bool
}

func (c *callbackSlots) apply(o CallbackOverride) {
	switch {
	case o.ClearStart:
		c.onStart = nil
	case o.OnStart != nil:
		c.onStart = o.OnStart
	}

	switch {
	case o.ClearProgress:
		c.onProgress = nil
	case o.OnProgress != nil:
		c.onProgress = o.OnProgress
	}

	switch {
	case o.ClearComplete:
		c.onComplete = nil
	case o.OnComplete != nil:
		c.onComplete = o.OnComplete
	}
}

// safeCall invokes fn and recovers from (and logs) any panic, so a
// misbehaving user callback never terminates the upload.
func (e *Engine) safeCall(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warnf("tus: %s callback panicked, ignoring: %v", name, r)
		}
	}()
	fn()
}
