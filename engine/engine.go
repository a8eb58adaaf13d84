// Package engine implements the per-file tus protocol state machine:
// creation, offset discovery, the chunked PATCH loop, pause/resume/cancel,
// chunk-level retry, progress/ETA estimation and interaction with a
// pluggable Store.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-tus/tusclient/fingerprint"
	"github.com/go-tus/tusclient/metadata"
	"github.com/go-tus/tusclient/retrypolicy"
	"github.com/go-tus/tusclient/speedtest"
	"github.com/go-tus/tusclient/store"
	"github.com/go-tus/tusclient/transport"
	"github.com/go-tus/tusclient/tuserr"
)

// errPausedDuringChunk is an internal control-flow signal: a chunk PATCH
// was aborted because Pause() cancelled its context. It never escapes this
// package.
var errPausedDuringChunk = errors.New("tus: paused during chunk upload")

// Config configures an Engine.
type Config struct {
	// ChunkSize is the number of bytes read and PATCHed per request.
	ChunkSize int64
	// Retries is the number of additional attempts per chunk after the
	// first.
	Retries int
	// RetryPolicy computes the wait between chunk retry attempts.
	RetryPolicy retrypolicy.Policy
}

// DefaultConfig returns conservative defaults: 512KiB chunks, no retries,
// constant policy with a zero base.
func DefaultConfig() Config {
	return Config{
		ChunkSize:   512 * 1024,
		Retries:     0,
		RetryPolicy: retrypolicy.New(retrypolicy.Constant, 0),
	}
}

// UploadOptions configures a single Upload call.
type UploadOptions struct {
	Headers           http.Header
	Metadata          map[string]string
	MeasureSpeed      bool
	PreventDuplicates bool
	// SpeedProbeURL is the object downloaded to estimate bandwidth when
	// MeasureSpeed is true. An empty URL disables the probe even if
	// MeasureSpeed is set.
	SpeedProbeURL string
	Callbacks     CallbackOverride
}

// Engine drives one file through the tus protocol. It is not safe for
// concurrent calls to Upload/Pause/Resume/Cancel from multiple goroutines
// at once, beyond the single pause flag: it is meant to be driven by one
// task at a time.
type Engine struct {
	mu sync.Mutex

	file  File
	store store.Store
	cfg   Config

	transport *transport.Client
	logger    log.Logger

	fingerprintVal string
	size           int64 // UnknownSize until resolved
	offset         int64
	url            string
	state          State
	lastErr        error

	paused        atomic.Bool
	currentCancel context.CancelFunc

	callbacks  callbackSlots
	throughput *throughput
	bandwidth  float64 // measured bytes/sec from a speed probe, 0 if none
}

// New constructs an Engine for file. No I/O is performed; the fingerprint
// is computed immediately, deterministically from file name/size/MIME. st
// may be nil to disable resumption entirely.
func New(file File, st store.Store, cfg Config, logger log.Logger) (*Engine, error) {
	if file == nil {
		return nil, tuserr.ErrNilUpload
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}

	fp := fingerprint.Of(file.Name(), file.Size(), file.MIME())

	return &Engine{
		file:           file,
		store:          st,
		cfg:            cfg,
		transport:      transport.New(logger),
		logger:         logger,
		fingerprintVal: fp,
		size:           UnknownSize,
		state:          Idle,
		throughput:     newThroughput(),
	}, nil
}

// Fingerprint returns the engine's deterministic file fingerprint.
func (e *Engine) Fingerprint() string {
	return e.fingerprintVal
}

// State returns the engine's current state machine position.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Offset returns the current local upload offset.
func (e *Engine) Offset() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offset
}

// URL returns the server-minted upload URL, or "" before creation.
func (e *Engine) URL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.url
}

// LastError returns the error that moved the engine to Failed, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// IsResumable reports whether resumption is enabled, a store entry exists
// for this file's fingerprint, and a HEAD to that URL yields 2xx with a
// valid Upload-Offset.
func (e *Engine) IsResumable(ctx context.Context, headers http.Header) bool {
	if e.store == nil {
		return false
	}

	url, ok := e.store.Get(e.fingerprintVal)
	if !ok {
		return false
	}

	_, err := e.transport.Offset(ctx, url, headers)
	return err == nil
}

// Upload drives the full protocol against uri: it resumes or creates, then
// alternates read-chunk/PATCH/advance-offset until completion, pause or
// fatal failure.
func (e *Engine) Upload(ctx context.Context, uri string, opts UploadOptions) error {
	e.mu.Lock()
	e.callbacks.apply(opts.Callbacks)
	e.mu.Unlock()

	if err := e.resolveSize(); err != nil {
		err = fmt.Errorf("resolve file size: %w", err)
		e.fail(err)
		return err
	}

	if err := e.resolveStart(ctx, uri, opts); err != nil {
		e.setState(Failed)
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
		return err
	}

	e.setState(Running)

	if opts.MeasureSpeed && opts.SpeedProbeURL != "" {
		e.probeSpeed(ctx, opts.SpeedProbeURL)
	}

	e.mu.Lock()
	onStart := e.callbacks.onStart
	var estimate *time.Duration
	if e.bandwidth > 0 {
		d := eta(e.offset, e.size, e.bandwidth)
		estimate = &d
	}
	e.mu.Unlock()
	e.safeCall("on_start", func() {
		if onStart != nil {
			onStart(e, estimate)
		}
	})

	return e.runChunkLoop(ctx, opts.Headers)
}

// resolveSize materializes the file's byte length if it was reported as
// zero (or unknown).
func (e *Engine) resolveSize() error {
	if e.size >= 0 {
		return nil
	}

	sz := e.file.Size()
	if sz > 0 {
		e.size = sz
		return nil
	}

	materialized, err := materializeSize(e.file)
	if err != nil {
		return err
	}
	e.size = materialized
	return nil
}

// resolveStart applies duplicate-prevention at the engine level: when
// PreventDuplicates is true, a prior store entry is reverified with HEAD
// and either resumed or rejected as a duplicate; when false, the engine
// always proceeds straight to a fresh creation, overwriting any prior
// entry.
func (e *Engine) resolveStart(ctx context.Context, uri string, opts UploadOptions) error {
	if opts.PreventDuplicates && e.store != nil {
		if url, ok := e.store.Get(e.fingerprintVal); ok {
			offset, err := e.transport.Offset(ctx, url, opts.Headers)
			if err == nil {
				e.mu.Lock()
				e.url = url
				e.offset = offset
				e.mu.Unlock()
				return nil
			}

			if rmErr := e.store.Remove(e.fingerprintVal); rmErr != nil {
				e.logger.Warnf("tus: failed to drop stale store entry: %s", rmErr)
			}
			return tuserr.ErrDuplicateUpload
		}
	}

	return e.create(ctx, uri, opts)
}

func (e *Engine) create(ctx context.Context, uri string, opts UploadOptions) error {
	e.setState(Creating)

	if opts.PreventDuplicates && len(e.fingerprintVal) == 0 {
		return tuserr.ErrFingerprintNotSet
	}

	encoded := metadata.Encode(opts.Metadata)

	res, err := e.transport.Create(ctx, uri, e.size, encoded, opts.Headers)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.url = res.URL
	e.offset = 0
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.Set(e.fingerprintVal, res.URL); err != nil {
			e.logger.Warnf("tus: failed to persist store entry: %s", err)
		}
	}

	return nil
}

func (e *Engine) probeSpeed(ctx context.Context, probeURL string) {
	bw, err := speedtest.Probe(ctx, probeURL, e.logger)
	if err != nil {
		e.logger.Debugf("tus: speed probe failed, falling back to elapsed-wall estimate: %s", err)
		return
	}
	e.mu.Lock()
	e.bandwidth = bw
	e.mu.Unlock()
}

// Pause sets the pause flag and, best-effort, cancels any in-flight chunk
// PATCH so the loop can exit promptly rather than waiting for a hung
// response. It always reports success.
func (e *Engine) Pause() bool {
	e.paused.Store(true)

	e.mu.Lock()
	cancel := e.currentCancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	return true
}

// Resume reverifies server state with HEAD and continues from the
// server-reported offset. It is a no-op returning ErrNotPaused if the
// engine isn't paused, or ErrNoUploadURL if it holds no upload URL.
func (e *Engine) Resume(ctx context.Context, headers http.Header, override CallbackOverride) error {
	e.mu.Lock()
	if e.state != Paused {
		e.mu.Unlock()
		return tuserr.ErrNotPaused
	}
	if e.url == "" {
		e.mu.Unlock()
		return tuserr.ErrNoUploadURL
	}
	e.callbacks.apply(override)
	url := e.url
	e.mu.Unlock()

	offset, err := e.transport.Offset(ctx, url, headers)
	if err != nil {
		e.setState(Failed)
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	e.offset = offset
	e.state = Running
	e.mu.Unlock()
	e.paused.Store(false)

	return e.runChunkLoop(ctx, headers)
}

// Cancel pauses (best-effort) then removes the store entry. It is
// idempotent.
func (e *Engine) Cancel() error {
	e.Pause()

	var removeErr error
	if e.store != nil {
		removeErr = e.store.Remove(e.fingerprintVal)
	}

	e.setState(Cancelled)

	if removeErr != nil {
		e.logger.Warnf("tus: cancel: store removal failed: %s", removeErr)
	}

	return nil
}

func (e *Engine) runChunkLoop(ctx context.Context, headers http.Header) error {
	for {
		if e.paused.Load() {
			e.setState(Paused)
			return nil
		}

		e.mu.Lock()
		offset, total := e.offset, e.size
		e.mu.Unlock()

		if offset >= total {
			break
		}

		remaining := total - offset
		readLen := e.cfg.ChunkSize
		if readLen > remaining {
			readLen = remaining
		}

		chunk, err := readChunk(e.file, offset, readLen)
		if err != nil {
			e.fail(fmt.Errorf("read chunk at offset %d: %w", offset, err))
			return e.lastErrLocked()
		}

		newOffset, err := e.patchWithRetry(ctx, offset, chunk, headers)
		if err != nil {
			if errors.Is(err, errPausedDuringChunk) {
				e.setState(Paused)
				return nil
			}
			e.fail(err)
			return err
		}

		e.mu.Lock()
		e.offset = newOffset
		e.mu.Unlock()
		e.throughput.recordSent(newOffset)

		e.reportProgress(newOffset, total)

		e.logger.Debugf("tus: uploaded %s / %s (%.1f%%)", humanSize(newOffset), humanSize(total), progressPercent(newOffset, total))
	}

	return e.finish()
}

func (e *Engine) reportProgress(sent, total int64) {
	bw := e.currentBandwidth()
	pct := progressPercent(sent, total)
	estimate := eta(sent, total, bw)

	e.mu.Lock()
	onProgress := e.callbacks.onProgress
	e.mu.Unlock()

	e.safeCall("on_progress", func() {
		if onProgress != nil {
			onProgress(pct, estimate)
		}
	})
}

func (e *Engine) currentBandwidth() float64 {
	e.mu.Lock()
	bw := e.bandwidth
	e.mu.Unlock()

	if bw > 0 {
		return bw
	}
	return e.throughput.bytesPerSecond()
}

func (e *Engine) fail(err error) {
	e.setState(Failed)
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
}

func (e *Engine) lastErrLocked() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func (e *Engine) finish() error {
	e.setState(Completed)

	if e.store != nil {
		if err := e.store.Remove(e.fingerprintVal); err != nil {
			e.logger.Warnf("tus: failed to remove store entry on completion: %s", err)
		}
	}

	e.mu.Lock()
	onComplete := e.callbacks.onComplete
	e.mu.Unlock()
	e.safeCall("on_complete", func() {
		if onComplete != nil {
			onComplete()
		}
	})

	return nil
}

// patchWithRetry sends one chunk, retrying on any failure (transport
// error, non-2xx status, or an offset disagreement) up to cfg.Retries
// additional times. Attempts are counted per chunk.
func (e *Engine) patchWithRetry(ctx context.Context, offset int64, chunk []byte, headers http.Header) (int64, error) {
	var lastErr error

	for attempt := 0; ; attempt++ {
		reqCtx, done := e.withPatchContext(ctx)
		result, err := e.transport.Patch(reqCtx, e.currentURL(), offset, bytes.NewReader(chunk), int64(len(chunk)), headers)
		paused := e.paused.Load()
		cancelled := reqCtx.Err() == context.Canceled
		done()

		if err != nil {
			if paused && cancelled {
				return 0, errPausedDuringChunk
			}
			lastErr = err
		} else {
			want := offset + int64(len(chunk))
			switch result.ServerOffset {
			case want:
				return result.ServerOffset, nil
			case offset:
				// Server accepted the request but made no progress. Treated
				// as a retryable chunk failure rather than success, so it
				// counts against the retry budget instead of letting the
				// outer chunk loop re-PATCH the same offset forever.
				lastErr = tuserr.NewProtocolError("patch", 0,
					fmt.Sprintf("server made no progress on chunk: offset %d unchanged after PATCH", offset))
			default:
				lastErr = tuserr.NewProtocolError("patch", 0,
					fmt.Sprintf("offset mismatch: expected %d, server reported %d", want, result.ServerOffset))
			}
		}

		if attempt >= e.cfg.Retries {
			return 0, lastErr
		}

		wait := e.cfg.RetryPolicy.Interval(attempt)
		e.logger.Warnf("tus: chunk PATCH attempt %d/%d failed (%s), retrying in %s", attempt+1, e.cfg.Retries+1, lastErr, wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-timer.C:
		}
	}
}

func (e *Engine) currentURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.url
}

func (e *Engine) withPatchContext(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	e.mu.Lock()
	e.currentCancel = cancel
	e.mu.Unlock()

	return ctx, func() {
		cancel()
		e.mu.Lock()
		e.currentCancel = nil
		e.mu.Unlock()
	}
}
