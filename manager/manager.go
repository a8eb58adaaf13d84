// Package manager implements the Upload Manager: a bounded-concurrency
// queue that owns a set of Upload Engines, deduplicates submissions by
// file fingerprint, and broadcasts lifecycle events.
package manager

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/go-tus/tusclient/engine"
	"github.com/go-tus/tusclient/retrypolicy"
	"github.com/go-tus/tusclient/store"
	"github.com/go-tus/tusclient/tuserr"
)

// Config configures a Manager. It carries the engine options plus the
// manager-level flags.
type Config struct {
	ServerURL string
	Store     store.Store

	ConcurrencyBound  int
	AutoStart         bool
	MeasureSpeed      bool
	PreventDuplicates bool
	Debug             bool

	ChunkSize   int64
	Retries     int
	RetryPolicy retrypolicy.Policy

	// EventBuffer sizes new subscriber channels; a subscriber whose
	// buffer fills has events dropped rather than stalling the manager.
	EventBuffer int
}

// DefaultConfig returns a Manager configuration with the same per-engine
// defaults as engine.DefaultConfig, bound 3, auto-start and duplicate
// prevention enabled.
func DefaultConfig() Config {
	engineDefaults := engine.DefaultConfig()
	return Config{
		ConcurrencyBound:  3,
		AutoStart:         true,
		PreventDuplicates: true,
		ChunkSize:         engineDefaults.ChunkSize,
		Retries:           engineDefaults.Retries,
		RetryPolicy:       engineDefaults.RetryPolicy,
		EventBuffer:       32,
	}
}

// ManagedUpload is the manager's bookkeeping record for one engine.
type ManagedUpload struct {
	ID          string
	Fingerprint string
	Engine      *engine.Engine

	Status   Status
	Progress float64
	ETA      time.Duration
	Err      error

	Headers  http.Header
	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Manager owns a set of managed uploads, a FIFO ready queue and a
// concurrency bound.
type Manager struct {
	mu  sync.Mutex
	cfg Config

	logger log.Logger
	clock  idClock

	uploads map[string]*ManagedUpload
	queue   []string
	active  map[string]bool

	events   *broadcaster
	disposed bool
}

// New constructs a Manager. logger may be nil to use a default logger.
func New(cfg Config, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewLogger()
	}
	if cfg.ConcurrencyBound <= 0 {
		cfg.ConcurrencyBound = DefaultConfig().ConcurrencyBound
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}

	return &Manager{
		cfg:     cfg,
		logger:  logger,
		uploads: make(map[string]*ManagedUpload),
		active:  make(map[string]bool),
		events:  newBroadcaster(),
	}
}

// Subscribe registers a new event listener and returns its id (for
// Unsubscribe) and receive channel. Events published before Subscribe is
// called are never delivered to it.
func (m *Manager) Subscribe() (int, <-chan Event) {
	return m.events.subscribe(m.cfg.EventBuffer)
}

// Unsubscribe removes a listener registered with Subscribe.
func (m *Manager) Unsubscribe(id int) {
	m.events.unsubscribe(id)
}

func (m *Manager) publish(mu *ManagedUpload, t EventType) {
	m.events.publish(Event{Upload: mu, Type: t})
}

// AddUpload constructs an engine for file, registers a managed upload in
// state ready, and either starts it (AutoStart) or enqueues it. When
// PreventDuplicates is set and a non-terminal managed upload already
// exists for file's fingerprint, AddUpload attaches to it instead of
// minting a second one.
func (m *Manager) AddUpload(file engine.File, metadata map[string]string, headers http.Header, chunkSize int64) (string, error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return "", tuserr.ErrManagerDisposed
	}
	m.mu.Unlock()

	cfg := engine.Config{
		ChunkSize:   m.cfg.ChunkSize,
		Retries:     m.cfg.Retries,
		RetryPolicy: m.cfg.RetryPolicy,
	}
	if chunkSize > 0 {
		cfg.ChunkSize = chunkSize
	}

	eng, err := engine.New(file, m.cfg.Store, cfg, m.logger)
	if err != nil {
		return "", err
	}

	if m.cfg.PreventDuplicates {
		if existingID, ok := m.nonTerminalByFingerprint(eng.Fingerprint()); ok {
			return existingID, nil
		}
	}

	now := time.Now()
	id := fmt.Sprintf("%s-%d", eng.Fingerprint(), m.clock.next())

	mu := &ManagedUpload{
		ID:          id,
		Fingerprint: eng.Fingerprint(),
		Engine:      eng,
		Status:      StatusReady,
		Headers:     headers,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	if m.cfg.PreventDuplicates {
		if existingID, ok := m.nonTerminalByFingerprintLocked(eng.Fingerprint()); ok {
			m.mu.Unlock()
			return existingID, nil
		}
	}
	m.uploads[id] = mu
	m.mu.Unlock()

	m.publish(mu, EventAdd)

	if m.cfg.AutoStart {
		if err := m.StartUpload(id); err != nil {
			m.logger.Warnf("tus: auto-start of %s failed: %s", id, err)
		}
	} else {
		m.mu.Lock()
		m.enqueueLocked(id)
		m.mu.Unlock()
	}

	return id, nil
}

func (m *Manager) nonTerminalByFingerprint(fp string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonTerminalByFingerprintLocked(fp)
}

// nonTerminalByFingerprintLocked returns the newest non-terminal managed
// upload for fp. Caller holds m.mu.
func (m *Manager) nonTerminalByFingerprintLocked(fp string) (string, bool) {
	var best *ManagedUpload
	for _, mu := range m.uploads {
		if mu.Fingerprint != fp || isTerminal(mu.Status) {
			continue
		}
		if best == nil || mu.CreatedAt.After(best.CreatedAt) {
			best = mu
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

func isTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StartUpload starts a ready or previously-enqueued upload, or enqueues it
// if the concurrency bound is currently exhausted. It is a no-op if the
// upload is already uploading.
func (m *Manager) StartUpload(id string) error {
	m.mu.Lock()
	mu, ok := m.uploads[id]
	if !ok {
		m.mu.Unlock()
		return tuserr.ErrUploadIDNotFound
	}
	if mu.Status == StatusUploading {
		m.mu.Unlock()
		return nil
	}
	if len(m.active) >= m.cfg.ConcurrencyBound {
		m.enqueueLocked(id)
		m.mu.Unlock()
		return nil
	}
	m.activateLocked(mu)
	m.mu.Unlock()

	m.dispatch(mu)
	return nil
}

// activateLocked marks mu active and uploading. Caller holds m.mu.
func (m *Manager) activateLocked(mu *ManagedUpload) {
	m.active[mu.ID] = true
	mu.Status = StatusUploading
	mu.UpdatedAt = time.Now()
}

func (m *Manager) enqueueLocked(id string) {
	for _, qid := range m.queue {
		if qid == id {
			return
		}
	}
	m.queue = append(m.queue, id)
}

func (m *Manager) removeFromQueueLocked(id string) {
	for i, qid := range m.queue {
		if qid == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// dispatch runs mu's upload or resume on its own goroutine, per whether
// the underlying engine already holds a paused upload.
func (m *Manager) dispatch(mu *ManagedUpload) {
	if mu.Engine.State() == engine.Paused {
		m.publish(mu, EventResume)
		go m.runResume(mu)
		return
	}
	m.publish(mu, EventStart)
	go m.runUpload(mu)
}

func (m *Manager) progressCallback(mu *ManagedUpload) engine.OnProgressFunc {
	return func(percent float64, eta time.Duration) {
		m.mu.Lock()
		mu.Progress = percent
		mu.ETA = eta
		mu.UpdatedAt = time.Now()
		m.mu.Unlock()
		m.publish(mu, EventProgress)
	}
}

func (m *Manager) runUpload(mu *ManagedUpload) {
	opts := engine.UploadOptions{
		Headers:           mu.Headers,
		Metadata:          mu.Metadata,
		MeasureSpeed:      m.cfg.MeasureSpeed,
		PreventDuplicates: m.cfg.PreventDuplicates,
		Callbacks: engine.CallbackOverride{
			OnProgress: m.progressCallback(mu),
		},
	}

	err := mu.Engine.Upload(context.Background(), m.cfg.ServerURL, opts)
	m.settle(mu, err)
}

func (m *Manager) runResume(mu *ManagedUpload) {
	err := mu.Engine.Resume(context.Background(), mu.Headers, engine.CallbackOverride{
		OnProgress: m.progressCallback(mu),
	})
	m.settle(mu, err)
}

// settle handles the outcome of a run started by dispatch. A pause is
// handled entirely by PauseUpload synchronously with the pause request;
// settle only reacts to completion or failure.
func (m *Manager) settle(mu *ManagedUpload, err error) {
	if mu.Engine.State() == engine.Paused {
		return
	}

	m.mu.Lock()
	delete(m.active, mu.ID)
	if err != nil {
		mu.Status = StatusFailed
		mu.Err = err
	} else {
		mu.Status = StatusCompleted
	}
	mu.UpdatedAt = time.Now()
	m.mu.Unlock()

	if err != nil {
		m.publish(mu, EventError)
	} else {
		m.publish(mu, EventComplete)
	}

	m.processQueue()
}

// PauseUpload delegates to the underlying engine's pause if the upload is
// currently uploading; otherwise it is a no-op.
func (m *Manager) PauseUpload(id string) error {
	m.mu.Lock()
	mu, ok := m.uploads[id]
	if !ok {
		m.mu.Unlock()
		return tuserr.ErrUploadIDNotFound
	}
	if mu.Status != StatusUploading {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if !mu.Engine.Pause() {
		return nil
	}

	m.mu.Lock()
	mu.Status = StatusPaused
	delete(m.active, id)
	mu.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.publish(mu, EventPause)
	m.processQueue()
	return nil
}

// ResumeUpload honors the concurrency bound (enqueueing if exhausted) or
// immediately delegates to the engine's resume.
func (m *Manager) ResumeUpload(id string) error {
	m.mu.Lock()
	mu, ok := m.uploads[id]
	if !ok {
		m.mu.Unlock()
		return tuserr.ErrUploadIDNotFound
	}
	if mu.Status != StatusPaused {
		m.mu.Unlock()
		return tuserr.ErrNotPaused
	}
	if len(m.active) >= m.cfg.ConcurrencyBound {
		m.enqueueLocked(id)
		m.mu.Unlock()
		return nil
	}
	m.activateLocked(mu)
	m.mu.Unlock()

	m.dispatch(mu)
	return nil
}

// CancelUpload delegates to the engine's cancel if uploading, then
// unconditionally removes the managed upload from state, the active set
// and the queue. It always returns true unless id is unknown.
func (m *Manager) CancelUpload(id string) bool {
	m.mu.Lock()
	mu, ok := m.uploads[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	wasUploading := mu.Status == StatusUploading
	m.mu.Unlock()

	if wasUploading {
		if err := mu.Engine.Cancel(); err != nil {
			m.logger.Warnf("tus: cancel %s: %s", id, err)
		}
	} else if m.cfg.Store != nil {
		if err := m.cfg.Store.Remove(mu.Fingerprint); err != nil {
			m.logger.Warnf("tus: cancel %s: store removal failed: %s", id, err)
		}
	}

	m.mu.Lock()
	delete(m.uploads, id)
	delete(m.active, id)
	m.removeFromQueueLocked(id)
	mu.Status = StatusCancelled
	mu.UpdatedAt = time.Now()
	m.mu.Unlock()

	m.publish(mu, EventCancel)
	m.processQueue()
	return true
}

// PauseAll pauses every currently-uploading managed upload.
func (m *Manager) PauseAll() {
	for _, id := range m.snapshotIDs(StatusUploading) {
		if err := m.PauseUpload(id); err != nil {
			m.logger.Warnf("tus: pause_all: %s: %s", id, err)
		}
	}
}

// ResumeAll resumes every currently-paused managed upload.
func (m *Manager) ResumeAll() {
	for _, id := range m.snapshotIDs(StatusPaused) {
		if err := m.ResumeUpload(id); err != nil {
			m.logger.Warnf("tus: resume_all: %s: %s", id, err)
		}
	}
}

// CancelAll cancels every managed upload.
func (m *Manager) CancelAll() {
	for _, id := range m.snapshotAllIDs() {
		m.CancelUpload(id)
	}
}

func (m *Manager) snapshotIDs(status Status) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.uploads))
	for id, mu := range m.uploads {
		if mu.Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Manager) snapshotAllIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.uploads))
	for id := range m.uploads {
		ids = append(ids, id)
	}
	return ids
}

// GetUpload returns the managed upload for id, if any.
func (m *Manager) GetUpload(id string) (*ManagedUpload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.uploads[id]
	return mu, ok
}

// GetAllUploads returns a snapshot of every managed upload.
func (m *Manager) GetAllUploads() []*ManagedUpload {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := make([]*ManagedUpload, 0, len(m.uploads))
	for _, mu := range m.uploads {
		all = append(all, mu)
	}
	return all
}

// GetIDByFingerprint returns the id of the newest (by creation time)
// managed upload for fp.
func (m *Manager) GetIDByFingerprint(fp string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *ManagedUpload
	for _, mu := range m.uploads {
		if mu.Fingerprint != fp {
			continue
		}
		if best == nil || mu.CreatedAt.After(best.CreatedAt) {
			best = mu
		}
	}
	if best == nil {
		return "", false
	}
	return best.ID, true
}

// GetFingerprintForID returns the fingerprint of the managed upload
// identified by id.
func (m *Manager) GetFingerprintForID(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.uploads[id]
	if !ok {
		return "", false
	}
	return mu.Fingerprint, true
}

// processQueue pops queued ids and starts them while slots remain free,
// skipping any that became stale (removed or already terminal) between
// enqueue and drain.
func (m *Manager) processQueue() {
	for {
		m.mu.Lock()
		if len(m.active) >= m.cfg.ConcurrencyBound || len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}

		id := m.queue[0]
		m.queue = m.queue[1:]

		mu, ok := m.uploads[id]
		if !ok || isTerminal(mu.Status) {
			m.mu.Unlock()
			continue
		}

		m.activateLocked(mu)
		m.mu.Unlock()

		m.dispatch(mu)
	}
}

// Dispose closes the event broadcaster. Uploads already running continue
// to completion; their events are simply no longer delivered.
func (m *Manager) Dispose() {
	m.mu.Lock()
	m.disposed = true
	m.mu.Unlock()
	m.events.close()
}

// idClock hands out ids of the form "<fingerprint>-<monotonic_timestamp_ms>"
// that are guaranteed increasing even across calls within the same
// millisecond.
type idClock struct {
	mu   sync.Mutex
	last int64
}

func (c *idClock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UnixMilli()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}
