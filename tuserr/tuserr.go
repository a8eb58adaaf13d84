// Package tuserr defines the error kinds shared by the transport, engine and
// manager packages: protocol violations, state errors and duplicate-upload
// rejection. Transport and I/O errors are not given dedicated types here —
// they are propagated as-is (optionally wrapped with fmt.Errorf) from the
// HTTP client and file handle.
package tuserr

import (
	"errors"
	"fmt"
)

var (
	// ErrNilUpload is returned when an operation is given a nil upload
	// descriptor or file handle.
	ErrNilUpload = errors.New("tus: upload can't be nil")

	// ErrFingerprintNotSet is returned when resumption is enabled but the
	// upload has no fingerprint.
	ErrFingerprintNotSet = errors.New("tus: fingerprint not set")

	// ErrUploadNotFound reports that no URL is recorded for a fingerprint.
	// The Store backends in this module report a missing entry through
	// Get's boolean result and do not return it.
	ErrUploadNotFound = errors.New("tus: upload not found in store")

	// ErrNotPaused is returned by Resume when the engine was not paused.
	ErrNotPaused = errors.New("tus: resume called without a paused upload")

	// ErrNoUploadURL is returned by Resume when the engine holds no server
	// upload URL to resume.
	ErrNoUploadURL = errors.New("tus: no upload URL to resume")

	// ErrDuplicateUpload is returned when prevent_duplicates is true and a
	// store entry existed for the fingerprint but the server has forgotten
	// the upload. The caller must retry with prevent_duplicates=false to
	// force a new upload.
	ErrDuplicateUpload = errors.New("tus: duplicate upload rejected; server lost prior upload, retry with prevent_duplicates=false to force a new one")

	// ErrUploadIDNotFound is returned by Manager operations given an
	// unknown managed-upload id.
	ErrUploadIDNotFound = errors.New("tus: no managed upload with that id")

	// ErrManagerDisposed is returned by Manager.AddUpload when called after
	// Dispose.
	ErrManagerDisposed = errors.New("tus: manager has been disposed")
)

// ProtocolError reports that the server violated the tus 1.0.0 contract:
// a missing/invalid Upload-Offset, a missing Location header, an offset
// mismatch after a PATCH, or an unexpected status code.
type ProtocolError struct {
	// Op names the request that failed (e.g. "create", "patch", "head").
	Op string
	// Status is the HTTP status of the offending response (also set when a
	// 2xx response lacks a required header), or 0 for violations the engine
	// detects itself after a successful PATCH (an offset mismatch or no
	// progress).
	Status int
	// Reason is a short human-readable explanation.
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("tus: protocol error during %s (status %d): %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("tus: protocol error during %s: %s", e.Op, e.Reason)
}

// NewProtocolError builds a ProtocolError.
func NewProtocolError(op string, status int, reason string) *ProtocolError {
	return &ProtocolError{Op: op, Status: status, Reason: reason}
}

// IsProtocolError reports whether err is (or wraps) a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
