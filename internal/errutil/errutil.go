// Package errutil aggregates multiple errors from a batch operation (glob
// expansion) into one value; the individual errors stay reachable by
// ranging over the Multi.
package errutil

import "strings"

// Multi joins zero or more errors. A nil Multi and an empty Multi both
// report no error from ErrOrNil.
type Multi []error

// Error joins every non-nil error's message on its own line.
func (m Multi) Error() string {
	parts := make([]string, 0, len(m))
	for _, err := range m {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	return strings.Join(parts, "\n")
}

// Append adds err to *m if err is non-nil.
func Append(m *Multi, err error) {
	if err == nil {
		return
	}
	*m = append(*m, err)
}

// ErrOrNil returns m as an error, or nil if m has no entries.
func (m Multi) ErrOrNil() error {
	if len(m) == 0 {
		return nil
	}
	return m
}
