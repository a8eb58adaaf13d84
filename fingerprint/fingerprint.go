// Package fingerprint derives a stable identifier for a file from its name,
// size and MIME type, for use as a resumption-store lookup key.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// unknownSize is used in place of a byte count when the caller doesn't know
// the file size at construction time.
const unknownSize = -1

// Of computes a deterministic fingerprint for a file described by name, size
// and mime. size should be unknownSize (pass Dynamic()) when the length isn't
// known yet; mime may be empty.
func Of(name string, size int64, mime string) string {
	h := sha256.New()

	fmt.Fprintf(h, "%s::", name)

	if size < 0 {
		fmt.Fprint(h, "size-dynamic")
	} else {
		fmt.Fprintf(h, "size-%d", size)
	}

	if mime != "" {
		fmt.Fprintf(h, "::mime-%s", mime)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Dynamic is the size value to pass to Of when the file's length is not yet
// known.
func Dynamic() int64 {
	return unknownSize
}
