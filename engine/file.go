package engine

import "io"

// File is the out-of-scope file abstraction an Engine is built around: a
// name, an optional MIME type, a size (or UnknownSize if not yet known) and
// ranged byte reads. Callers provide their own implementation; this
// package never opens, closes or owns the underlying resource beyond the
// lifetime of a single upload.
type File interface {
	Name() string
	// Size returns the file's byte length, or UnknownSize if it isn't
	// known yet.
	Size() int64
	// MIME returns the file's content type, or "" if unknown.
	MIME() string

	io.ReaderAt
}

// UnknownSize is the sentinel Size() value for a file whose length isn't
// known at Engine construction time.
const UnknownSize = -1

// readChunk reads up to n bytes starting at off from f. Ranged reads for
// [start,end) return exactly end-start bytes except at end-of-file,
// mirroring io.ReaderAt's own contract.
func readChunk(f File, off int64, n int64) ([]byte, error) {
	buf := make([]byte, n)
	read, err := f.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:read], nil
}

// materializeSize determines a file's true byte length by scanning forward
// with ReadAt, for a file that reports size zero (or, defensively here,
// UnknownSize).
func materializeSize(f File) (int64, error) {
	const probe = 64 * 1024
	buf := make([]byte, probe)

	var total int64
	for {
		n, err := f.ReadAt(buf, total)
		total += int64(n)
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return total, nil
		}
	}
}
