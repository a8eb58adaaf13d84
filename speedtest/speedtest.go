// Package speedtest estimates upload bandwidth ahead of a transfer by
// downloading a small probe object with melbahja/got and timing it.
package speedtest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/melbahja/got"
)

// Probe downloads url to a scratch file and returns the observed transfer
// rate in bytes/sec. A non-nil error means the caller should fall back to
// the engine's own elapsed-wall estimate; the probe is advisory only.
func Probe(ctx context.Context, url string, logger log.Logger) (float64, error) {
	tmp, err := os.CreateTemp("", "tus-speedprobe-*")
	if err != nil {
		return 0, fmt.Errorf("create probe scratch file: %w", err)
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)

	downloader := got.New()

	started := time.Now()
	if err := downloader.Do(got.NewDownload(ctx, url, path)); err != nil {
		return 0, fmt.Errorf("probe download: %w", err)
	}
	elapsed := time.Since(started).Seconds()

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat probe scratch file: %w", err)
	}

	if elapsed <= 0 || info.Size() <= 0 {
		return 0, fmt.Errorf("probe produced no usable timing data")
	}

	bw := float64(info.Size()) / elapsed
	if logger != nil {
		logger.Debugf("tus: speed probe measured %.0f bytes/sec over %s", bw, url)
	}
	return bw, nil
}
