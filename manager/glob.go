package manager

import (
	"fmt"
	"net/http"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-tus/tusclient/engine"
	"github.com/go-tus/tusclient/internal/errutil"
)

// FileOpener constructs an engine.File for a matched path. The caller
// retains ownership of whatever underlying resource it opens.
type FileOpener func(path string) (engine.File, error)

// AddUploadsFromGlob expands pattern with doublestar (supporting "**"
// across path separators) and calls AddUpload once per match, in the
// order doublestar returns them. A failure to open or add one match does
// not stop the rest; every error encountered is joined into the returned
// error so the caller can see which matches succeeded.
func (m *Manager) AddUploadsFromGlob(pattern string, opener FileOpener, metadata map[string]string, headers http.Header) ([]string, error) {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil, fmt.Errorf("expand glob %q: %w", pattern, err)
	}

	var errs errutil.Multi
	ids := make([]string, 0, len(matches))
	for _, path := range matches {
		file, err := opener(path)
		if err != nil {
			errutil.Append(&errs, fmt.Errorf("open %q: %w", path, err))
			continue
		}

		id, err := m.AddUpload(file, metadata, headers, 0)
		if err != nil {
			errutil.Append(&errs, fmt.Errorf("add upload for %q: %w", path, err))
			continue
		}
		ids = append(ids, id)
	}

	return ids, errs.ErrOrNil()
}
