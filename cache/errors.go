package cache

import (
	"fmt"

	"github.com/kilnworks/kiln/types"
)

// IOError reports a cache directory failure: unwritable root, failed
// temp file, failed publish. The cache is shared infrastructure, so an
// IOError is job-level: it aborts the whole job rather than failing a
// single item.
type IOError struct {
	// Op is the operation that failed (e.g. "open", "stage", "publish").
	Op string
	// Path is the cache path involved.
	Path string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *IOError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *IOError) Unwrap() error {
	return e.Err
}

// ErrorKind implements types.KindedError.
func (e *IOError) ErrorKind() types.ErrorKind {
	return types.ErrorKindCacheIO
}
