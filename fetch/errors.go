package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/kilnworks/kiln/types"
)

// downloadError is an item-scoped transfer failure: unreachable host,
// error status, TLS failure or timeout.
type downloadError struct {
	url string
	err error
}

// Error implements the error interface.
func (e *downloadError) Error() string {
	return fmt.Sprintf("download %s: %v", e.url, e.err)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *downloadError) Unwrap() error {
	return e.err
}

// ErrorKind implements types.KindedError.
func (e *downloadError) ErrorKind() types.ErrorKind {
	return types.ErrorKindDownload
}

// checksumError reports downloaded bytes that hashed to the wrong digest.
type checksumError struct {
	key types.ChecksumKey
	got string
}

// Error implements the error interface.
func (e *checksumError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: downloaded bytes hash to %s", e.key, e.got)
}

// ErrorKind implements types.KindedError.
func (e *checksumError) ErrorKind() types.ErrorKind {
	return types.ErrorKindChecksumMismatch
}

// itemScoped reports whether an error kind stays inside one item's
// outcome instead of failing the whole job.
func itemScoped(kind types.ErrorKind) bool {
	switch kind {
	case types.ErrorKindSecretNotFound, types.ErrorKindChecksumMismatch, types.ErrorKindDownload:
		return true
	}
	return false
}

// retriable reports whether a failed download attempt is worth
// repeating: HTTP 5xx and transport-level failures are, 4xx and
// context cancellation are not.
func retriable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= 500
	}
	return true
}
