package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MethodFetch is the method name that dispatches to the fetch job.
const MethodFetch = "fetch"

// ItemStatus classifies the outcome of one fetch item.
type ItemStatus string

const (
	// ItemStatusCached means the item was already in the cache; no network I/O.
	ItemStatusCached ItemStatus = "cached"
	// ItemStatusFetched means the item was downloaded, verified and published.
	ItemStatusFetched ItemStatus = "fetched"
	// ItemStatusFailed means an item-scoped error occurred; see Error.
	ItemStatusFailed ItemStatus = "failed"
)

// ErrorKind classifies protocol and job errors. The kind becomes the
// Exception name when a job fails, or the ItemError kind when only a
// single item fails.
type ErrorKind string

const (
	// ErrorKindTransport covers channel-level send/receive failures. Fatal,
	// never retried at this layer.
	ErrorKindTransport ErrorKind = "TransportError"
	// ErrorKindProtocol covers malformed envelopes, unknown message kinds and
	// messages arriving in the wrong state.
	ErrorKindProtocol ErrorKind = "ProtocolError"
	// ErrorKindSchema covers Method payloads that fail schema validation.
	ErrorKindSchema ErrorKind = "SchemaError"
	// ErrorKindSecretNotFound is item-scoped: a secrets reference that no
	// provider can resolve.
	ErrorKindSecretNotFound ErrorKind = "SecretNotFound"
	// ErrorKindChecksumMismatch is item-scoped: downloaded bytes did not hash
	// to the requested digest.
	ErrorKindChecksumMismatch ErrorKind = "ChecksumMismatch"
	// ErrorKindDownload is item-scoped: unreachable host, HTTP error status,
	// TLS failure or timeout.
	ErrorKindDownload ErrorKind = "DownloadError"
	// ErrorKindCacheIO covers cache directory failures. Job-level: the cache
	// is shared infrastructure, so one failure poisons every item.
	ErrorKindCacheIO ErrorKind = "CacheIOError"
	// ErrorKindInternal is the fallback for errors without a declared kind.
	ErrorKindInternal ErrorKind = "InternalError"
)

// KindedError is implemented by errors that declare a protocol error kind.
type KindedError interface {
	error
	ErrorKind() ErrorKind
}

// KindOf extracts the error kind from err, walking wrapped errors.
// Errors without a declared kind report ErrorKindInternal.
func KindOf(err error) ErrorKind {
	var k KindedError
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	return ErrorKindInternal
}

// ItemError describes why a single item failed. Only item-scoped kinds
// belong here; infrastructure failures abort the whole job instead.
type ItemError struct {
	Kind    ErrorKind `msgpack:"kind" json:"kind"`
	Message string    `msgpack:"message" json:"message"`
}

// Error implements the error interface.
func (e *ItemError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// ErrorKind implements KindedError.
func (e *ItemError) ErrorKind() ErrorKind {
	return e.Kind
}

// ItemOutcome is the per-item result recorded in a fetch Reply.
type ItemOutcome struct {
	// Status is the outcome classification.
	Status ItemStatus `msgpack:"status" json:"status"`
	// Path is the absolute cache entry path for cached and fetched items.
	Path string `msgpack:"path,omitempty" json:"path,omitempty"`
	// Error is set for failed items.
	Error *ItemError `msgpack:"error,omitempty" json:"error,omitempty"`
}

// FetchResult is the Reply payload of a fetch job: exactly one outcome per
// requested checksum key.
type FetchResult struct {
	Items map[string]ItemOutcome `msgpack:"items" json:"items"`
}

// Counts tallies outcomes by status.
func (r *FetchResult) Counts() (fetched, cached, failed int) {
	for _, out := range r.Items {
		switch out.Status {
		case ItemStatusFetched:
			fetched++
		case ItemStatusCached:
			cached++
		case ItemStatusFailed:
			failed++
		}
	}
	return fetched, cached, failed
}

// ProgressKind names the per-item progress signals a fetch job emits.
type ProgressKind string

const (
	// ProgressItemStarted is emitted when an item's download begins.
	// Cache hits skip straight to item_finished.
	ProgressItemStarted ProgressKind = "item_started"
	// ProgressItemProgress is emitted periodically while bytes arrive.
	ProgressItemProgress ProgressKind = "item_progress"
	// ProgressItemFinished is emitted once per item with its final outcome.
	ProgressItemFinished ProgressKind = "item_finished"
)

// ProgressEvent is the Signal payload emitted while a fetch job runs.
type ProgressEvent struct {
	// Event is the progress kind discriminant.
	Event ProgressKind `msgpack:"event" json:"event"`
	// Checksum is the canonical item key this event concerns.
	Checksum string `msgpack:"checksum" json:"checksum"`
	// BytesDone is the byte count received so far, for item_progress.
	BytesDone int64 `msgpack:"bytes_done,omitempty" json:"bytes_done,omitempty"`
	// BytesTotal is the expected total when the origin reports one, else 0.
	BytesTotal int64 `msgpack:"bytes_total,omitempty" json:"bytes_total,omitempty"`
	// Outcome carries the final item outcome, for item_finished.
	Outcome *ItemOutcome `msgpack:"outcome,omitempty" json:"outcome,omitempty"`
}

// DecodeProgressEvent converts a decoded Signal payload into a typed
// ProgressEvent. Payloads arrive as generic maps from either encoding, so
// this round-trips through JSON rather than hand-mapping fields.
func DecodeProgressEvent(v any) (*ProgressEvent, error) {
	var ev ProgressEvent
	if err := remarshal(v, &ev); err != nil {
		return nil, fmt.Errorf("progress event: %w", err)
	}
	if ev.Event == "" {
		return nil, errors.New("progress event: missing event field")
	}
	return &ev, nil
}

// DecodeFetchResult converts a decoded Reply payload into a typed FetchResult.
func DecodeFetchResult(v any) (*FetchResult, error) {
	var res FetchResult
	if err := remarshal(v, &res); err != nil {
		return nil, fmt.Errorf("fetch result: %w", err)
	}
	if res.Items == nil {
		return nil, errors.New("fetch result: missing items field")
	}
	return &res, nil
}

func remarshal(v, into any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, into)
}
