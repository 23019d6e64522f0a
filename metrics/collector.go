// Package metrics provides per-job metrics collection.
//
// The Collector accumulates counters during a single fetch job. It is a
// leaf package with no internal dependencies. All increment methods are
// nil-receiver safe, so instrumented code paths stay unconditional and
// callers opt out by passing a nil collector.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all job counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Items
	CacheHits          int64
	Downloads          int64
	DownloadFailures   int64
	DownloadRetries    int64
	ChecksumMismatches int64
	SecretsMissing     int64
	BytesFetched       int64

	// Wire
	SignalsSent  int64
	DecodeErrors int64

	// Dimensions (informational, set at construction)
	JobID  string
	Module string
}

// Fields renders the snapshot as structured log fields.
func (s Snapshot) Fields() map[string]any {
	return map[string]any{
		"cache_hits":          s.CacheHits,
		"downloads":           s.Downloads,
		"download_failures":   s.DownloadFailures,
		"download_retries":    s.DownloadRetries,
		"checksum_mismatches": s.ChecksumMismatches,
		"secrets_missing":     s.SecretsMissing,
		"bytes_fetched":       s.BytesFetched,
		"signals_sent":        s.SignalsSent,
		"decode_errors":       s.DecodeErrors,
	}
}

// Collector accumulates metrics during a single job.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	// Items
	cacheHits          int64
	downloads          int64
	downloadFailures   int64
	downloadRetries    int64
	checksumMismatches int64
	secretsMissing     int64
	bytesFetched       int64

	// Wire
	signalsSent  int64
	decodeErrors int64

	// Dimensions
	jobID  string
	module string
}

// NewCollector creates a Collector with job dimension labels.
func NewCollector(jobID, module string) *Collector {
	return &Collector{jobID: jobID, module: module}
}

// --- Items ---

// IncCacheHit records an item resolved from the cache, no network I/O.
func (c *Collector) IncCacheHit() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cacheHits++
	c.mu.Unlock()
}

// IncDownload records a downloaded, verified and published item.
func (c *Collector) IncDownload() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.downloads++
	c.mu.Unlock()
}

// IncDownloadFailure records an item that failed to download.
func (c *Collector) IncDownloadFailure() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.downloadFailures++
	c.mu.Unlock()
}

// IncDownloadRetry records one retry of a failed download attempt.
func (c *Collector) IncDownloadRetry() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.downloadRetries++
	c.mu.Unlock()
}

// IncChecksumMismatch records downloaded bytes that hashed to the wrong
// digest and were discarded.
func (c *Collector) IncChecksumMismatch() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.checksumMismatches++
	c.mu.Unlock()
}

// IncSecretMissing records an item whose secrets reference resolved to
// nothing.
func (c *Collector) IncSecretMissing() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.secretsMissing++
	c.mu.Unlock()
}

// AddBytesFetched adds verified downloaded bytes. Cache hits add nothing.
func (c *Collector) AddBytesFetched(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.bytesFetched += n
	c.mu.Unlock()
}

// --- Wire ---

// IncSignalSent records one progress Signal sent to the host.
func (c *Collector) IncSignalSent() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.signalsSent++
	c.mu.Unlock()
}

// IncDecodeError records an envelope or payload that failed to decode.
func (c *Collector) IncDecodeError() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.decodeErrors++
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
// The Collector can continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		CacheHits:          c.cacheHits,
		Downloads:          c.downloads,
		DownloadFailures:   c.downloadFailures,
		DownloadRetries:    c.downloadRetries,
		ChecksumMismatches: c.checksumMismatches,
		SecretsMissing:     c.secretsMissing,
		BytesFetched:       c.bytesFetched,

		SignalsSent:  c.signalsSent,
		DecodeErrors: c.decodeErrors,

		JobID:  c.jobID,
		Module: c.module,
	}
}
