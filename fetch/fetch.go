// Package fetch implements the fetch job: resolve each requested item
// against the content cache, download the misses, verify their digests
// and publish them as immutable cache entries.
//
// Failures split two ways. Item-scoped ones (error status, missing
// secret, digest mismatch) land in that item's outcome and leave the
// rest of the job running; infrastructure ones (cache I/O, a broken
// signal channel) abort the whole job with an Exception.
package fetch

import (
	"context"
	"fmt"
	"hash"
	"io"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/kilnworks/kiln/cache"
	"github.com/kilnworks/kiln/iox"
	"github.com/kilnworks/kiln/metrics"
	"github.com/kilnworks/kiln/schema"
	"github.com/kilnworks/kiln/secrets"
	"github.com/kilnworks/kiln/service"
	"github.com/kilnworks/kiln/types"
)

// DefaultFanout bounds concurrent downloads per job.
const DefaultFanout = 4

// DefaultTimeout caps a single download attempt, connect to last byte.
const DefaultTimeout = 5 * time.Minute

// progressInterval throttles item_progress signals per item so large
// downloads do not flood the channel.
const progressInterval = 500 * time.Millisecond

// Config tunes fetch jobs.
type Config struct {
	// Fanout bounds concurrent item downloads (default 4).
	Fanout int
	// Timeout caps one download attempt (default 5m).
	Timeout time.Duration
	// Retries is the number of extra attempts a retriable download
	// failure gets. HTTP 4xx and context cancellation are never retried.
	Retries int
	// Proxy routes HTTP(S) downloads through a fixed proxy URL. Empty
	// means honor the environment's proxy settings.
	Proxy string
	// S3 tunes the s3:// downloader.
	S3 S3Options
}

// Source serves the fetch method.
type Source struct {
	config  Config
	secrets secrets.Provider
	metrics *metrics.Collector

	http *httpDownloader
	s3   *s3Downloader
}

// NewSource builds a fetch handler. provider resolves item secrets
// references and may be nil when no items use them; metrics may be nil.
func NewSource(cfg Config, provider secrets.Provider, m *metrics.Collector) *Source {
	if cfg.Fanout <= 0 {
		cfg.Fanout = DefaultFanout
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Source{
		config:  cfg,
		secrets: provider,
		metrics: m,
		http:    &httpDownloader{proxy: cfg.Proxy},
		s3:      &s3Downloader{opts: cfg.S3},
	}
}

// Name implements service.Handler.
func (s *Source) Name() string {
	return types.MethodFetch
}

// Run implements service.Handler. The returned FetchResult holds one
// outcome per requested checksum key.
func (s *Source) Run(ctx context.Context, req *service.Request) (any, error) {
	items, err := schema.ParseFetchArgs(req.Method.Args)
	if err != nil {
		return nil, err
	}

	req.Logger.Info("fetch started", map[string]any{
		"items":  len(items),
		"fanout": s.config.Fanout,
	})

	result, err := s.fetchAll(ctx, req, items)
	if err != nil {
		return nil, err
	}

	fetched, cached, failed := result.Counts()
	req.Logger.Info("fetch finished", map[string]any{
		"fetched": fetched,
		"cached":  cached,
		"failed":  failed,
	})
	return result, nil
}

// fetchAll runs the items through a bounded worker pool. The first
// infrastructure error cancels the remaining work and fails the job;
// item-scoped failures only mark their own outcome.
func (s *Source) fetchAll(ctx context.Context, req *service.Request, items []schema.Item) (*types.FetchResult, error) {
	result := &types.FetchResult{Items: make(map[string]types.ItemOutcome, len(items))}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, s.config.Fanout)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		jobErr error
	)

	for _, item := range items {
		select {
		case sem <- struct{}{}:
		case <-jobCtx.Done():
		}
		if jobCtx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(item schema.Item) {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, err := s.fetchOne(jobCtx, req, item)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if jobErr == nil {
					jobErr = err
					cancel()
				}
				return
			}
			result.Items[item.Key.String()] = *outcome
		}(item)
	}

	wg.Wait()

	if jobErr != nil {
		return nil, jobErr
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fetch canceled: %w", err)
	}
	return result, nil
}

// fetchOne resolves a single item, emitting its progress signals. The
// returned error is always job-level; item failures come back inside
// the outcome.
func (s *Source) fetchOne(ctx context.Context, req *service.Request, item schema.Item) (*types.ItemOutcome, error) {
	checksum := item.Key.String()

	path, ok, err := req.Cache.Resolve(item.Key)
	if err != nil {
		return nil, err
	}
	if ok {
		s.metrics.IncCacheHit()
		req.Logger.Debug("cache hit", map[string]any{"checksum": checksum})
		outcome := &types.ItemOutcome{Status: types.ItemStatusCached, Path: path}
		if err := req.Emitter.Emit(&types.ProgressEvent{
			Event:    types.ProgressItemFinished,
			Checksum: checksum,
			Outcome:  outcome,
		}); err != nil {
			return nil, err
		}
		return outcome, nil
	}

	if err := req.Emitter.Emit(&types.ProgressEvent{
		Event:    types.ProgressItemStarted,
		Checksum: checksum,
	}); err != nil {
		return nil, err
	}

	outcome, err := s.fetchMiss(ctx, req, item)
	if err != nil {
		return nil, err
	}

	if err := req.Emitter.Emit(&types.ProgressEvent{
		Event:    types.ProgressItemFinished,
		Checksum: checksum,
		Outcome:  outcome,
	}); err != nil {
		return nil, err
	}
	return outcome, nil
}

// fetchMiss downloads, verifies and publishes one item that is not in
// the cache. Item-scoped errors are folded into a failed outcome.
func (s *Source) fetchMiss(ctx context.Context, req *service.Request, item schema.Item) (*types.ItemOutcome, error) {
	checksum := item.Key.String()

	bundle, err := s.resolveSecrets(item)
	if err != nil {
		if !itemScoped(types.KindOf(err)) {
			return nil, err
		}
		req.Logger.Warn("secrets unresolved", map[string]any{"checksum": checksum, "error": err.Error()})
		return failedOutcome(err), nil
	}

	dl, err := s.downloaderFor(item.URL)
	if err != nil {
		return failedOutcome(err), nil
	}

	staged, digest, size, err := s.download(ctx, req, item, bundle, dl)
	if err != nil {
		if !itemScoped(types.KindOf(err)) {
			return nil, err
		}
		s.metrics.IncDownloadFailure()
		req.Logger.Warn("download failed", map[string]any{"checksum": checksum, "error": err.Error()})
		return failedOutcome(err), nil
	}

	if digest != item.Key.Digest {
		req.Cache.Discard(staged)
		s.metrics.IncChecksumMismatch()
		mismatch := &checksumError{key: item.Key, got: digest}
		req.Logger.Warn("checksum mismatch", map[string]any{"checksum": checksum, "got": digest})
		return failedOutcome(mismatch), nil
	}

	path, err := req.Cache.Commit(staged, item.Key)
	if err != nil {
		return nil, err
	}

	s.metrics.IncDownload()
	s.metrics.AddBytesFetched(size)
	req.Logger.Debug("item published", map[string]any{"checksum": checksum, "bytes": size})
	return &types.ItemOutcome{Status: types.ItemStatusFetched, Path: path}, nil
}

// resolveSecrets looks up the item's secrets reference, if any.
func (s *Source) resolveSecrets(item schema.Item) (*secrets.Bundle, error) {
	if item.SecretsName == "" {
		return nil, nil
	}
	if s.secrets == nil {
		s.metrics.IncSecretMissing()
		return nil, &secrets.NotFoundError{Name: item.SecretsName}
	}
	bundle, err := s.secrets.Get(item.SecretsName)
	if err != nil {
		if types.KindOf(err) == types.ErrorKindSecretNotFound {
			s.metrics.IncSecretMissing()
		}
		return nil, err
	}
	return bundle, nil
}

// download pulls the item's bytes into a staged cache file, hashing as
// they arrive. Retriable failures get fresh attempts with exponential
// backoff; each attempt restarts the staged file from scratch. On
// success the caller owns the returned staged file.
func (s *Source) download(ctx context.Context, req *service.Request, item schema.Item, bundle *secrets.Bundle, dl downloader) (*os.File, string, int64, error) {
	report := s.progressReporter(req, item.Key.String())
	attempts := 1 + s.config.Retries

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			s.metrics.IncDownloadRetry()
			req.Logger.Debug("retrying download", map[string]any{
				"checksum": item.Key.String(),
				"attempt":  i + 1,
				"backoff":  backoff.String(),
			})
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, "", 0, &downloadError{url: item.URL, err: ctx.Err()}
			}
		}

		staged, err := req.Cache.Stage(item.Key)
		if err != nil {
			return nil, "", 0, err
		}
		h, err := item.Key.Algorithm.New()
		if err != nil {
			req.Cache.Discard(staged)
			return nil, "", 0, err
		}

		size, err := s.transfer(ctx, item.URL, bundle, dl, staged, h, report)
		if err == nil {
			return staged, types.DigestString(h), size, nil
		}

		req.Cache.Discard(staged)
		if types.KindOf(err) == types.ErrorKindCacheIO {
			return nil, "", 0, err
		}
		lastErr = err
		if !retriable(err) {
			break
		}
	}
	return nil, "", 0, &downloadError{url: item.URL, err: lastErr}
}

// transfer performs one download attempt under the per-attempt timeout.
func (s *Source) transfer(ctx context.Context, rawURL string, bundle *secrets.Bundle, dl downloader, staged *os.File, h hash.Hash, report progressFunc) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	body, total, err := dl.open(ctx, rawURL, bundle)
	if err != nil {
		return 0, err
	}
	defer iox.DiscardClose(body)

	if total < 0 {
		total = 0
	}
	return io.Copy(&stageWriter{file: staged, hash: h, total: total, report: report}, body)
}

// downloader opens the byte stream behind one URL scheme.
type downloader interface {
	// open starts the transfer, returning the body and the declared
	// content length (-1 when the origin does not state one).
	open(ctx context.Context, rawURL string, bundle *secrets.Bundle) (io.ReadCloser, int64, error)
}

func (s *Source) downloaderFor(rawURL string) (downloader, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &downloadError{url: rawURL, err: err}
	}
	switch u.Scheme {
	case "http", "https":
		return s.http, nil
	case "s3":
		return s.s3, nil
	}
	return nil, &downloadError{url: rawURL, err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
}

// progressFunc receives cumulative byte counts while a transfer runs.
type progressFunc func(done, total int64)

// progressReporter returns a per-item callback that forwards byte
// counts as throttled item_progress signals. A failed emit is dropped
// here; a broken channel fails the terminal send anyway.
func (s *Source) progressReporter(req *service.Request, checksum string) progressFunc {
	var last time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(last) < progressInterval {
			return
		}
		last = now
		_ = req.Emitter.Emit(&types.ProgressEvent{
			Event:      types.ProgressItemProgress,
			Checksum:   checksum,
			BytesDone:  done,
			BytesTotal: total,
		})
	}
}

// stageWriter tees downloaded bytes into the staged file and the digest
// hash, reporting progress as they land. A file write failure is cache
// I/O, never a download error.
type stageWriter struct {
	file   *os.File
	hash   hash.Hash
	done   int64
	total  int64
	report progressFunc
}

func (w *stageWriter) Write(p []byte) (int, error) {
	_, _ = w.hash.Write(p)
	n, err := w.file.Write(p)
	if err != nil {
		return n, &cache.IOError{Op: "stage write", Path: w.file.Name(), Err: err}
	}
	w.done += int64(n)
	if w.report != nil {
		w.report(w.done, w.total)
	}
	return n, nil
}

func failedOutcome(err error) *types.ItemOutcome {
	return &types.ItemOutcome{
		Status: types.ItemStatusFailed,
		Error:  &types.ItemError{Kind: types.KindOf(err), Message: err.Error()},
	}
}
