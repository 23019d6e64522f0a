package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/kilnworks/kiln/iox"
	"github.com/kilnworks/kiln/secrets"
)

// drainLimit caps how much of a rejected response body gets read out
// for connection reuse.
const drainLimit int64 = 64 << 10

// StatusError is returned for non-2xx HTTP responses. Wrapping the
// status code lets callers distinguish retriable (5xx) from
// non-retriable (4xx) failures.
type StatusError struct {
	Code int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// httpDownloader serves http:// and https:// URLs. The client is built
// per request because the TLS identity varies per item bundle.
type httpDownloader struct {
	proxy string
}

func (d *httpDownloader) open(ctx context.Context, rawURL string, bundle *secrets.Bundle) (io.ReadCloser, int64, error) {
	client, err := d.client(bundle)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		iox.DrainClose(resp.Body, drainLimit)
		return nil, 0, &StatusError{Code: resp.StatusCode}
	}
	return resp.Body, resp.ContentLength, nil
}

func (d *httpDownloader) client(bundle *secrets.Bundle) (*http.Client, error) {
	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}

	if d.proxy != "" {
		proxyURL, err := url.Parse(d.proxy)
		if err != nil {
			return nil, fmt.Errorf("proxy url %q: %w", d.proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	if bundle != nil {
		tlsConfig, err := bundle.TLSConfig()
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &http.Client{Transport: transport}, nil
}
