// Package secrets resolves named credential bundles for authenticated
// downloads.
//
// A fetch item may reference a secrets provider by name; the module
// resolves the name through a Provider and presents the resulting TLS
// client credentials on the download. Resolution failures are scoped to
// the item, never the job.
package secrets

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/kilnworks/kiln/types"
)

// ErrNotFound indicates a secrets name no provider could resolve.
// Use errors.Is(err, ErrNotFound) for typed assertions.
var ErrNotFound = errors.New("secret not found")

// NotFoundError carries the unresolved name and, when resolution was
// attempted but incomplete, the reason. Matches ErrNotFound.
type NotFoundError struct {
	// Name is the requested provider name.
	Name string
	// Err optionally carries why resolution failed.
	Err error
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("secret %q: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("secret %q not found", e.Name)
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the ErrNotFound sentinel.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ErrorKind implements types.KindedError.
func (e *NotFoundError) ErrorKind() types.ErrorKind {
	return types.ErrorKindSecretNotFound
}

// Bundle is a TLS client credential set, held as paths to PEM files.
// CACert is optional; when empty the system trust store applies.
type Bundle struct {
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
	CACert     string `yaml:"ca_cert,omitempty"`
}

// TLSConfig materializes the bundle into a TLS client configuration.
// Unreadable or malformed credential files error here, at use time;
// that is a download-time failure, not a resolution failure.
func (b *Bundle) TLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if b.ClientCert != "" || b.ClientKey != "" {
		pair, err := tls.LoadX509KeyPair(b.ClientCert, b.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	if b.CACert != "" {
		pem, err := os.ReadFile(b.CACert)
		if err != nil {
			return nil, fmt.Errorf("load ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca cert %s: no certificates found", b.CACert)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// Provider resolves a credential bundle by name.
type Provider interface {
	// Get returns the bundle for name, or an error matching ErrNotFound
	// when the name is unresolvable.
	Get(name string) (*Bundle, error)
}
