package secrets

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProviderMTLS is the well-known name of the environment-backed mTLS
// provider.
const ProviderMTLS = "kiln.mtls"

// Environment variables consulted by the mTLS provider. The host (or
// the sandbox around the module) injects credential paths here instead
// of sharing a config file into the module's namespace.
const (
	EnvClientCert = "KILN_MTLS_CLIENT_CERT"
	EnvClientKey  = "KILN_MTLS_CLIENT_KEY"
	EnvCACert     = "KILN_MTLS_CA_CERT"
)

// EnvProvider resolves ProviderMTLS from the process environment.
// Client cert and key are both required; the CA cert is optional.
type EnvProvider struct{}

// Get implements Provider.
func (EnvProvider) Get(name string) (*Bundle, error) {
	if name != ProviderMTLS {
		return nil, &NotFoundError{Name: name}
	}

	cert := os.Getenv(EnvClientCert)
	key := os.Getenv(EnvClientKey)
	if cert == "" || key == "" {
		return nil, &NotFoundError{
			Name: name,
			Err:  fmt.Errorf("%s and %s must both be set", EnvClientCert, EnvClientKey),
		}
	}

	return &Bundle{
		ClientCert: cert,
		ClientKey:  key,
		CACert:     os.Getenv(EnvCACert),
	}, nil
}

// FileStore resolves names from a YAML file mapping provider names to
// bundles:
//
//	kiln.mtls:
//	  client_cert: /etc/kiln/pki/client.pem
//	  client_key: /etc/kiln/pki/client-key.pem
//	  ca_cert: /etc/kiln/pki/ca.pem
type FileStore struct {
	bundles map[string]*Bundle
}

// OpenFileStore loads and parses a secrets file.
func OpenFileStore(path string) (*FileStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secrets file: %w", err)
	}

	var bundles map[string]*Bundle
	if err := yaml.Unmarshal(raw, &bundles); err != nil {
		return nil, fmt.Errorf("secrets file %s: %w", path, err)
	}

	return &FileStore{bundles: bundles}, nil
}

// Get implements Provider.
func (s *FileStore) Get(name string) (*Bundle, error) {
	b, ok := s.bundles[name]
	if !ok || b == nil {
		return nil, &NotFoundError{Name: name}
	}
	return b, nil
}

// Static resolves from a fixed in-memory map. Useful for tests and for
// hosts that assemble credentials programmatically.
type Static map[string]*Bundle

// Get implements Provider.
func (s Static) Get(name string) (*Bundle, error) {
	b, ok := s[name]
	if !ok || b == nil {
		return nil, &NotFoundError{Name: name}
	}
	return b, nil
}

// Chain tries each provider in order and returns the first bundle
// found. Errors other than NotFound stop the chain immediately.
type Chain []Provider

// Get implements Provider.
func (c Chain) Get(name string) (*Bundle, error) {
	for _, p := range c {
		b, err := p.Get(name)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, &NotFoundError{Name: name}
}
