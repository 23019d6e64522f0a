package config

import (
	"fmt"
	"time"
)

// Config represents a kiln.yaml configuration file.
// All values are optional and act as defaults for kiln flags.
// CLI flags always override config values.
type Config struct {
	Cache     string        `yaml:"cache"`
	Module    string        `yaml:"module"`
	Transport string        `yaml:"transport"`
	Encoding  string        `yaml:"encoding"`
	Fetch     FetchConfig   `yaml:"fetch"`
	Secrets   SecretsConfig `yaml:"secrets"`
	Notify    NotifyConfig  `yaml:"notify"`
}

// FetchConfig holds fetch job defaults from the config file.
type FetchConfig struct {
	Fanout  int      `yaml:"fanout"`
	Timeout Duration `yaml:"timeout"`
	Retries *int     `yaml:"retries,omitempty"`
	Proxy   string   `yaml:"proxy"`
	S3      S3Config `yaml:"s3"`
}

// S3Config holds s3:// downloader settings from the config file.
// Credentials always come from the AWS default chain.
type S3Config struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// SecretsConfig points modules at a secrets store.
type SecretsConfig struct {
	File string `yaml:"file"`
}

// NotifyConfig holds notifier defaults from the config file.
type NotifyConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
