package fetch

import (
	"os"
	"strconv"
	"time"
)

// Environment variables the host sets on the module process to tune a
// fetch job. Channel wiring travels as command-line flags; tuning
// travels as environment so the flag surface stays the protocol set.
const (
	EnvFanout      = "KILN_FETCH_FANOUT"
	EnvTimeout     = "KILN_FETCH_TIMEOUT"
	EnvRetries     = "KILN_FETCH_RETRIES"
	EnvProxy       = "KILN_FETCH_PROXY"
	EnvS3Region    = "KILN_S3_REGION"
	EnvS3Endpoint  = "KILN_S3_ENDPOINT"
	EnvS3PathStyle = "KILN_S3_PATH_STYLE"
)

// ConfigFromEnv reads fetch tuning from the process environment. The
// host generates these values, so a malformed one falls back to the
// default instead of failing the job.
func ConfigFromEnv() Config {
	var cfg Config
	if v := os.Getenv(EnvFanout); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fanout = n
		}
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = d
		}
	}
	if v := os.Getenv(EnvRetries); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retries = n
		}
	}
	cfg.Proxy = os.Getenv(EnvProxy)
	cfg.S3.Region = os.Getenv(EnvS3Region)
	cfg.S3.Endpoint = os.Getenv(EnvS3Endpoint)
	if v := os.Getenv(EnvS3PathStyle); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.S3.UsePathStyle = b
		}
	}
	return cfg
}
