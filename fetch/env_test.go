package fetch

import (
	"testing"
	"time"
)

func TestConfigFromEnv_AllSet(t *testing.T) {
	t.Setenv(EnvFanout, "8")
	t.Setenv(EnvTimeout, "90s")
	t.Setenv(EnvRetries, "2")
	t.Setenv(EnvProxy, "http://proxy.internal:3128")
	t.Setenv(EnvS3Region, "eu-central-1")
	t.Setenv(EnvS3Endpoint, "https://minio.internal:9000")
	t.Setenv(EnvS3PathStyle, "true")

	cfg := ConfigFromEnv()

	if cfg.Fanout != 8 {
		t.Errorf("Fanout = %d, want 8", cfg.Fanout)
	}
	if cfg.Timeout != 90*time.Second {
		t.Errorf("Timeout = %v, want 90s", cfg.Timeout)
	}
	if cfg.Retries != 2 {
		t.Errorf("Retries = %d, want 2", cfg.Retries)
	}
	if cfg.Proxy != "http://proxy.internal:3128" {
		t.Errorf("Proxy = %q", cfg.Proxy)
	}
	if cfg.S3.Region != "eu-central-1" {
		t.Errorf("S3.Region = %q", cfg.S3.Region)
	}
	if cfg.S3.Endpoint != "https://minio.internal:9000" {
		t.Errorf("S3.Endpoint = %q", cfg.S3.Endpoint)
	}
	if !cfg.S3.UsePathStyle {
		t.Error("S3.UsePathStyle should be true")
	}
}

func TestConfigFromEnv_EmptyEnvironment(t *testing.T) {
	t.Setenv(EnvFanout, "")
	t.Setenv(EnvTimeout, "")
	t.Setenv(EnvRetries, "")
	t.Setenv(EnvProxy, "")
	t.Setenv(EnvS3Region, "")
	t.Setenv(EnvS3Endpoint, "")
	t.Setenv(EnvS3PathStyle, "")

	cfg := ConfigFromEnv()

	if cfg.Fanout != 0 || cfg.Timeout != 0 || cfg.Retries != 0 {
		t.Errorf("empty env should leave zero values, got %+v", cfg)
	}
	if cfg.Proxy != "" || cfg.S3.Region != "" || cfg.S3.UsePathStyle {
		t.Errorf("empty env should leave zero values, got %+v", cfg)
	}
}

func TestConfigFromEnv_MalformedValuesIgnored(t *testing.T) {
	t.Setenv(EnvFanout, "many")
	t.Setenv(EnvTimeout, "soon")
	t.Setenv(EnvRetries, "-x")
	t.Setenv(EnvS3PathStyle, "yes please")

	cfg := ConfigFromEnv()

	if cfg.Fanout != 0 {
		t.Errorf("malformed fanout should be ignored, got %d", cfg.Fanout)
	}
	if cfg.Timeout != 0 {
		t.Errorf("malformed timeout should be ignored, got %v", cfg.Timeout)
	}
	if cfg.Retries != 0 {
		t.Errorf("malformed retries should be ignored, got %d", cfg.Retries)
	}
	if cfg.S3.UsePathStyle {
		t.Error("malformed path style should be ignored")
	}
}

func TestConfigFromEnv_PathStyleNumeric(t *testing.T) {
	t.Setenv(EnvS3PathStyle, "1")

	if cfg := ConfigFromEnv(); !cfg.S3.UsePathStyle {
		t.Error("S3.UsePathStyle should accept \"1\"")
	}
}
