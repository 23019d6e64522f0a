package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/kilnworks/kiln/secrets"
)

// S3Options tune the s3:// downloader. Credentials always come from the
// AWS default chain (env vars, shared config, IAM role).
type S3Options struct {
	// Region is the AWS region (optional, uses default chain if empty).
	Region string
	// Endpoint is a custom S3 endpoint URL for S3-compatible providers
	// (e.g. Cloudflare R2, MinIO). Empty uses the default AWS endpoint.
	Endpoint string
	// UsePathStyle forces path-style addressing (bucket in path, not
	// subdomain). Required by most S3-compatible providers.
	UsePathStyle bool
}

// s3Downloader serves s3://bucket/key URLs. Item secrets do not apply;
// authentication is the SDK's concern.
type s3Downloader struct {
	opts S3Options

	mu     sync.Mutex
	client *s3.Client
}

func (d *s3Downloader) open(ctx context.Context, rawURL string, _ *secrets.Bundle) (io.ReadCloser, int64, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return nil, 0, err
	}

	client, err := d.load(ctx)
	if err != nil {
		return nil, 0, err
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, err
	}

	total := int64(-1)
	if out.ContentLength != nil {
		total = *out.ContentLength
	}
	return out.Body, total, nil
}

// load builds the client on first use so jobs without s3 items never
// touch AWS configuration.
func (d *s3Downloader) load(ctx context.Context) (*s3.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}

	var loadOpts []func(*config.LoadOptions) error
	if d.opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(d.opts.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if d.opts.Endpoint != "" {
		endpoint := d.opts.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if d.opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	d.client = s3.NewFromConfig(awsConfig, s3Opts...)
	return d.client, nil
}

// parseS3URL splits s3://bucket/key into its bucket and object key.
func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("s3 url %q: missing bucket", rawURL)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 url %q: missing object key", rawURL)
	}
	return u.Host, key, nil
}
