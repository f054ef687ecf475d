// Package s3 serves a behavior document stored as an object in an S3-compatible bucket (AWS S3
// or MinIO).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/polisai/polis-intercept/pkg/loader"
)

// ObjectAPI is the subset of the S3 client the source uses.
type ObjectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config holds construction parameters. Credentials fall back to the default AWS chain when no
// access key is set.
type Config struct {
	Region          string
	Bucket          string
	Key             string
	Endpoint        string // optional; custom endpoint such as MinIO
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	PathStyle       bool
	// Format overrides the format derived from the key's extension.
	Format loader.Format
}

// Source fetches the behavior document object. Unchanged objects, by ETag, are not downloaded
// again.
type Source struct {
	*loader.DocumentSource

	client ObjectAPI
	bucket string
	key    string
	format loader.Format

	mu     sync.Mutex
	etag   string
	cached []byte
}

// New creates a Source from cfg using the AWS SDK default configuration chain.
func New(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.Bucket == "" || cfg.Key == "" {
		return nil, errors.New("s3 bucket and key required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg)
}

// NewWithClient creates a Source over an existing client.
func NewWithClient(client ObjectAPI, cfg Config) (*Source, error) {
	format := cfg.Format
	if format == "" {
		f, err := loader.FormatFromPath(cfg.Key)
		if err != nil {
			return nil, err
		}
		format = f
	}
	s := &Source{client: client, bucket: cfg.Bucket, key: cfg.Key, format: format}
	s.DocumentSource = loader.Documents(s.fetch)
	return s, nil
}

func (s *Source) fetch(ctx context.Context) ([]byte, loader.Format, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &s.key})
	if err != nil {
		return nil, "", fmt.Errorf("head s3://%s/%s: %w", s.bucket, s.key, err)
	}
	etag := aws.ToString(head.ETag)
	if etag != "" && etag == s.etag {
		return s.cached, s.format, nil
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &s.key})
	if err != nil {
		return nil, "", fmt.Errorf("get s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer func() { _ = out.Body.Close() }()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, out.Body); err != nil {
		return nil, "", fmt.Errorf("read s3://%s/%s: %w", s.bucket, s.key, err)
	}

	s.etag = aws.ToString(out.ETag)
	s.cached = buf.Bytes()
	return s.cached, s.format, nil
}
