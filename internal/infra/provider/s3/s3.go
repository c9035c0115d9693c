// Package s3 adapts S3-compatible object storage to the upload capability.
package s3

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/failure"
	"github.com/vietddude/pipewarden/internal/routing"
)

// Config holds bucket settings.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // S3-compatible endpoint, empty for AWS
	Prefix   string
}

// API is the subset of the S3 client used by the uploader.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Uploader writes media artifacts to a bucket.
type Uploader struct {
	api API
	cfg Config
}

// NewClient builds an S3 client from the default AWS credential chain.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// NewUploader wraps an S3 API for one bucket.
func NewUploader(api API, cfg Config) *Uploader {
	return &Uploader{api: api, cfg: cfg}
}

// API returns the underlying client, for health probes.
func (u *Uploader) API() API {
	return u.api
}

// Bucket returns the configured bucket.
func (u *Uploader) Bucket() string {
	return u.cfg.Bucket
}

// Provider returns an upload provider priced per thousand kilobytes.
func (u *Uploader) Provider(name string, pricing domain.Pricing) routing.Provider[domain.UploadRequest, domain.UploadResult] {
	return routing.Provider[domain.UploadRequest, domain.UploadResult]{
		Name:       name,
		Capability: domain.CapabilityUpload,
		Invoke:     u.upload,
		Price: func(in domain.UploadRequest, _ domain.UploadResult, err error) float64 {
			if err != nil {
				return 0
			}
			return pricing.Cost((len(in.Body) + 1023) / 1024)
		},
	}
}

func (u *Uploader) upload(ctx context.Context, in domain.UploadRequest) (domain.UploadResult, error) {
	if in.Key == "" {
		return domain.UploadResult{}, failure.Newf(failure.KindCritical, failure.CodeInvalidRequest, "upload key is required")
	}
	key := in.Key
	if u.cfg.Prefix != "" {
		key = strings.TrimSuffix(u.cfg.Prefix, "/") + "/" + strings.TrimPrefix(key, "/")
	}

	input := &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(in.Body),
		ContentLength: aws.Int64(int64(len(in.Body))),
	}
	if in.ContentType != "" {
		input.ContentType = aws.String(in.ContentType)
	}

	if _, err := u.api.PutObject(ctx, input); err != nil {
		return domain.UploadResult{}, fmt.Errorf("put object %s/%s: %w", u.cfg.Bucket, key, err)
	}
	return domain.UploadResult{
		Location: fmt.Sprintf("s3://%s/%s", u.cfg.Bucket, key),
		Bytes:    len(in.Body),
	}, nil
}
