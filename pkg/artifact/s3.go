package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/3leaps/foreman/pkg/job"
)

// S3Config configures the S3 archiver.
//
// Authentication follows the AWS SDK v2 default chain unless explicit
// credentials are set. For S3-compatible stores (MinIO, Wasabi), set
// Endpoint and typically ForcePathStyle.
type S3Config struct {
	// Bucket is the destination bucket (required).
	Bucket string

	// Prefix is prepended to every object key. Default: "foreman".
	Prefix string

	// Region is the AWS region. Empty defers to env/profile resolution.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile selects a shared-config profile.
	Profile string

	// AccessKeyID and SecretAccessKey, when both set, override the default
	// credential chain.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle forces path-style URLs, needed by most S3-compatible
	// stores.
	ForcePathStyle bool
}

// Validate checks that required configuration is present.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("artifact: s3 bucket is required")
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return errors.New("artifact: access key id and secret access key must be provided together")
	}
	return nil
}

// S3Archiver stores artifact bundles in S3 or an S3-compatible store.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

var _ Archiver = (*S3Archiver)(nil)

// NewS3 creates an S3 archiver.
func NewS3(ctx context.Context, cfg S3Config) (*S3Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("artifact: load aws config: %w", err)
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = "us-east-1"
	}

	s3Opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "foreman"
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		prefix: prefix,
	}, nil
}

// ArchiveJob uploads the job's artifact bundle. Keys are returned in upload
// order; a mid-bundle failure leaves earlier objects in place.
func (a *S3Archiver) ArchiveJob(ctx context.Context, j *job.Job) ([]string, error) {
	if err := validateJob(j); err != nil {
		return nil, err
	}
	entries, err := bundle(j)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		key := objectKey(a.prefix, j, e.Name)
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(e.Body),
			ContentType: aws.String(e.ContentType),
		})
		if err != nil {
			return keys, classifyS3Error(key, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Close satisfies Archiver; the S3 client needs no explicit cleanup.
func (a *S3Archiver) Close() error {
	return nil
}

// classifyS3Error maps API error codes onto the package sentinels so callers
// can distinguish auth problems from transient backend trouble.
func classifyS3Error(key string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("put %s: %w: %s", key, ErrAccessDenied, apiErr.ErrorMessage())
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return fmt.Errorf("put %s: %w: %s", key, ErrThrottled, apiErr.ErrorMessage())
		case "ServiceUnavailable", "InternalError":
			return fmt.Errorf("put %s: %w: %s", key, ErrUnavailable, apiErr.ErrorMessage())
		}
	}
	return fmt.Errorf("put %s: %w", key, err)
}
