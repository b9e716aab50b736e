package origin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/clipstream/vodedge/internal/metrics"
)

// S3Config holds origin connection settings. Endpoint supports
// MinIO-style deployments through path-style addressing.
type S3Config struct {
	Endpoint        string        `yaml:"endpoint"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Region          string        `yaml:"region"`
	ForcePathStyle  bool          `yaml:"force_path_style"`
	UseSSL          bool          `yaml:"use_ssl"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// DefaultS3Config returns sensible defaults.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:         "us-east-1",
		ForcePathStyle: true,
		RequestTimeout: 30 * time.Second,
	}
}

// S3Client implements Client against an S3-compatible store.
type S3Client struct {
	client  *s3.Client
	timeout time.Duration
}

// NewS3Client builds the AWS SDK client. A custom endpoint switches to
// path-style addressing as MinIO expects.
func NewS3Client(ctx context.Context, cfg S3Config) (*S3Client, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.Contains(endpoint, "://") {
			scheme := "http"
			if cfg.UseSSL {
				scheme = "https"
			}
			endpoint = scheme + "://" + endpoint
		}
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = cfg.ForcePathStyle
		})
	}
	s3Opts = append(s3Opts, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	})

	return &S3Client{
		client:  s3.NewFromConfig(awsCfg, s3Opts...),
		timeout: cfg.RequestTimeout,
	}, nil
}

// GetObject streams an object from the origin. The range header is
// passed through verbatim when non-empty.
func (c *S3Client) GetObject(ctx context.Context, bucket, key, byteRange string) (*Object, error) {
	start := time.Now()

	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if byteRange != "" {
		input.Range = aws.String(byteRange)
	}

	out, err := c.client.GetObject(ctx, input)
	metrics.OriginLatency.WithLabelValues("get").Observe(time.Since(start).Seconds())
	if err != nil {
		classified := classify(err)
		metrics.RecordOriginError(ErrorKind(classified))
		return nil, classified
	}

	obj := &Object{
		Body:          out.Body,
		ContentLength: -1,
	}
	if out.ContentType != nil {
		obj.ContentType = *out.ContentType
	}
	if out.ContentLength != nil {
		obj.ContentLength = *out.ContentLength
	}
	if out.ETag != nil {
		obj.ETag = *out.ETag
	}
	if out.LastModified != nil {
		obj.LastModified = *out.LastModified
	}
	if out.ContentRange != nil {
		obj.ContentRange = *out.ContentRange
	}
	if out.AcceptRanges != nil {
		obj.AcceptRanges = *out.AcceptRanges
	}
	return obj, nil
}

// HeadObject returns object metadata without a body.
func (c *S3Client) HeadObject(ctx context.Context, bucket, key string) (*Object, error) {
	start := time.Now()

	out, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	metrics.OriginLatency.WithLabelValues("head").Observe(time.Since(start).Seconds())
	if err != nil {
		classified := classify(err)
		metrics.RecordOriginError(ErrorKind(classified))
		return nil, classified
	}

	obj := &Object{ContentLength: -1}
	if out.ContentType != nil {
		obj.ContentType = *out.ContentType
	}
	if out.ContentLength != nil {
		obj.ContentLength = *out.ContentLength
	}
	if out.ETag != nil {
		obj.ETag = *out.ETag
	}
	if out.LastModified != nil {
		obj.LastModified = *out.LastModified
	}
	if out.AcceptRanges != nil {
		obj.AcceptRanges = *out.AcceptRanges
	}
	return obj, nil
}

// classify wraps SDK errors with the sentinel discriminators.
func classify(err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", ErrNoSuchKey, err)
	}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		return fmt.Errorf("%w: %w", ErrNoSuchBucket, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return fmt.Errorf("%w: %w", ErrNoSuchKey, err)
		case "NoSuchBucket":
			return fmt.Errorf("%w: %w", ErrNoSuchBucket, err)
		case "AccessDenied", "Forbidden":
			return fmt.Errorf("%w: %w", ErrAccessDenied, err)
		}
	}

	return err
}
