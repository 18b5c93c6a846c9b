package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // For S3-compatible services (MinIO, etc.)
	// AccessKeyID for authentication. Prefer the default credential chain
	// (environment, shared config, instance roles) over setting these.
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // Key prefix for all objects
	UsePathStyle    bool   // Use path-style addressing
}

// S3Backend stores documents as objects. The version token is the ETag and
// writes use If-Match / If-None-Match preconditions.
type S3Backend struct {
	client *s3.Client
	config S3Config
}

// NewS3Backend creates a backend from the default AWS configuration chain.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Rate limiting is retried by the client; everything else must
		// surface immediately.
		o.Retryer = aws.NopRetryer{}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		}
	})

	return &S3Backend{client: client, config: cfg}, nil
}

func (s *S3Backend) Name() string { return "s3" }

func (s *S3Backend) Get(ctx context.Context, key string) (*Blob, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.config.Prefix + key),
	})
	if err != nil {
		return nil, classifyS3(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: S3 read body failed: %v", ErrUnreachable, err)
	}
	return &Blob{Content: content, Token: aws.ToString(resp.ETag)}, nil
}

func (s *S3Backend) Put(ctx context.Context, key string, content []byte, expectedToken string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(s.config.Prefix + key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("application/json"),
	}
	if expectedToken == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(expectedToken)
	}

	resp, err := s.client.PutObject(ctx, input)
	if err != nil {
		return "", classifyS3(ctx, err)
	}
	return aws.ToString(resp.ETag), nil
}

// classifyS3 maps SDK errors onto the error taxonomy.
func classifyS3(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNotFound
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%w: %s", ErrVersionConflict, apiErr.ErrorMessage())
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequests":
			return &RateLimitError{}
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return fmt.Errorf("%w: %s", ErrAuthFailure, apiErr.ErrorMessage())
		case "NoSuchBucket", "InvalidBucketName", "EntityTooLarge", "InvalidArgument":
			return fmt.Errorf("%w: %s", ErrBadRequest, apiErr.ErrorMessage())
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return ErrNotFound
		case http.StatusPreconditionFailed, http.StatusConflict:
			return fmt.Errorf("%w: %v", ErrVersionConflict, err)
		case http.StatusTooManyRequests, http.StatusServiceUnavailable:
			return &RateLimitError{}
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrAuthFailure, err)
		}
		return &HTTPError{StatusCode: respErr.HTTPStatusCode(), Body: err.Error()}
	}

	// No response at all: DNS, connection refused, TLS.
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}
