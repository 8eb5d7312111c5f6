package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/neas-neas/ossbuildcache/pkg/credentials"
)

// defaultRegion is used for request signing when neither the configuration nor the
// environment names a region. S3-compatible stores such as OSS and MinIO accept it.
const defaultRegion = "us-east-1"

// RemoteConfig describes how to reach a remote object store.
type RemoteConfig struct {
	// Endpoint is a host[:port] or URL. An empty endpoint uses the AWS default.
	Endpoint string
	Region   string
	// UsePathStyle addresses buckets as endpoint/bucket instead of bucket.endpoint.
	UsePathStyle bool
	// Insecure selects plain HTTP when the endpoint has no scheme.
	Insecure    bool
	Credentials credentials.Credentials
}

// S3Store is an ObjectStore backed by the AWS SDK S3 client. It works against any
// S3-compatible endpoint.
type S3Store struct {
	client *s3.Client
}

var _ ObjectStore = (*S3Store)(nil)

// NewS3Store resolves credentials and builds an S3 client for cfg.
func NewS3Store(ctx context.Context, cfg RemoteConfig) (*S3Store, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	provider, err := awsCredentialsProvider(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	if provider != nil {
		opts = append(opts, config.WithCredentialsProvider(provider))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = defaultRegion
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg.Endpoint, cfg.Insecure))
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Store{client: client}, nil
}

// ConnectS3 returns a Connector that builds an S3Store on first use.
func ConnectS3(cfg RemoteConfig) Connector {
	return func(ctx context.Context) (ObjectStore, error) {
		return NewS3Store(ctx, cfg)
	}
}

// awsCredentialsProvider maps the configured credentials onto an AWS provider. A nil
// provider means the SDK's default chain.
func awsCredentialsProvider(creds credentials.Credentials) (aws.CredentialsProvider, error) {
	switch c := credentials.OrDefault(creds).(type) {
	case credentials.Default:
		return nil, nil
	case credentials.Exported:
		return awscreds.NewStaticCredentialsProvider(c.AccessKeyID, c.SecretAccessKey, c.SessionToken), nil
	case credentials.SpecificProvider:
		if c.Provider == nil {
			return nil, fmt.Errorf("%w: provider is nil", credentials.ErrUnsupportedCredentials)
		}
		return c.Provider, nil
	default:
		return nil, fmt.Errorf("%w: %T", credentials.ErrUnsupportedCredentials, creds)
	}
}

func (s *S3Store) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, 0, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
		}
		return nil, 0, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	if out.ContentLength == nil {
		return out.Body, -1, nil
	}
	return out.Body, *out.ContentLength, nil
}

func (s *S3Store) PutObject(ctx context.Context, bucket, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return fmt.Errorf("failed to put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *S3Store) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *S3Store) ListBuckets(ctx context.Context) ([]string, error) {
	out, err := s.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}

	names := make([]string, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		names = append(names, aws.ToString(b.Name))
	}
	return names, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *S3Store) Close() error {
	return nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// endpointURL adds a scheme to bare host[:port] endpoints.
func endpointURL(endpoint string, insecure bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if insecure {
		return "http://" + endpoint
	}
	return "https://" + endpoint
}

// endpointHost strips the scheme and any trailing slash from an endpoint.
func endpointHost(endpoint string) (host string, secure bool) {
	secure = true
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = strings.TrimPrefix(endpoint, "http://")
		secure = false
	}
	return strings.TrimSuffix(endpoint, "/"), secure
}
