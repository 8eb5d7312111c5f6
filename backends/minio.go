package backends

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/neas-neas/ossbuildcache/pkg/credentials"
)

// MinioStore is an ObjectStore backed by the MinIO client, for MinIO deployments and
// other S3-compatible stores that prefer it.
type MinioStore struct {
	client *minio.Client
}

var _ ObjectStore = (*MinioStore)(nil)

// NewMinioStore builds a MinIO client for cfg. UsePathStyle is ignored; the client picks
// the lookup style itself.
func NewMinioStore(cfg RemoteConfig) (*MinioStore, error) {
	creds, err := minioCredentials(cfg.Credentials)
	if err != nil {
		return nil, err
	}

	host, secure := endpointHost(cfg.Endpoint)
	if cfg.Insecure {
		secure = false
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  creds,
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioStore{client: client}, nil
}

// ConnectMinio returns a Connector that builds a MinioStore on first use.
func ConnectMinio(cfg RemoteConfig) Connector {
	return func(context.Context) (ObjectStore, error) {
		return NewMinioStore(cfg)
	}
}

func minioCredentials(creds credentials.Credentials) (*miniocreds.Credentials, error) {
	switch c := credentials.OrDefault(creds).(type) {
	case credentials.Default:
		return miniocreds.NewChainCredentials([]miniocreds.Provider{
			&miniocreds.EnvAWS{},
			&miniocreds.EnvMinio{},
			&miniocreds.FileAWSCredentials{},
		}), nil
	case credentials.Exported:
		return miniocreds.NewStaticV4(c.AccessKeyID, c.SecretAccessKey, c.SessionToken), nil
	case credentials.SpecificProvider:
		if c.Provider == nil {
			return nil, fmt.Errorf("%w: provider is nil", credentials.ErrUnsupportedCredentials)
		}
		return miniocreds.New(&awsProvider{provider: c.Provider}), nil
	default:
		return nil, fmt.Errorf("%w: %T", credentials.ErrUnsupportedCredentials, creds)
	}
}

// awsProvider adapts an aws.CredentialsProvider to the MinIO provider interface.
type awsProvider struct {
	provider aws.CredentialsProvider

	mu   sync.Mutex
	last aws.Credentials
}

func (p *awsProvider) Retrieve() (miniocreds.Value, error) {
	creds, err := p.provider.Retrieve(context.Background())
	if err != nil {
		return miniocreds.Value{}, fmt.Errorf("failed to retrieve credentials: %w", err)
	}

	p.mu.Lock()
	p.last = creds
	p.mu.Unlock()

	return miniocreds.Value{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
		SignerType:      miniocreds.SignatureV4,
	}, nil
}

func (p *awsProvider) RetrieveWithCredContext(*miniocreds.CredContext) (miniocreds.Value, error) {
	return p.Retrieve()
}

func (p *awsProvider) IsExpired() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last.AccessKeyID == "" {
		return true
	}
	return p.last.CanExpire && time.Now().After(p.last.Expires)
}

func (m *MinioStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, minioError("get", bucket, key, err)
	}

	// GetObject is lazy; Stat issues the request and reports a missing key.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, minioError("get", bucket, key, err)
	}
	return obj, info.Size, nil
}

func (m *MinioStore) PutObject(ctx context.Context, bucket, key string, body []byte) error {
	_, err := m.client.PutObject(ctx, bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{})
	if err != nil {
		return minioError("put", bucket, key, err)
	}
	return nil
}

func (m *MinioStore) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return minioError("delete", bucket, key, err)
	}
	return nil
}

func (m *MinioStore) ListBuckets(ctx context.Context) ([]string, error) {
	buckets, err := m.client.ListBuckets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}

	names := make([]string, 0, len(buckets))
	for _, b := range buckets {
		names = append(names, b.Name)
	}
	return names, nil
}

func (m *MinioStore) Close() error {
	return nil
}

func minioError(op, bucket, key string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
	}
	return fmt.Errorf("failed to %s %s/%s: %w", op, bucket, key, err)
}
