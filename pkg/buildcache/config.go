package buildcache

import (
	"errors"
	"fmt"

	"github.com/neas-neas/ossbuildcache/backends"
	"github.com/neas-neas/ossbuildcache/pkg/credentials"
)

// ErrInvalidConfig is wrapped by every Config.Validate error.
var ErrInvalidConfig = errors.New("invalid build cache configuration")

// Type selects the object store a cache talks to.
type Type string

const (
	// TypeS3 uses the AWS SDK against any S3-compatible endpoint, Aliyun OSS included.
	TypeS3 = Type("s3")
	// TypeMinio uses the MinIO client.
	TypeMinio = Type("minio")
	// TypeDisk keeps objects in a local directory. It needs no network and is meant for
	// tests and offline verification.
	TypeDisk = Type("disk")
)

// Config declares one build cache.
type Config struct {
	Type Type
	// Endpoint is the object store host[:port] or URL, e.g. oss-cn-hangzhou.aliyuncs.com.
	Endpoint string
	Region   string
	Bucket   string
	// Prefix namespaces every key inside the bucket.
	Prefix  string
	Push    bool
	Enabled bool
	// MaxObjectSize is the largest entry loaded or stored. Zero means
	// backends.DefaultMaxObjectSize.
	MaxObjectSize int64
	UsePathStyle  bool
	Insecure      bool
	// Dir is the store root for TypeDisk.
	Dir string
	// Debug logs every object store request.
	Debug       bool
	Credentials credentials.Credentials
}

// withDefaults fills in the zero values that have a default.
func (c Config) withDefaults() Config {
	if c.Type == "" {
		c.Type = TypeS3
	}
	if c.MaxObjectSize == 0 {
		c.MaxObjectSize = backends.DefaultMaxObjectSize
	}
	c.Credentials = credentials.OrDefault(c.Credentials)
	return c
}

// Validate reports the first problem with the configuration after defaults are applied.
func (c Config) Validate() error {
	c = c.withDefaults()

	if c.Bucket == "" {
		return fmt.Errorf("%w: bucket is required", ErrInvalidConfig)
	}
	if c.MaxObjectSize < 0 {
		return fmt.Errorf("%w: max object size must be positive, got %d", ErrInvalidConfig, c.MaxObjectSize)
	}

	switch c.Type {
	case TypeS3, TypeMinio:
		if c.Endpoint == "" {
			return fmt.Errorf("%w: endpoint is required for type %s", ErrInvalidConfig, c.Type)
		}
	case TypeDisk:
		if c.Dir == "" {
			return fmt.Errorf("%w: dir is required for type %s", ErrInvalidConfig, c.Type)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidConfig, c.Type)
	}
	return nil
}

func (c Config) remote() backends.RemoteConfig {
	return backends.RemoteConfig{
		Endpoint:     c.Endpoint,
		Region:       c.Region,
		UsePathStyle: c.UsePathStyle,
		Insecure:     c.Insecure,
		Credentials:  c.Credentials,
	}
}
