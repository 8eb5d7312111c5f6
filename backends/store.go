package backends

import (
	"context"
	"errors"
	"io"
)

// DefaultMaxObjectSize is the largest payload stored or loaded when no threshold is set.
const DefaultMaxObjectSize int64 = 50 * 1024 * 1024

var (
	// ErrObjectNotFound is returned by ObjectStore.GetObject when the key does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned by ValidateConfiguration when the configured bucket is
	// not visible to the resolved credentials.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrClosed is returned once the backend has been closed.
	ErrClosed = errors.New("backend closed")
)

// ObjectStore is the remote object-store capability the policy layer runs against.
//
// Implementations must be safe for concurrent use. The caller never issues a request
// after Close.
type ObjectStore interface {
	// GetObject opens the object and returns its content with the size the store declares
	// for it, or -1 when the store declares none. The caller closes the returned reader.
	// Missing objects yield an error wrapping ErrObjectNotFound.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)

	// PutObject uploads body under key, replacing any existing object.
	PutObject(ctx context.Context, bucket, key string, body []byte) error

	// DeleteObject removes exactly one key. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, bucket, key string) error

	// ListBuckets returns the names of all buckets visible to the credentials.
	ListBuckets(ctx context.Context) ([]string, error)

	// Close releases the connection.
	Close() error
}

// Connector creates an ObjectStore. Gated calls it lazily, on first use.
type Connector func(ctx context.Context) (ObjectStore, error)

// Connected returns a Connector that always yields store.
func Connected(store ObjectStore) Connector {
	return func(context.Context) (ObjectStore, error) {
		return store, nil
	}
}
