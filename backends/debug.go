package backends

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Debug wraps any ObjectStore and logs every raw request it forwards.
// This lets any store implementation get request tracing without coupling the
// tracing to the implementation.
type Debug struct {
	store  ObjectStore
	logger *slog.Logger
}

var _ ObjectStore = (*Debug)(nil)

// NewDebug creates a new debug wrapper around an existing store.
func NewDebug(store ObjectStore, logger *slog.Logger) *Debug {
	return &Debug{
		store:  store,
		logger: logger,
	}
}

// DebugConnector wraps every store produced by connect in a Debug.
func DebugConnector(connect Connector, logger *slog.Logger) Connector {
	return func(ctx context.Context) (ObjectStore, error) {
		store, err := connect(ctx)
		if err != nil {
			return nil, err
		}
		return NewDebug(store, logger), nil
	}
}

func (d *Debug) log(ctx context.Context, msg string, start time.Time, err error, attrs ...any) {
	attrs = append(attrs, "duration", time.Since(start))
	if err != nil {
		d.logger.DebugContext(ctx, msg+" failed", append(attrs, "error", err)...)
		return
	}
	d.logger.DebugContext(ctx, msg, attrs...)
}

func (d *Debug) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	start := time.Now()
	body, size, err := d.store.GetObject(ctx, bucket, key)
	d.log(ctx, "GetObject", start, err, "bucket", bucket, "key", key, "size", size)
	return body, size, err
}

func (d *Debug) PutObject(ctx context.Context, bucket, key string, body []byte) error {
	start := time.Now()
	err := d.store.PutObject(ctx, bucket, key, body)
	d.log(ctx, "PutObject", start, err, "bucket", bucket, "key", key, "size", len(body))
	return err
}

func (d *Debug) DeleteObject(ctx context.Context, bucket, key string) error {
	start := time.Now()
	err := d.store.DeleteObject(ctx, bucket, key)
	d.log(ctx, "DeleteObject", start, err, "bucket", bucket, "key", key)
	return err
}

func (d *Debug) ListBuckets(ctx context.Context) ([]string, error) {
	start := time.Now()
	buckets, err := d.store.ListBuckets(ctx)
	d.log(ctx, "ListBuckets", start, err, "count", len(buckets))
	return buckets, err
}

func (d *Debug) Close() error {
	start := time.Now()
	err := d.store.Close()
	d.log(context.Background(), "Close", start, err)
	return err
}
