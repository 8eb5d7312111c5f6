package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/neas-neas/ossbuildcache/pkg/metrics"
)

// Storage is the cache's view of a bucket-scoped object namespace.
//
// Load, Store and Delete are advisory: they never fail the caller for transient reasons and
// report a miss or false instead. ValidateConfiguration is the one operation that returns
// errors, because a misconfigured bucket must stop setup before any build work depends on it.
type Storage interface {
	Load(key string) (io.ReadCloser, bool)
	Store(key string, contents []byte) bool
	Delete(key string) (bool, error)
	ValidateConfiguration(ctx context.Context) error
	Close() error
}

// Config is the policy the Gated backend enforces.
type Config struct {
	Bucket string
	// Endpoint is only used in messages.
	Endpoint      string
	Push          bool
	Enabled       bool
	MaxObjectSize int64
}

// Gated applies enable, push and size policy in front of an ObjectStore.
// It is safe for concurrent use.
type Gated struct {
	cfg      Config
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu      sync.Mutex
	connect Connector
	store   ObjectStore
	closed  bool
}

var _ Storage = (*Gated)(nil)

// NewGated returns a Gated backend. No connection is made until the first operation.
// A nil logger discards logs and a nil recorder records into an unregistered Recorder.
func NewGated(cfg Config, connect Connector, logger *slog.Logger, recorder *metrics.Recorder) *Gated {
	if cfg.MaxObjectSize <= 0 {
		cfg.MaxObjectSize = DefaultMaxObjectSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if recorder == nil {
		recorder = metrics.NewRecorder(nil, 0)
	}
	return &Gated{
		cfg:      cfg,
		logger:   logger.With("bucket", cfg.Bucket),
		recorder: recorder,
		connect:  connect,
	}
}

// Config returns the policy in effect.
func (g *Gated) Config() Config {
	return g.cfg
}

// Recorder returns the metrics recorder.
func (g *Gated) Recorder() *metrics.Recorder {
	return g.recorder
}

// client returns the shared ObjectStore, connecting on first use. A failed connection is
// not remembered, so the next call tries again.
func (g *Gated) client(ctx context.Context) (ObjectStore, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, ErrClosed
	}
	if g.store != nil {
		return g.store, nil
	}

	store, err := g.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", g.cfg.Endpoint, err)
	}
	g.store = store
	return store, nil
}

// skip logs and records a policy short-circuit.
func (g *Gated) skip(op metrics.Op, outcome metrics.Outcome, key string, start time.Time, attrs ...any) {
	g.logger.Info("cache "+string(op)+" skipped", append([]any{"key", key, "reason", string(outcome)}, attrs...)...)
	g.recorder.Observe(op, outcome, time.Since(start))
}

// Load returns the object stored under key, or false when it is absent, too large or
// could not be fetched.
func (g *Gated) Load(key string) (io.ReadCloser, bool) {
	start := time.Now()
	if !g.cfg.Enabled {
		g.skip(metrics.OpLoad, metrics.OutcomeDisabled, key, start)
		return nil, false
	}

	ctx := context.Background()
	store, err := g.client(ctx)
	if err != nil {
		g.logger.Debug("unable to load", "key", key, "error", err)
		g.recorder.Observe(metrics.OpLoad, metrics.OutcomeError, time.Since(start))
		return nil, false
	}

	g.logger.Debug("loading", "key", key)
	body, size, err := store.GetObject(ctx, g.cfg.Bucket, key)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			g.logger.Debug("cache miss", "key", key)
			g.recorder.Observe(metrics.OpLoad, metrics.OutcomeMiss, time.Since(start))
		} else {
			g.logger.Debug("unable to load", "key", key, "error", err)
			g.recorder.Observe(metrics.OpLoad, metrics.OutcomeError, time.Since(start))
		}
		return nil, false
	}

	if size < 0 {
		// No declared size: read at most one byte past the threshold to decide.
		body, size, err = g.buffer(body)
		if err != nil {
			g.logger.Debug("unable to load", "key", key, "error", err)
			g.recorder.Observe(metrics.OpLoad, metrics.OutcomeError, time.Since(start))
			return nil, false
		}
	}

	if size > g.cfg.MaxObjectSize {
		body.Close()
		g.skip(metrics.OpLoad, metrics.OutcomeOversize, key, start,
			"size", size, "threshold", g.cfg.MaxObjectSize)
		return nil, false
	}

	g.recorder.Observe(metrics.OpLoad, metrics.OutcomeHit, time.Since(start))
	g.recorder.AddBytes(metrics.OpLoad, int(size))
	return body, true
}

// buffer reads body up to one byte past the size threshold and closes it. The returned
// reader holds what was read; a size above the threshold means the object is too large.
func (g *Gated) buffer(body io.ReadCloser) (io.ReadCloser, int64, error) {
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, g.cfg.MaxObjectSize+1))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read object: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Store uploads contents under key and reports whether the object was written.
func (g *Gated) Store(key string, contents []byte) bool {
	start := time.Now()
	if !g.cfg.Enabled {
		g.skip(metrics.OpStore, metrics.OutcomeDisabled, key, start)
		return false
	}
	if !g.cfg.Push {
		g.skip(metrics.OpStore, metrics.OutcomePullOnly, key, start)
		return false
	}
	if size := int64(len(contents)); size > g.cfg.MaxObjectSize {
		g.skip(metrics.OpStore, metrics.OutcomeOversize, key, start,
			"size", size, "threshold", g.cfg.MaxObjectSize)
		return false
	}

	ctx := context.Background()
	store, err := g.client(ctx)
	if err != nil {
		g.logger.Debug("unable to store", "key", key, "error", err)
		g.recorder.Observe(metrics.OpStore, metrics.OutcomeError, time.Since(start))
		return false
	}

	g.logger.Debug("storing", "key", key, "size", len(contents))
	if err := store.PutObject(ctx, g.cfg.Bucket, key, contents); err != nil {
		g.logger.Debug("unable to store", "key", key, "size", len(contents), "error", err)
		g.recorder.Observe(metrics.OpStore, metrics.OutcomeError, time.Since(start))
		return false
	}

	g.recorder.Observe(metrics.OpStore, metrics.OutcomeOK, time.Since(start))
	g.recorder.AddBytes(metrics.OpStore, len(contents))
	return true
}

// Delete removes key. Policy short-circuits report false without an error; a failed
// remote call is returned to the caller.
func (g *Gated) Delete(key string) (bool, error) {
	start := time.Now()
	if !g.cfg.Enabled {
		g.skip(metrics.OpDelete, metrics.OutcomeDisabled, key, start)
		return false, nil
	}
	if !g.cfg.Push {
		g.skip(metrics.OpDelete, metrics.OutcomePullOnly, key, start)
		return false, nil
	}

	ctx := context.Background()
	store, err := g.client(ctx)
	if err != nil {
		g.recorder.Observe(metrics.OpDelete, metrics.OutcomeError, time.Since(start))
		return false, err
	}

	g.logger.Debug("deleting", "key", key)
	if err := store.DeleteObject(ctx, g.cfg.Bucket, key); err != nil {
		g.recorder.Observe(metrics.OpDelete, metrics.OutcomeError, time.Since(start))
		return false, fmt.Errorf("failed to delete %s from bucket %s: %w", key, g.cfg.Bucket, err)
	}

	g.recorder.Observe(metrics.OpDelete, metrics.OutcomeOK, time.Since(start))
	return true, nil
}

// ValidateConfiguration checks that the configured bucket is visible to the credentials.
// Unlike the cache operations it reports every failure.
func (g *Gated) ValidateConfiguration(ctx context.Context) error {
	start := time.Now()
	err := g.validate(ctx)
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
	}
	g.recorder.Observe(metrics.OpValidate, outcome, time.Since(start))
	return err
}

func (g *Gated) validate(ctx context.Context) error {
	store, err := g.client(ctx)
	if err != nil {
		return err
	}

	buckets, err := store.ListBuckets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list buckets at %s: %w", g.cfg.Endpoint, err)
	}
	if !slices.Contains(buckets, g.cfg.Bucket) {
		return fmt.Errorf("%w: bucket %q at %q cannot be found or is not accessible using the provided credentials",
			ErrBucketNotFound, g.cfg.Bucket, g.cfg.Endpoint)
	}
	return nil
}

// Close releases the client if one was created. Calls after the first are no-ops.
func (g *Gated) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true
	if g.store == nil {
		return nil
	}
	return g.store.Close()
}
