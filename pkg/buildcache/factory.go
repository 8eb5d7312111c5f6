package buildcache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/neas-neas/ossbuildcache/backends"
	"github.com/neas-neas/ossbuildcache/pkg/metrics"
)

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	store      backends.ObjectStore
}

// Option configures New and NewStorage.
type Option func(*options)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithRegisterer registers the backend's Prometheus counters with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithObjectStore makes the backend use store instead of building a client from the
// configuration. Credentials, endpoint and dir are then only used in descriptions.
func WithObjectStore(store backends.ObjectStore) Option {
	return func(o *options) {
		o.store = store
	}
}

func applyOptions(opts []Option) options {
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// connector selects the object store for cfg.Type.
func connector(cfg Config, o options) (backends.Connector, error) {
	if o.store != nil {
		return backends.Connected(o.store), nil
	}

	switch cfg.Type {
	case TypeS3:
		return backends.ConnectS3(cfg.remote()), nil
	case TypeMinio:
		return backends.ConnectMinio(cfg.remote()), nil
	case TypeDisk:
		return func(context.Context) (backends.ObjectStore, error) {
			store, err := backends.NewDiskStore(cfg.Dir, nil)
			if err != nil {
				return nil, err
			}
			if err := store.CreateBucket(cfg.Bucket); err != nil {
				return nil, err
			}
			return store, nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidConfig, cfg.Type)
	}
}

// NewStorage builds the gated backend for cfg and verifies that its bucket is reachable.
// Any failure aborts construction, so a misconfigured cache stops setup immediately.
func NewStorage(ctx context.Context, cfg Config, opts ...Option) (*backends.Gated, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts)

	connect, err := connector(cfg, o)
	if err != nil {
		return nil, err
	}
	if cfg.Debug {
		connect = backends.DebugConnector(connect, o.logger)
	}

	desc := Describe(cfg)
	o.logger.Debug("configuring build cache", "cache", desc)

	storage := backends.NewGated(backends.Config{
		Bucket:        cfg.Bucket,
		Endpoint:      desc.Endpoint,
		Push:          cfg.Push,
		Enabled:       cfg.Enabled,
		MaxObjectSize: cfg.MaxObjectSize,
	}, connect, o.logger, metrics.NewRecorder(o.registerer, 0))

	if err := storage.ValidateConfiguration(ctx); err != nil {
		storage.Close()
		return nil, fmt.Errorf("%s cache misconfigured: %w", desc.Type, err)
	}
	return storage, nil
}

// New builds a validated Service for cfg.
func New(ctx context.Context, cfg Config, opts ...Option) (*Service, error) {
	storage, err := NewStorage(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	return NewService(storage, cfg.Prefix, o.logger, storage.Recorder()), nil
}
