// Package buildcache is the build cache facade the host build system talks to, and the
// factory that builds it from a declared configuration.
package buildcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/neas-neas/ossbuildcache/backends"
	"github.com/neas-neas/ossbuildcache/pkg/cachekey"
	"github.com/neas-neas/ossbuildcache/pkg/metrics"
)

// Service answers the host's load and store requests from a Storage backend.
// It is safe for concurrent use when the backend is.
type Service struct {
	storage  backends.Storage
	prefix   string
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// NewService returns a Service over storage. Keys are derived under prefix.
// recorder may be nil, in which case Stats returns nothing.
func NewService(storage backends.Storage, prefix string, logger *slog.Logger, recorder *metrics.Recorder) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		storage:  storage,
		prefix:   prefix,
		logger:   logger,
		recorder: recorder,
	}
}

// Load writes the entry for key into sink and reports whether it was found. Nothing is
// written on a miss. The error is only set when copying a found entry fails.
func (s *Service) Load(key cachekey.Key, sink io.Writer) (bool, error) {
	name, err := cachekey.Derive(s.prefix, key)
	if err != nil {
		s.logger.Debug("unable to derive cache key", "error", err)
		return false, nil
	}

	s.logger.Info("loading", "key", name)
	body, ok := s.storage.Load(name)
	if !ok {
		return false, nil
	}
	defer body.Close()

	if _, err := io.Copy(sink, body); err != nil {
		return false, fmt.Errorf("failed to read cache entry %s: %w", name, err)
	}
	return true, nil
}

// Store reads source fully and hands it to the backend. Whether the backend kept the
// entry is not reported; the host's own output stays authoritative. Only a failure to
// read source is returned.
func (s *Service) Store(key cachekey.Key, source io.Reader) error {
	name, err := cachekey.Derive(s.prefix, key)
	if err != nil {
		s.logger.Debug("unable to derive cache key", "error", err)
		return nil
	}

	s.logger.Info("storing", "key", name)
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(source); err != nil {
		return fmt.Errorf("failed to read cache entry %s: %w", name, err)
	}

	s.storage.Store(name, buf.Bytes())
	return nil
}

// ValidateConfiguration checks that the backend's bucket is reachable.
func (s *Service) ValidateConfiguration(ctx context.Context) error {
	return s.storage.ValidateConfiguration(ctx)
}

// Close releases the backend. Call it once, after the last Load or Store.
func (s *Service) Close() error {
	return s.storage.Close()
}

// Stats returns backend latency summaries, ordered by operation.
func (s *Service) Stats() []metrics.Stats {
	if s.recorder == nil {
		return nil
	}
	return s.recorder.AllStats()
}
