package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/neas-neas/ossbuildcache/pkg/buildcache"
	"github.com/neas-neas/ossbuildcache/pkg/cachekey"
	"github.com/neas-neas/ossbuildcache/pkg/locking"
)

// CacheBackend is what the GOCACHEPROG server needs from a cache.
type CacheBackend interface {
	// Put stores body under actionID together with outputID and returns the absolute
	// path of the stored file on disk.
	Put(actionID, outputID []byte, body io.Reader, bodySize int64) (diskPath string, err error)

	// Get looks up actionID. On a hit it returns the outputID and the path of a local copy.
	Get(actionID []byte) (outputID []byte, diskPath string, size int64, putTime *time.Time, miss bool, err error)

	// Close performs any cleanup operations needed by the backend.
	Close() error
}

// errBadEntry is returned when a remote entry cannot be decoded.
var errBadEntry = errors.New("malformed cache entry")

// serviceBackend stages entries in a localCache and shares them through a build cache
// Service. Remote failures degrade to misses; only local disk failures are errors.
type serviceBackend struct {
	service *buildcache.Service
	local   *localCache
	locks   locking.Group
	logger  *slog.Logger
}

func newServiceBackend(service *buildcache.Service, local *localCache, logger *slog.Logger) *serviceBackend {
	return &serviceBackend{
		service: service,
		local:   local,
		locks:   locking.NewMemLock(),
		logger:  logger,
	}
}

// encodeEntry frames an entry as uvarint(len(outputID)) | outputID | body.
func encodeEntry(outputID, body []byte) []byte {
	buf := make([]byte, 0, binary.MaxVarintLen64+len(outputID)+len(body))
	buf = binary.AppendUvarint(buf, uint64(len(outputID)))
	buf = append(buf, outputID...)
	return append(buf, body...)
}

func decodeEntry(entry []byte) (outputID, body []byte, err error) {
	n, read := binary.Uvarint(entry)
	if read <= 0 || n > uint64(len(entry)-read) {
		return nil, nil, errBadEntry
	}
	entry = entry[read:]
	return entry[:n], entry[n:], nil
}

func (b *serviceBackend) Put(actionID, outputID []byte, body io.Reader, bodySize int64) (string, error) {
	var data []byte
	if body != nil {
		var err error
		data, err = io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("failed to read body: %w", err)
		}
	}
	if int64(len(data)) != bodySize {
		return "", fmt.Errorf("body size mismatch: expected %d, got %d", bodySize, len(data))
	}

	var diskPath string
	err := b.locks.DoWithLock(hex.EncodeToString(actionID), func() error {
		var err error
		diskPath, err = b.local.put(actionID, outputID, data, time.Now())
		return err
	})
	if err != nil {
		return "", err
	}

	if err := b.service.Store(cachekey.Key(actionID), bytes.NewReader(encodeEntry(outputID, data))); err != nil {
		b.logger.Debug("unable to share entry", "actionID", hex.EncodeToString(actionID), "error", err)
	}
	return diskPath, nil
}

func (b *serviceBackend) Get(actionID []byte) ([]byte, string, int64, *time.Time, bool, error) {
	var (
		meta     *localCacheMetadata
		diskPath string
	)
	err := b.locks.DoWithLock(hex.EncodeToString(actionID), func() error {
		if meta = b.local.get(actionID); meta != nil {
			diskPath = b.local.path(actionID)
			return nil
		}

		var buf bytes.Buffer
		found, err := b.service.Load(cachekey.Key(actionID), &buf)
		if err != nil || !found {
			if err != nil {
				b.logger.Debug("unable to load entry", "actionID", hex.EncodeToString(actionID), "error", err)
			}
			return nil
		}

		outputID, body, err := decodeEntry(buf.Bytes())
		if err != nil {
			b.logger.Warn("ignoring remote entry", "actionID", hex.EncodeToString(actionID), "error", err)
			return nil
		}

		now := time.Now()
		diskPath, err = b.local.put(actionID, outputID, body, now)
		if err != nil {
			return err
		}
		meta = &localCacheMetadata{OutputID: outputID, Size: int64(len(body)), PutTime: now}
		return nil
	})
	if err != nil {
		return nil, "", 0, nil, false, err
	}
	if meta == nil {
		return nil, "", 0, nil, true, nil
	}
	return meta.OutputID, diskPath, meta.Size, &meta.PutTime, false, nil
}

func (b *serviceBackend) Close() error {
	return b.service.Close()
}
