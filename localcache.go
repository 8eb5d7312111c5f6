package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// fileFormatVersion prefixes every staged file name so a format change never reads old files.
const fileFormatVersion = "v1-"

// localCache is the directory the go command reads cached outputs from. Every hit, local or
// remote, ends up here because the GOCACHEPROG protocol answers with a disk path.
type localCache struct {
	dir    string
	logger *slog.Logger
}

// localCacheMetadata is what the go command needs besides the file itself.
type localCacheMetadata struct {
	OutputID []byte
	Size     int64
	PutTime  time.Time
}

func newLocalCache(dir string, logger *slog.Logger) (*localCache, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	// Same 256-way fan-out as the go command's own cache.
	for i := 0; i < 256; i++ {
		if err := os.MkdirAll(filepath.Join(absDir, fmt.Sprintf("%02x", i)), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	return &localCache{dir: absDir, logger: logger}, nil
}

func (lc *localCache) path(actionID []byte) string {
	hexID := hex.EncodeToString(actionID)
	return filepath.Join(lc.dir, hexID[:2], fileFormatVersion+hexID)
}

func (lc *localCache) metadataPath(actionID []byte) string {
	return lc.path(actionID) + ".meta"
}

// atomicWrite writes data to a uniquely named temp file and renames it over path.
// Concurrent writers of the same path never see each other's partial files.
func atomicWrite(path string, data []byte) error {
	tmpPath := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// put stages body and its metadata and returns the absolute path of the body.
// Metadata is written last: an entry without metadata is never reported as a hit.
func (lc *localCache) put(actionID, outputID, body []byte, putTime time.Time) (string, error) {
	if len(actionID) == 0 {
		return "", errors.New("empty action ID")
	}

	diskPath := lc.path(actionID)
	if err := atomicWrite(diskPath, body); err != nil {
		return "", err
	}

	meta := fmt.Sprintf("%s %d %d\n", hex.EncodeToString(outputID), len(body), putTime.Unix())
	if err := atomicWrite(lc.metadataPath(actionID), []byte(meta)); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}
	return diskPath, nil
}

// get returns the staged metadata for actionID, or nil when nothing usable is staged.
func (lc *localCache) get(actionID []byte) *localCacheMetadata {
	if len(actionID) == 0 {
		return nil
	}

	data, err := os.ReadFile(lc.metadataPath(actionID))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			lc.logger.Warn("failed to read local cache metadata",
				"actionID", hex.EncodeToString(actionID), "error", err)
		}
		return nil
	}

	meta, err := parseMetadata(data)
	if err != nil {
		lc.logger.Warn("local cache metadata is corrupted",
			"actionID", hex.EncodeToString(actionID), "error", err)
		return nil
	}

	// The body may have been removed from under us, e.g. by a cache trim.
	info, err := os.Stat(lc.path(actionID))
	if err != nil || info.Size() != meta.Size {
		return nil
	}
	return meta
}

func parseMetadata(data []byte) (*localCacheMetadata, error) {
	fields := strings.Fields(string(bytes.TrimSpace(data)))
	if len(fields) != 3 {
		return nil, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}

	outputID, err := hex.DecodeString(fields[0])
	if err != nil {
		return nil, fmt.Errorf("failed to decode outputID: %w", err)
	}
	size, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse size: %w", err)
	}
	unix, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse time: %w", err)
	}

	return &localCacheMetadata{
		OutputID: outputID,
		Size:     size,
		PutTime:  time.Unix(unix, 0),
	}, nil
}
