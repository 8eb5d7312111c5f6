package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalCachePutGet(t *testing.T) {
	lc, err := newLocalCache(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	actionID := []byte{0xab, 0x01}
	putTime := time.Unix(1700000000, 0)

	assert.Nil(t, lc.get(actionID))

	diskPath, err := lc.put(actionID, []byte{0x10, 0x20}, []byte("body"), putTime)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(lc.dir, "ab", "v1-ab01"), diskPath)

	meta := lc.get(actionID)
	require.NotNil(t, meta)
	assert.Equal(t, []byte{0x10, 0x20}, meta.OutputID)
	assert.Equal(t, int64(4), meta.Size)
	assert.True(t, putTime.Equal(meta.PutTime))
}

func TestLocalCacheMissingBody(t *testing.T) {
	lc, err := newLocalCache(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	actionID := []byte{0x01}
	diskPath, err := lc.put(actionID, []byte{0x02}, []byte("body"), time.Now())
	require.NoError(t, err)
	require.NoError(t, os.Remove(diskPath))

	assert.Nil(t, lc.get(actionID))
}

func TestLocalCacheCorruptMetadata(t *testing.T) {
	lc, err := newLocalCache(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	actionID := []byte{0x01}
	_, err = lc.put(actionID, []byte{0x02}, []byte("body"), time.Now())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(lc.metadataPath(actionID), []byte("zz 4"), 0644))

	assert.Nil(t, lc.get(actionID))
}

func TestLocalCacheRejectsEmptyActionID(t *testing.T) {
	lc, err := newLocalCache(t.TempDir(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	_, err = lc.put(nil, nil, []byte("body"), time.Now())
	require.Error(t, err)
	assert.Nil(t, lc.get(nil))
}
