package buildcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/neas-neas/ossbuildcache/backends"
	"github.com/neas-neas/ossbuildcache/pkg/cachekey"
	"github.com/neas-neas/ossbuildcache/pkg/credentials"
)

func newDiskService(t *testing.T, push, enabled bool) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	svc, err := New(context.Background(), Config{
		Type:    TypeDisk,
		Dir:     dir,
		Bucket:  "bar",
		Prefix:  "go",
		Push:    push,
		Enabled: enabled,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, dir
}

func TestServiceRoundTrip(t *testing.T) {
	svc, dir := newDiskService(t, true, true)
	key := cachekey.Key{0xca, 0xfe, 0xba, 0xbe}

	require.NoError(t, svc.Store(key, bytes.NewReader([]byte("task output"))))
	assert.FileExists(t, filepath.Join(dir, "bar", "go", "ca", "cafebabe"))

	var sink bytes.Buffer
	found, err := svc.Load(key, &sink)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "task output", sink.String())

	stats := svc.Stats()
	require.NotEmpty(t, stats)
}

func TestServiceMissWritesNothing(t *testing.T) {
	svc, _ := newDiskService(t, true, true)

	var sink bytes.Buffer
	found, err := svc.Load(cachekey.Key{0x01}, &sink)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, sink.Len())
}

func TestServicePullOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Type: TypeDisk, Dir: dir, Bucket: "bar", Push: true, Enabled: true}
	key := cachekey.Key("key")

	writer, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, writer.Store(key, bytes.NewReader([]byte("v1"))))
	require.NoError(t, writer.Close())

	cfg.Push = false
	reader, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer reader.Close()

	// Store failures are not reported to the host.
	require.NoError(t, reader.Store(key, bytes.NewReader([]byte("v2"))))

	var sink bytes.Buffer
	found, err := reader.Load(key, &sink)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", sink.String())
}

func TestServiceDisabled(t *testing.T) {
	store, err := backends.NewDiskStore(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket("bar"))

	svc, err := New(context.Background(), Config{Type: TypeDisk, Dir: "unused", Bucket: "bar", Push: true, Enabled: false},
		WithObjectStore(store))
	require.NoError(t, err)

	before := len(store.Calls())
	require.NoError(t, svc.Store(cachekey.Key("k"), bytes.NewReader([]byte("v"))))
	found, err := svc.Load(cachekey.Key("k"), io.Discard)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Len(t, store.Calls(), before, "disabled cache must not reach the store")
}

func TestServiceStoreSourceError(t *testing.T) {
	svc, _ := newDiskService(t, true, true)
	want := errors.New("task output unreadable")

	err := svc.Store(cachekey.Key("k"), iotest.ErrReader(want))
	require.ErrorIs(t, err, want)
}

func TestServiceEmptyKey(t *testing.T) {
	svc, _ := newDiskService(t, true, true)

	require.NoError(t, svc.Store(nil, bytes.NewReader([]byte("v"))))
	found, err := svc.Load(nil, io.Discard)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestServiceOversized(t *testing.T) {
	svc, err := New(context.Background(), Config{
		Type: TypeDisk, Dir: t.TempDir(), Bucket: "bar", Push: true, Enabled: true, MaxObjectSize: 4,
	})
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Store(cachekey.Key("k"), bytes.NewReader([]byte("12345"))))
	found, err := svc.Load(cachekey.Key("k"), io.Discard)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestServiceConcurrentStores(t *testing.T) {
	svc, _ := newDiskService(t, true, true)

	payloads := map[string][]byte{
		"a": bytes.Repeat([]byte{'a'}, 128*1024),
		"b": bytes.Repeat([]byte{'b'}, 128*1024),
	}
	key := cachekey.Key("shared")

	var eg errgroup.Group
	for i := 0; i < 10; i++ {
		payload := payloads["a"]
		if i%2 == 0 {
			payload = payloads["b"]
		}
		eg.Go(func() error {
			return svc.Store(key, bytes.NewReader(payload))
		})
	}
	for i := 0; i < 10; i++ {
		other := cachekey.Key(fmt.Sprintf("other-%d", i))
		eg.Go(func() error {
			return svc.Store(other, bytes.NewReader([]byte("x")))
		})
	}
	require.NoError(t, eg.Wait())

	var sink bytes.Buffer
	found, err := svc.Load(key, &sink)
	require.NoError(t, err)
	require.True(t, found)
	got := sink.Bytes()
	assert.True(t, bytes.Equal(got, payloads["a"]) || bytes.Equal(got, payloads["b"]))
}

func TestNewFailsWhenBucketMissing(t *testing.T) {
	store, err := backends.NewDiskStore(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket("foo"))

	cfg := Config{
		Endpoint:    "oss-cn-hangzhou.aliyuncs.com",
		Bucket:      "bar",
		Enabled:     true,
		Credentials: credentials.NewExported("key-id", "secret-key"),
	}

	_, err = New(context.Background(), cfg, WithObjectStore(store))
	require.ErrorIs(t, err, backends.ErrBucketNotFound)
	assert.Contains(t, err.Error(), `"bar"`)
	assert.Contains(t, err.Error(), "oss-cn-hangzhou.aliyuncs.com")
	assert.NotContains(t, err.Error(), "secret-key")

	require.NoError(t, store.CreateBucket("bar"))
	svc, err := New(context.Background(), cfg, WithObjectStore(store))
	require.NoError(t, err)
	require.NoError(t, svc.ValidateConfiguration(context.Background()))
	require.NoError(t, svc.Close())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(context.Background(), Config{Type: TypeDisk})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewRegistersMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	svc, err := New(context.Background(), Config{Type: TypeDisk, Dir: t.TempDir(), Bucket: "bar", Push: true, Enabled: true},
		WithRegisterer(reg))
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Store(cachekey.Key("stored"), strings.NewReader("payload")))
	_, err = svc.Load(cachekey.Key("k"), io.Discard)
	require.NoError(t, err)

	// validate/ok, store/ok and load/miss.
	n, err := testutil.GatherAndCount(reg, "ossbuildcache_backend_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = testutil.GatherAndCount(reg, "ossbuildcache_backend_bytes_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	families, err := reg.Gather()
	require.NoError(t, err)
	var misses float64
	for _, mf := range families {
		if mf.GetName() != "ossbuildcache_backend_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["op"] == "load" && labels["outcome"] == "miss" {
				misses = m.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, float64(1), misses)
}

func TestServiceCloseDelegates(t *testing.T) {
	store, err := backends.NewDiskStore(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket("bar"))

	svc, err := New(context.Background(), Config{Type: TypeDisk, Dir: "unused", Bucket: "bar", Enabled: true},
		WithObjectStore(store))
	require.NoError(t, err)
	require.NoError(t, svc.Close())
	assert.True(t, store.Closed())
}
