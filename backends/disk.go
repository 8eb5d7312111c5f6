package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/neas-neas/ossbuildcache/pkg/locking"
)

// lockDirName holds the flock files of a DiskStore. Names starting with a dot are never
// reported as buckets.
const lockDirName = ".locks"

// Call is one request observed by a DiskStore.
type Call struct {
	Op     string
	Bucket string
	Key    string
}

// DiskStore is an ObjectStore that keeps objects in a local directory, one subdirectory per
// bucket. It stands in for a remote store in tests and offline verification, and records
// every request it receives.
type DiskStore struct {
	dir   string
	locks locking.Group

	mu     sync.Mutex
	calls  []Call
	closed bool
}

var _ ObjectStore = (*DiskStore)(nil)

// NewDiskStore returns a DiskStore rooted at dir. Writers of one key are serialized with
// locks; a nil group uses file locks under dir so separate processes can share it.
func NewDiskStore(dir string, locks locking.Group) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	if locks == nil {
		locks, err = locking.NewFlock(filepath.Join(absDir, lockDirName))
		if err != nil {
			return nil, err
		}
	}

	return &DiskStore{dir: absDir, locks: locks}, nil
}

// CreateBucket creates the directory for bucket if it does not exist.
func (d *DiskStore) CreateBucket(bucket string) error {
	if !validBucket(bucket) {
		return fmt.Errorf("invalid bucket name %q", bucket)
	}
	if err := os.MkdirAll(filepath.Join(d.dir, bucket), 0755); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	return nil
}

// Calls returns the requests received so far.
func (d *DiskStore) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

func (d *DiskStore) record(op, bucket, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, Call{Op: op, Bucket: bucket, Key: key})
}

// objectPath maps bucket and key to a file under the store directory, refusing anything
// that would escape its bucket.
func (d *DiskStore) objectPath(bucket, key string) (string, error) {
	if !validBucket(bucket) {
		return "", fmt.Errorf("invalid bucket name %q", bucket)
	}
	if key == "" || !filepath.IsLocal(filepath.FromSlash(key)) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(d.dir, bucket, filepath.FromSlash(key)), nil
}

func (d *DiskStore) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	d.record("get", bucket, key)

	path, err := d.objectPath(bucket, key)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
		}
		return nil, 0, fmt.Errorf("failed to open object: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat object: %w", err)
	}
	return f, info.Size(), nil
}

func (d *DiskStore) PutObject(ctx context.Context, bucket, key string, body []byte) error {
	d.record("put", bucket, key)

	path, err := d.objectPath(bucket, key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(d.dir, bucket)); err != nil {
		return fmt.Errorf("bucket %s: %w", bucket, err)
	}

	return d.locks.DoWithLock(bucket+"/"+key, func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create object directory: %w", err)
		}

		// Write to a uniquely named temp file first, then rename, so readers never
		// observe a partial object.
		tmpPath := path + "." + uuid.NewString() + ".tmp"
		if err := os.WriteFile(tmpPath, body, 0644); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to write temp object: %w", err)
		}
		if err := os.Rename(tmpPath, path); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("failed to rename object: %w", err)
		}
		return nil
	})
}

func (d *DiskStore) DeleteObject(ctx context.Context, bucket, key string) error {
	d.record("delete", bucket, key)

	path, err := d.objectPath(bucket, key)
	if err != nil {
		return err
	}

	return d.locks.DoWithLock(bucket+"/"+key, func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to delete object: %w", err)
		}
		return nil
	})
}

func (d *DiskStore) ListBuckets(ctx context.Context) ([]string, error) {
	d.record("list", "", "")

	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() && validBucket(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (d *DiskStore) Close() error {
	d.record("close", "", "")

	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (d *DiskStore) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func validBucket(name string) bool {
	return name != "" && !strings.HasPrefix(name, ".") && !strings.ContainsAny(name, `/\`)
}
