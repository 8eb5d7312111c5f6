package locking

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Flock is a Group backed by advisory file locks, so it also excludes other processes
// working in the same directory. Lock files are kept under dir and are not removed.
type Flock struct {
	dir string
	mem *MemLock
}

// NewFlock returns a Flock that keeps its lock files under dir.
func NewFlock(dir string) (*Flock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &Flock{dir: dir, mem: NewMemLock()}, nil
}

func (f *Flock) DoWithLock(key string, fn func() error) error {
	// flock(2) locks are per open file description, so goroutines in this process are
	// serialized in memory first.
	return f.mem.DoWithLock(key, func() error {
		path := filepath.Join(f.dir, filepath.FromSlash(key)+".lock")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("failed to create lock directory: %w", err)
		}

		fl := flock.New(path)
		if err := fl.Lock(); err != nil {
			return fmt.Errorf("failed to lock %s: %w", key, err)
		}
		defer fl.Unlock()

		return fn()
	})
}
