package locking

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testMutualExclusion(t *testing.T, g Group) {
	t.Helper()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.DoWithLock("bucket/ab/abcd", func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			if err != nil {
				t.Errorf("DoWithLock returned error: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("Expected at most one holder, got %d", maxInside)
	}
}

func testKeysIndependent(t *testing.T, g Group) {
	t.Helper()

	release := make(chan struct{})
	acquired := make(chan struct{})
	holderDone := make(chan struct{})
	go func() {
		defer close(holderDone)
		_ = g.DoWithLock("a", func() error {
			close(acquired)
			<-release
			return nil
		})
	}()
	<-acquired

	done := make(chan struct{})
	go func() {
		_ = g.DoWithLock("b", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lock on key b blocked behind key a")
	}
	close(release)
	<-holderDone
}

func TestMemLock(t *testing.T) {
	m := NewMemLock()
	testMutualExclusion(t, m)
	testKeysIndependent(t, m)

	if n := m.held(); n != 0 {
		t.Errorf("Expected no retained locks, got %d", n)
	}
}

func TestMemLockReturnsError(t *testing.T) {
	want := errors.New("boom")
	err := NewMemLock().DoWithLock("k", func() error { return want })
	if !errors.Is(err, want) {
		t.Errorf("Expected %v, got %v", want, err)
	}
}

func TestFlock(t *testing.T) {
	f, err := NewFlock(t.TempDir())
	if err != nil {
		t.Fatalf("NewFlock: %v", err)
	}
	testMutualExclusion(t, f)
	testKeysIndependent(t, f)
}
