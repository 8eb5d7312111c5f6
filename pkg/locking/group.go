// Package locking provides mutual exclusion over named keys.
package locking

// Group runs functions with mutual exclusion over sets of keys.
// Different keys never block each other.
type Group interface {
	// DoWithLock runs fn while holding the lock for key.
	DoWithLock(key string, fn func() error) error
}
