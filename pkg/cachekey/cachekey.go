// Package cachekey maps opaque host cache keys onto object-store key names.
package cachekey

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyKey is returned when deriving a storage key from an empty cache key.
var ErrEmptyKey = errors.New("empty cache key")

// Key is the opaque identifier the host build system assigns to a cacheable unit of work.
type Key []byte

// FromHex parses a hex encoded key, such as a go command action ID.
func FromHex(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cache key %q: %w", s, err)
	}
	return Key(b), nil
}

// String returns the lowercase hex form of the key.
func (k Key) String() string {
	return hex.EncodeToString(k)
}

// Derive returns the object name for key under prefix.
//
// Names are laid out as [prefix/]hh/hex, where hh is the first byte of the key in hex,
// mirroring the 256-way fan-out of Go's own build cache. For a fixed prefix the mapping
// is injective because the full hex encoding is always the final path element.
func Derive(prefix string, key Key) (string, error) {
	if len(key) == 0 {
		return "", ErrEmptyKey
	}

	hexKey := hex.EncodeToString(key)
	name := hexKey[:2] + "/" + hexKey

	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name, nil
	}
	return prefix + "/" + name, nil
}
