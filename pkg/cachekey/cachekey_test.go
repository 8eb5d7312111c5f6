package cachekey

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		key    Key
		want   string
	}{
		{name: "no prefix", key: Key{0xab, 0xcd, 0xef}, want: "ab/abcdef"},
		{name: "prefix", prefix: "go", key: Key{0x01, 0x02}, want: "go/01/0102"},
		{name: "prefix slashes trimmed", prefix: "/ci/main/", key: Key{0xff}, want: "ci/main/ff/ff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Derive(tt.prefix, tt.key)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeriveEmptyKey(t *testing.T) {
	_, err := Derive("prefix", nil)
	require.ErrorIs(t, err, ErrEmptyKey)

	_, err = Derive("", Key{})
	require.ErrorIs(t, err, ErrEmptyKey)
}

func TestDeriveIsDeterministic(t *testing.T) {
	key := Key("some action id")
	first, err := Derive("p", key)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Derive("p", key)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDeriveIsInjective(t *testing.T) {
	corpus := make([]Key, 0, 4096)
	for i := 0; i < 1024; i++ {
		sum := sha256.Sum256([]byte(fmt.Sprintf("action-%d", i)))
		corpus = append(corpus, Key(sum[:]))
	}
	// Short keys and keys sharing prefixes with each other.
	for i := 0; i < 256; i++ {
		corpus = append(corpus, Key{byte(i)}, Key{byte(i), 0x00}, Key{byte(i), 0x00, 0x00})
	}
	corpus = append(corpus, Key("a"), Key("a/"), Key("a/b"), Key("ab"))

	seen := make(map[string]string, len(corpus))
	for _, key := range corpus {
		derived, err := Derive("cache", key)
		require.NoError(t, err)
		if prev, ok := seen[derived]; ok && prev != key.String() {
			t.Fatalf("keys %s and %s both derive %s", prev, key.String(), derived)
		}
		seen[derived] = key.String()
	}
}

func TestFromHex(t *testing.T) {
	key, err := FromHex("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, Key{0xde, 0xad, 0xbe, 0xef}, key)
	assert.Equal(t, "deadbeef", key.String())

	_, err = FromHex("not-hex")
	require.Error(t, err)
}
