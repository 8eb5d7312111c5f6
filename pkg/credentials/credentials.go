// Package credentials describes how the cache authenticates to the remote object store.
//
// A Credentials value is pure data. Turning it into a usable provider happens when the
// storage backend connects, by switching over the three concrete types in this package.
package credentials

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// ErrUnsupportedCredentials is returned when a backend is handed a Credentials value it
// does not know how to resolve.
var ErrUnsupportedCredentials = errors.New("unsupported credentials")

// Kind names a credentials variant in diagnostics.
type Kind string

const (
	KindDefault  = Kind("default")
	KindExported = Kind("exported")
	KindProvider = Kind("provider")
)

// Credentials is one of Default, Exported or SpecificProvider.
// The set is closed: the unexported method keeps other packages from adding variants.
type Credentials interface {
	Kind() Kind
	sealed()
}

// Default delegates to the ambient credential chain (environment, shared config files,
// instance metadata).
type Default struct{}

func (Default) Kind() Kind     { return KindDefault }
func (Default) sealed()        {}
func (Default) String() string { return string(KindDefault) }

// Exported authenticates with a literal access key pair.
type Exported struct {
	AccessKeyID     string
	SecretAccessKey string
	// SessionToken is optional and only set for temporary credentials.
	SessionToken string
}

// NewExported returns Exported credentials for the given key pair.
func NewExported(accessKeyID, secretAccessKey string) Exported {
	return Exported{AccessKeyID: accessKeyID, SecretAccessKey: secretAccessKey}
}

func (Exported) Kind() Kind { return KindExported }
func (Exported) sealed()    {}

// String never renders the secret or the session token.
func (e Exported) String() string {
	return fmt.Sprintf("%s(accessKeyID=%s)", KindExported, maskID(e.AccessKeyID))
}

// GoString keeps %#v from dumping the struct fields.
func (e Exported) GoString() string { return e.String() }

// LogValue implements slog.LogValuer.
func (e Exported) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", string(KindExported)),
		slog.String("accessKeyID", maskID(e.AccessKeyID)),
	)
}

// SpecificProvider hands an externally built provider to the backend unchanged.
type SpecificProvider struct {
	Provider aws.CredentialsProvider
}

func (SpecificProvider) Kind() Kind     { return KindProvider }
func (SpecificProvider) sealed()        {}
func (SpecificProvider) String() string { return string(KindProvider) }

// OrDefault returns c, or Default when c is nil.
func OrDefault(c Credentials) Credentials {
	if c == nil {
		return Default{}
	}
	return c
}

// maskID keeps the first four characters of an access key id.
func maskID(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return id[:4] + "****"
}
