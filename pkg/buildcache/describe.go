package buildcache

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/neas-neas/ossbuildcache/pkg/credentials"
)

// Description is the diagnostic summary of a cache configuration. It never carries secrets.
type Description struct {
	Type            string
	Endpoint        string
	Bucket          string
	Prefix          string
	Push            bool
	Enabled         bool
	MaxObjectSize   int64
	CredentialsType credentials.Kind
}

var typeNames = map[Type]string{
	TypeS3:    "S3-backed",
	TypeMinio: "MinIO-backed",
	TypeDisk:  "Disk-backed",
}

// Describe summarizes cfg.
func Describe(cfg Config) Description {
	cfg = cfg.withDefaults()

	name, ok := typeNames[cfg.Type]
	if !ok {
		name = string(cfg.Type)
	}
	endpoint := cfg.Endpoint
	if cfg.Type == TypeDisk {
		endpoint = cfg.Dir
	}

	return Description{
		Type:            name,
		Endpoint:        endpoint,
		Bucket:          cfg.Bucket,
		Prefix:          cfg.Prefix,
		Push:            cfg.Push,
		Enabled:         cfg.Enabled,
		MaxObjectSize:   cfg.MaxObjectSize,
		CredentialsType: cfg.Credentials.Kind(),
	}
}

// Pairs returns the configuration entries in display order.
func (d Description) Pairs() [][2]string {
	pairs := [][2]string{
		{"type", d.Type},
		{"endpoint", d.Endpoint},
		{"bucketName", d.Bucket},
	}
	if d.Prefix != "" {
		pairs = append(pairs, [2]string{"prefix", d.Prefix})
	}
	return append(pairs,
		[2]string{"isPushSupported", fmt.Sprint(d.Push)},
		[2]string{"isEnabled", fmt.Sprint(d.Enabled)},
		[2]string{"maxObjectSize", fmt.Sprint(d.MaxObjectSize)},
		[2]string{"credentialsType", string(d.CredentialsType)},
	)
}

func (d Description) String() string {
	var sb strings.Builder
	for i, p := range d.Pairs() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(p[0])
		sb.WriteByte('=')
		sb.WriteString(p[1])
	}
	return sb.String()
}

// LogValue implements slog.LogValuer.
func (d Description) LogValue() slog.Value {
	pairs := d.Pairs()
	attrs := make([]slog.Attr, 0, len(pairs))
	for _, p := range pairs {
		attrs = append(attrs, slog.String(p[0], p[1]))
	}
	return slog.GroupValue(attrs...)
}
