package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/neas-neas/ossbuildcache/backends"
	"github.com/neas-neas/ossbuildcache/pkg/buildcache"
	"github.com/neas-neas/ossbuildcache/pkg/credentials"
)

// envPrefix namespaces every environment variable, e.g. OSSBUILDCACHE_BUCKET.
const envPrefix = "OSSBUILDCACHE"

// settings is the flat, user-facing configuration. Keys match flag names with dashes
// replaced by underscores.
type settings struct {
	Type            string `mapstructure:"type"`
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Push            bool   `mapstructure:"push"`
	Enabled         bool   `mapstructure:"enabled"`
	MaxObjectSize   int64  `mapstructure:"max_object_size"`
	PathStyle       bool   `mapstructure:"path_style"`
	Insecure        bool   `mapstructure:"insecure"`
	Dir             string `mapstructure:"dir"`
	Debug           bool   `mapstructure:"debug"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	CacheDir        string `mapstructure:"cache_dir"`
	LogFormat       string `mapstructure:"log_format"`
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "ossbuildcache")
	}
	return filepath.Join(os.TempDir(), "ossbuildcache")
}

// registerFlags declares the cache flags shared by every subcommand.
func registerFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.String("type", string(buildcache.TypeS3), "object store type: s3, minio or disk")
	flags.String("endpoint", "", "object store endpoint, e.g. oss-cn-hangzhou.aliyuncs.com")
	flags.String("region", "", "object store region")
	flags.String("bucket", "", "bucket holding the cache entries")
	flags.String("prefix", "", "key prefix inside the bucket")
	flags.Bool("push", false, "store entries, not just load them")
	flags.Bool("enabled", true, "use the remote cache at all")
	flags.Int64("max-object-size", backends.DefaultMaxObjectSize, "largest entry loaded or stored, in bytes")
	flags.Bool("path-style", false, "use path-style bucket addressing")
	flags.Bool("insecure", false, "use plain HTTP for endpoints without a scheme")
	flags.String("dir", "", "store directory for the disk type")
	flags.Bool("debug", false, "log every object store request")
	flags.String("cache-dir", defaultCacheDir(), "local directory the go command reads outputs from")
	flags.String("log-format", "text", "log format: text or json")
}

// loadSettings merges defaults, the config file, environment and flags, in increasing
// order of precedence.
func loadSettings(flags *pflag.FlagSet) (*settings, error) {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		bindErr = errors.Join(bindErr, v.BindPFlag(key, f))
		bindErr = errors.Join(bindErr, v.BindEnv(key))
	})
	if bindErr != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
	}
	// Credentials are only read from the environment or the config file.
	for _, key := range []string{"access_key_id", "secret_access_key", "session_token"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if cfgFile, _ := flags.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var s settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &s, nil
}

// cacheConfig turns settings into a build cache configuration. Exported credentials are
// used only when both halves of the key pair are present.
func (s *settings) cacheConfig() buildcache.Config {
	var creds credentials.Credentials = credentials.Default{}
	if s.AccessKeyID != "" && s.SecretAccessKey != "" {
		creds = credentials.Exported{
			AccessKeyID:     s.AccessKeyID,
			SecretAccessKey: s.SecretAccessKey,
			SessionToken:    s.SessionToken,
		}
	}

	return buildcache.Config{
		Type:          buildcache.Type(s.Type),
		Endpoint:      s.Endpoint,
		Region:        s.Region,
		Bucket:        s.Bucket,
		Prefix:        s.Prefix,
		Push:          s.Push,
		Enabled:       s.Enabled,
		MaxObjectSize: s.MaxObjectSize,
		UsePathStyle:  s.PathStyle,
		Insecure:      s.Insecure,
		Dir:           s.Dir,
		Debug:         s.Debug,
		Credentials:   creds,
	}
}
