// Command ossbuildcache shares Go build outputs through an S3-compatible object store.
//
// Run it as GOCACHEPROG:
//
//	GOCACHEPROG="ossbuildcache serve --endpoint oss-cn-hangzhou.aliyuncs.com --bucket bar --push" go build ./...
//
// The other subcommands inspect and maintain the same bucket.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/neas-neas/ossbuildcache/pkg/buildcache"
	"github.com/neas-neas/ossbuildcache/pkg/cachekey"
)

var version = "dev"

func newLogger(s *settings, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelWarn}
	if s.Debug {
		opts.Level = slog.LevelDebug
	}
	if s.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// env is what every subcommand needs after flags and config are resolved.
type env struct {
	settings *settings
	config   buildcache.Config
	logger   *slog.Logger
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	s, err := loadSettings(cmd.Flags())
	if err != nil {
		return nil, err
	}
	return &env{
		settings: s,
		config:   s.cacheConfig(),
		// stdout belongs to the GOCACHEPROG protocol.
		logger: newLogger(s, cmd.ErrOrStderr()),
	}, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ossbuildcache",
		Short:         "Remote Go build cache backed by an S3-compatible object store",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	registerFlags(root.PersistentFlags())

	root.AddCommand(
		newServeCmd(),
		newDescribeCmd(),
		newValidateCmd(),
		newGetCmd(),
		newPutCmd(),
		newRmCmd(),
	)
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the GOCACHEPROG protocol on stdin and stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}

			svc, err := buildcache.New(cmd.Context(), e.config, buildcache.WithLogger(e.logger))
			if err != nil {
				return err
			}

			local, err := newLocalCache(e.settings.CacheDir, e.logger)
			if err != nil {
				svc.Close()
				return err
			}

			prog := NewCacheProg(newServiceBackend(svc, local, e.logger), cmd.InOrStdin(), cmd.OutOrStdout(), e.logger)
			err = prog.Run()

			for _, s := range svc.Stats() {
				e.logger.Debug("latency", "summary", s.String())
			}
			return err
		},
	}
}

func newDescribeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "describe",
		Short: "Print the effective cache configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			for _, p := range buildcache.Describe(e.config).Pairs() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", p[0], p[1])
			}
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check that the bucket is reachable with the configured credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			storage, err := buildcache.NewStorage(cmd.Context(), e.config, buildcache.WithLogger(e.logger))
			if err != nil {
				return err
			}
			defer storage.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s\n", buildcache.Describe(e.config))
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Write the entry for a hex cache key to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := cachekey.FromHex(args[0])
			if err != nil {
				return err
			}
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			svc, err := buildcache.New(cmd.Context(), e.config, buildcache.WithLogger(e.logger))
			if err != nil {
				return err
			}
			defer svc.Close()

			found, err := svc.Load(key, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("%s: not found", key)
			}
			return nil
		},
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put KEY [FILE]",
		Short: "Store a file, or stdin, under a hex cache key",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := cachekey.FromHex(args[0])
			if err != nil {
				return err
			}
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}

			source := cmd.InOrStdin()
			if len(args) == 2 {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				source = f
			}

			storage, err := buildcache.NewStorage(cmd.Context(), e.config, buildcache.WithLogger(e.logger))
			if err != nil {
				return err
			}
			defer storage.Close()

			name, err := cachekey.Derive(e.config.Prefix, key)
			if err != nil {
				return err
			}
			data, err := io.ReadAll(source)
			if err != nil {
				return err
			}
			if !storage.Store(name, data) {
				return fmt.Errorf("%s: not stored (disabled, pull-only, too large or unreachable; rerun with --debug)", name)
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
}

func newRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm KEY",
		Short: "Delete the entry for a hex cache key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := cachekey.FromHex(args[0])
			if err != nil {
				return err
			}
			e, err := loadEnv(cmd)
			if err != nil {
				return err
			}
			storage, err := buildcache.NewStorage(cmd.Context(), e.config, buildcache.WithLogger(e.logger))
			if err != nil {
				return err
			}
			defer storage.Close()

			name, err := cachekey.Derive(e.config.Prefix, key)
			if err != nil {
				return err
			}
			deleted, err := storage.Delete(name)
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("%s: not deleted (cache disabled or pull-only)", name)
			}
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "ossbuildcache:", err)
		os.Exit(1)
	}
}
