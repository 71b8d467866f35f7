// Package main implements storymap-sync, which publishes stories from a Feishu
// bitable as a location-grouped JSON dataset.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"storymap-sync/config"
	"storymap-sync/server"
	"storymap-sync/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	runSync := func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup(configPath, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		a, err := build(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		// The run itself is not interruptible; only process signals stop it.
		_, err = a.syncer.Run(context.WithoutCancel(cmd.Context()))
		return err
	}

	root := &cobra.Command{
		Use:   "storymap-sync",
		Short: "Publish Feishu bitable stories as a location-grouped JSON dataset",
		Long: `storymap-sync reads published story records from a Feishu bitable, stores their
image attachments in a content-addressed blob store, and writes the stories
grouped by map location to content.json.

Settings come from environment variables (FEISHU_APP_ID, SYNC_BATCH_SIZE, ...)
or from a config file passed with --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runSync,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (yaml, toml or json)")

	root.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Run one sync and exit",
		Args:  cobra.NoArgs,
		RunE:  runSync,
	})

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the published dataset and trigger syncs over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(configPath, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a, err := build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(&server.Config{
				Syncer:     a.syncer,
				Store:      a.store,
				Metrics:    promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
				Logger:     logger,
				IsNotFound: storage.IsNotFound,
			})
			return srv.Serve(cmd.Context(), cfg.Port)
		},
	})

	return root
}

func setup(configPath string, logOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newLogger builds the process logger. JSON is the default so logs stay structured in Cloud Run.
func newLogger(cfg config.Log, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, errors.New("log format must be json or text")
	}
}
