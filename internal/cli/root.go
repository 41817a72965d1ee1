// Package cli implements the reframe command line: one-shot exports, the
// preset and filter catalogs, and the HTTP server.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/maauso/reframe/internal/bootstrap"
	"github.com/maauso/reframe/internal/codec"
	"github.com/maauso/reframe/internal/config"
)

// app carries what the commands share. Tests replace the codec and config
// loaders.
type app struct {
	version    string
	loadConfig func() (*config.Config, error)
	newCodec   func(cfg *config.Config, logger *slog.Logger) codec.Library

	logLevel string
}

// NewRootCommand returns the reframe command tree.
func NewRootCommand(version string) *cobra.Command {
	return newRootCommand(&app{
		version:    version,
		loadConfig: config.Load,
		newCodec: func(cfg *config.Config, logger *slog.Logger) codec.Library {
			return bootstrap.NewCodec(cfg, logger)
		},
	})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "reframe",
		Short: "Resize, crop and filter images and videos",
		Long: `reframe renders images and videos to a target size with cover-fit
cropping and a set of visual filters.

It can:
  - export a single file from the command line
  - serve an HTTP API with export jobs and live previews over WebSocket
  - list the size presets and the filter catalog`,
		Version:       a.version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error (default: LOG_LEVEL)")

	root.AddCommand(
		newExportCommand(a),
		newPresetsCommand(),
		newFiltersCommand(),
		newServeCommand(a),
	)
	return root
}

// config loads the environment configuration and applies flag overrides.
func (a *app) config() (*config.Config, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	return cfg, nil
}

// Execute runs the command line and exits on error.
func Execute(version string) {
	if err := NewRootCommand(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
