// Package bootstrap wires the reframe services from configuration.
package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/maauso/reframe/internal/codec"
	"github.com/maauso/reframe/internal/config"
	"github.com/maauso/reframe/internal/dispatch"
	"github.com/maauso/reframe/internal/job"
	"github.com/maauso/reframe/internal/preview"
	"github.com/maauso/reframe/internal/storage"
)

// Dependencies holds all initialized dependencies for the HTTP server and CLI.
type Dependencies struct {
	Codec    codec.Library
	Store    storage.Storage
	Exports  *job.ExportService
	Previews *preview.Manager
}

// NewDependencies creates and initializes all dependencies for the application.
func NewDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	store, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	lib := NewCodec(cfg, logger)
	sessionOpts := SessionOptions(cfg)

	exports := job.NewExportService(
		job.NewMemoryRepository(),
		store,
		lib,
		job.WithServiceLogger(logger),
		job.WithSessionOptions(sessionOpts...),
	)
	previews := preview.NewManager(
		lib,
		store,
		preview.WithLogger(logger),
		preview.WithJPEGQuality(cfg.PreviewJPEGQuality),
		preview.WithSessionOptions(sessionOpts...),
	)

	return &Dependencies{
		Codec:    lib,
		Store:    store,
		Exports:  exports,
		Previews: previews,
	}, nil
}

// Close stops running previews and exports.
func (d *Dependencies) Close() {
	d.Previews.Close()
	d.Exports.Close()
}

// NewCodec returns the ffmpeg-backed codec library described by cfg.
func NewCodec(cfg *config.Config, logger *slog.Logger) *codec.FFmpeg {
	return codec.NewFFmpeg(cfg.FFmpegPath,
		codec.WithFFprobePath(cfg.FFprobePath),
		codec.WithTempDir(cfg.TempDir),
		codec.WithLogger(logger),
	)
}

// SessionOptions returns the dispatch options shared by exports and previews.
func SessionOptions(cfg *config.Config) []dispatch.Option {
	return []dispatch.Option{
		dispatch.WithVideoCodec(cfg.VideoCodec),
		dispatch.WithBitrate(cfg.Bitrate()),
	}
}

// initStorage creates the appropriate storage backend based on configuration.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
			slog.String("endpoint", cfg.S3Endpoint),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured",
		slog.String("temp_dir", cfg.TempDir),
	)
	return localStore, nil
}
