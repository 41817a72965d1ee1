package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/maauso/reframe/internal/bootstrap"
	"github.com/maauso/reframe/internal/config"
	"github.com/maauso/reframe/internal/server"
)

func newServeCommand(a *app) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API: export jobs, live previews streamed over WebSocket,
and the preset and filter catalogs. Configuration is read from the
environment (PORT, TEMP_DIR, FFMPEG_PATH, S3_BUCKET, ...).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if port != 0 {
				cfg.Port = port
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			logger := cfg.NewLogger()
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Listen port (default: PORT)")
	return cmd
}

// Serve runs the HTTP API until ctx is done, then shuts down gracefully:
// in-flight requests finish, previews stop and running exports are cancelled.
func Serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting reframe API",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("temp_dir", cfg.TempDir),
		slog.String("ffmpeg", cfg.FFmpegPath),
		slog.String("video_codec", cfg.VideoCodec),
		slog.String("bitrate", cfg.BitrateClass),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
	)

	deps, err := bootstrap.NewDependencies(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	defer deps.Close()

	serverCfg := server.DefaultConfig()
	handlers := server.NewHandlers(deps.Exports, deps.Previews, logger,
		server.WithDefaultPreset(cfg.DefaultPreset),
		server.WithMaxUploadBytes(cfg.MaxUploadBytes()),
		server.WithAllowedOrigins(serverCfg.AllowedOrigins),
	)
	router := server.NewRouter(handlers, logger, serverCfg)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute, // Large uploads
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
