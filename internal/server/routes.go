package server

import (
	"log/slog"
	"net/http"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS and WebSocket origins.
	AllowedOrigins []string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /presets", h.Presets)
	mux.HandleFunc("GET /filters", h.Filters)

	mux.HandleFunc("POST /exports", h.CreateExport)
	mux.HandleFunc("GET /exports", h.ListExports)
	mux.HandleFunc("GET /exports/{id}", h.GetExport)
	mux.HandleFunc("GET /exports/{id}/download", h.DownloadExport)
	mux.HandleFunc("DELETE /exports/{id}", h.DeleteExport)

	mux.HandleFunc("POST /previews", h.CreatePreview)
	mux.HandleFunc("GET /previews/{id}", h.GetPreview)
	mux.HandleFunc("PUT /previews/{id}", h.UpdatePreview)
	mux.HandleFunc("GET /previews/{id}/frame", h.PreviewFrame)
	mux.HandleFunc("GET /previews/{id}/stream", h.StreamPreview)
	mux.HandleFunc("DELETE /previews/{id}", h.DeletePreview)

	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
