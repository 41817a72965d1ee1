// Package server provides the HTTP API: export jobs, live previews streamed
// over WebSocket, and the preset and filter catalogs.
// DTOs are kept separate from domain types.
package server

import (
	"time"

	"github.com/maauso/reframe/internal/filter"
	"github.com/maauso/reframe/internal/media"
)

// SizeRequest selects the output size: a preset name, or an explicit width
// and height. Empty means the server's default preset.
type SizeRequest struct {
	Preset string `json:"preset" validate:"omitempty,preset"`
	Width  int    `json:"width" validate:"omitempty,min=1,max=8192"`
	Height int    `json:"height" validate:"omitempty,min=1,max=8192"`
}

// CreateExportForm holds the non-file fields of POST /exports and
// POST /previews. Width and height are free-form like the size inputs of an
// editor; a value that is not a number falls back to the default side.
type CreateExportForm struct {
	Preset   string `validate:"omitempty,preset"`
	Width    string `validate:"omitempty,max=16"`
	Height   string `validate:"omitempty,max=16"`
	Filters  string `validate:"omitempty,filters"`
	PushToS3 bool
}

// UpdatePreviewRequest is the JSON body of PUT /previews/{id}.
type UpdatePreviewRequest struct {
	SizeRequest
	// Filters maps filter names to values, e.g. {"blur": 2, "sepia": 60}.
	Filters map[string]float64 `json:"filters" validate:"dive,keys,filtername,endkeys"`
}

// CreateExportResponse is the HTTP response after creating an export.
type CreateExportResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// ExportResponse is the HTTP response for export details.
type ExportResponse struct {
	ID       string     `json:"id"`
	Status   string     `json:"status"`
	Progress float64    `json:"progress"`
	Size     media.Size `json:"size"`
	Filters  string     `json:"filters,omitempty"`
	Error    string     `json:"error,omitempty"`
	// NoOutput is true for a completed export that produced nothing.
	NoOutput bool   `json:"no_output,omitempty"`
	Filename string `json:"filename,omitempty"`
	// DownloadURL is set once the result can be downloaded.
	DownloadURL string `json:"download_url,omitempty"`
	// URL is the S3 URL if the export was pushed to S3.
	URL         string     `json:"url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ListExportsResponse is the HTTP response for GET /exports.
type ListExportsResponse struct {
	Exports []ExportResponse `json:"exports"`
}

// PresetsResponse lists the size presets.
type PresetsResponse struct {
	Presets []media.NamedSize `json:"presets"`
	Default string            `json:"default"`
}

// FiltersResponse lists the filter catalog.
type FiltersResponse struct {
	Filters []filter.Definition `json:"filters"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}
