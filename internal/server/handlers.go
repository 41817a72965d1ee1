package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/reframe/internal/filter"
	"github.com/maauso/reframe/internal/geometry"
	"github.com/maauso/reframe/internal/job"
	"github.com/maauso/reframe/internal/media"
	"github.com/maauso/reframe/internal/preview"
)

// Static errors for request handling.
var (
	// ErrMissingFile is returned when a multipart request has no "file" part.
	ErrMissingFile = errors.New("multipart field \"file\" is required")
	// ErrIncompleteSize is returned when only one of width and height is given.
	ErrIncompleteSize = errors.New("width and height must be given together")
)

// Exporter is the export use case the handlers drive.
type Exporter interface {
	Submit(ctx context.Context, in job.CreateInput) (*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context) ([]*job.Job, error)
	Cancel(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	Open(ctx context.Context, id string) (io.ReadCloser, *job.Job, error)
}

// Previewer is the preview use case the handlers drive.
type Previewer interface {
	Start(ctx context.Context, in preview.StartInput) (preview.Info, error)
	Update(ctx context.Context, id string, size media.Size, filters filter.Set) (preview.Info, error)
	Get(id string) (preview.Info, error)
	Frame(id string) ([]byte, error)
	Subscribe(ctx context.Context, id string) (<-chan []byte, error)
	Stop(id string) error
}

// Compile-time checks that the services satisfy the handler ports.
var (
	_ Exporter  = (*job.ExportService)(nil)
	_ Previewer = (*preview.Manager)(nil)
)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	exports   Exporter
	previews  Previewer
	validator *validator.Validate
	logger    *slog.Logger

	defaultPreset  string
	maxUploadBytes int64
	allowedOrigins []string
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithDefaultPreset sets the preset used when a request names no size.
func WithDefaultPreset(name string) HandlerOption {
	return func(h *Handlers) {
		if name != "" {
			h.defaultPreset = name
		}
	}
}

// WithMaxUploadBytes limits the size of uploaded files.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// WithAllowedOrigins sets the origins allowed to open preview streams.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handlers) {
		h.allowedOrigins = origins
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(exports Exporter, previews Previewer, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		exports:        exports,
		previews:       previews,
		validator:      newValidator(),
		logger:         logger,
		defaultPreset:  "square",
		maxUploadBytes: 512 << 20,
		allowedOrigins: []string{"*"},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// newValidator registers the domain tags used by the request types.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("preset", func(fl validator.FieldLevel) bool {
		_, err := media.Preset(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("filters", func(fl validator.FieldLevel) bool {
		_, err := filter.Parse(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("filtername", func(fl validator.FieldLevel) bool {
		return filter.Name(strings.ToLower(fl.Field().String())).IsValid()
	})
	return v
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Presets handles GET /presets requests.
func (h *Handlers) Presets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, PresetsResponse{Presets: media.Presets(), Default: h.defaultPreset})
}

// Filters handles GET /filters requests.
func (h *Handlers) Filters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, FiltersResponse{Filters: filter.Catalog()})
}

// CreateExport handles POST /exports requests.
func (h *Handlers) CreateExport(w http.ResponseWriter, r *http.Request) {
	up, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	defer up.close()

	created, err := h.exports.Submit(r.Context(), job.CreateInput{
		Name:     up.name,
		Data:     up.file,
		Type:     up.mimeType,
		Size:     up.size,
		Filters:  up.filters,
		PushToS3: up.form.PushToS3,
	})
	if err != nil {
		h.writeDomainError(w, err, "failed to create export")
		return
	}

	h.logger.Info("export created",
		slog.String("job_id", created.ID),
		slog.String("size", up.size.String()),
	)
	writeJSON(w, http.StatusAccepted, CreateExportResponse{
		ID:     created.ID,
		Status: string(created.Status),
	})
}

// ListExports handles GET /exports requests.
func (h *Handlers) ListExports(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.exports.List(r.Context())
	if err != nil {
		h.writeDomainError(w, err, "failed to list exports")
		return
	}
	resp := ListExportsResponse{Exports: make([]ExportResponse, 0, len(jobs))}
	for _, j := range jobs {
		resp.Exports = append(resp.Exports, exportResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetExport handles GET /exports/{id} requests.
func (h *Handlers) GetExport(w http.ResponseWriter, r *http.Request) {
	found, err := h.exports.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to get export")
		return
	}
	writeJSON(w, http.StatusOK, exportResponse(found))
}

// DownloadExport handles GET /exports/{id}/download requests.
func (h *Handlers) DownloadExport(w http.ResponseWriter, r *http.Request) {
	rc, found, err := h.exports.Open(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to open export")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", found.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": found.Filename}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("download interrupted",
			slog.String("job_id", found.ID),
			slog.String("error", err.Error()),
		)
	}
}

// DeleteExport handles DELETE /exports/{id} requests. A queued or running
// export is cancelled; a finished one is removed with its result.
func (h *Handlers) DeleteExport(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	found, err := h.exports.Get(r.Context(), jobID)
	if err != nil {
		h.writeDomainError(w, err, "failed to get export")
		return
	}

	if found.IsTerminal() {
		if err := h.exports.Delete(r.Context(), jobID); err != nil {
			h.writeDomainError(w, err, "failed to delete export")
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.exports.Cancel(r.Context(), jobID); err != nil {
		h.writeDomainError(w, err, "failed to cancel export")
		return
	}
	h.logger.Info("export cancel requested", slog.String("job_id", jobID))
	writeJSON(w, http.StatusAccepted, CreateExportResponse{ID: jobID, Status: "CANCELLING"})
}

// CreatePreview handles POST /previews requests.
func (h *Handlers) CreatePreview(w http.ResponseWriter, r *http.Request) {
	up, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	defer up.close()

	info, err := h.previews.Start(r.Context(), preview.StartInput{
		Name:    up.name,
		Data:    up.file,
		Type:    up.mimeType,
		Size:    up.size,
		Filters: up.filters,
	})
	if err != nil {
		h.writeDomainError(w, err, "failed to start preview")
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// GetPreview handles GET /previews/{id} requests.
func (h *Handlers) GetPreview(w http.ResponseWriter, r *http.Request) {
	info, err := h.previews.Get(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to get preview")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// UpdatePreview handles PUT /previews/{id} requests.
func (h *Handlers) UpdatePreview(w http.ResponseWriter, r *http.Request) {
	var req UpdatePreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	size, err := h.resolveSize(req.Preset, req.Width, req.Height)
	if err != nil {
		h.writeDomainError(w, err, "invalid size")
		return
	}
	filters := make(filter.Set, len(req.Filters))
	for name, v := range req.Filters {
		filters[filter.Name(strings.ToLower(name))] = v
	}

	info, err := h.previews.Update(r.Context(), r.PathValue("id"), size, filters)
	if err != nil {
		h.writeDomainError(w, err, "failed to update preview")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// PreviewFrame handles GET /previews/{id}/frame requests.
func (h *Handlers) PreviewFrame(w http.ResponseWriter, r *http.Request) {
	data, err := h.previews.Frame(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err, "failed to read preview frame")
		return
	}
	w.Header().Set("Content-Type", media.TypePNG)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// DeletePreview handles DELETE /previews/{id} requests.
func (h *Handlers) DeletePreview(w http.ResponseWriter, r *http.Request) {
	if err := h.previews.Stop(r.PathValue("id")); err != nil {
		h.writeDomainError(w, err, "failed to stop preview")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// upload is a parsed multipart render request.
type upload struct {
	form     CreateExportForm
	file     multipart.File
	name     string
	mimeType string
	size     media.Size
	filters  filter.Set
}

func (u *upload) close() {
	_ = u.file.Close()
}

// readUpload parses and validates a multipart render request. It writes the
// error response itself and reports whether the handler should continue.
func (h *Handlers) readUpload(w http.ResponseWriter, r *http.Request) (*upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit), "UPLOAD_TOO_LARGE")
			return nil, false
		}
		h.logger.Warn("failed to parse multipart form", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid multipart form", "INVALID_FORM")
		return nil, false
	}

	form := CreateExportForm{
		Preset:  r.FormValue("preset"),
		Width:   r.FormValue("width"),
		Height:  r.FormValue("height"),
		Filters: r.FormValue("filters"),
	}
	form.PushToS3, _ = strconv.ParseBool(r.FormValue("push_to_s3"))
	if err := h.validator.Struct(form); err != nil {
		h.logger.Warn("request validation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return nil, false
	}

	size, err := h.resolveFormSize(form)
	if err != nil {
		h.writeDomainError(w, err, "invalid size")
		return nil, false
	}
	filters, err := filter.Parse(form.Filters)
	if err == nil {
		err = filters.Validate()
	}
	if err != nil {
		h.writeDomainError(w, err, "invalid filters")
		return nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrMissingFile.Error(), "MISSING_FILE")
		return nil, false
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "application/octet-stream" {
		mimeType = ""
	}
	return &upload{
		form:     form,
		file:     file,
		name:     header.Filename,
		mimeType: mimeType,
		size:     size,
		filters:  filters,
	}, true
}

func (h *Handlers) resolveFormSize(form CreateExportForm) (media.Size, error) {
	if form.Preset != "" || (form.Width == "" && form.Height == "") {
		return h.resolveSize(form.Preset, 0, 0)
	}
	if form.Width == "" || form.Height == "" {
		return media.Size{}, ErrIncompleteSize
	}
	return media.ParseCustomSize(form.Height, form.Width)
}

func (h *Handlers) resolveSize(preset string, width, height int) (media.Size, error) {
	switch {
	case preset != "":
		return media.Preset(preset)
	case width == 0 && height == 0:
		return media.Preset(h.defaultPreset)
	case width == 0 || height == 0:
		return media.Size{}, ErrIncompleteSize
	default:
		return media.NewSize(height, width)
	}
}

func exportResponse(j *job.Job) ExportResponse {
	resp := ExportResponse{
		ID:        j.ID,
		Status:    string(j.Status),
		Progress:  j.Progress,
		Size:      j.Size,
		Filters:   j.Filters.String(),
		Error:     j.Error,
		NoOutput:  j.NoOutput,
		Filename:  j.Filename,
		URL:       j.URL,
		CreatedAt: j.CreatedAt,
	}
	if j.HasOutput() {
		resp.DownloadURL = "/exports/" + j.ID + "/download"
	}
	if !j.CompletedAt.IsZero() {
		completed := j.CompletedAt
		resp.CompletedAt = &completed
	}
	return resp
}

// writeDomainError maps domain errors to HTTP statuses and codes.
func (h *Handlers) writeDomainError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "export not found", "EXPORT_NOT_FOUND")
	case errors.Is(err, preview.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "preview not found", "PREVIEW_NOT_FOUND")
	case errors.Is(err, job.ErrNoOutput):
		writeError(w, http.StatusConflict, err.Error(), "NO_OUTPUT")
	case errors.Is(err, job.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error(), "INVALID_STATE")
	case errors.Is(err, media.ErrUnsupportedMediaType):
		writeError(w, http.StatusUnsupportedMediaType, err.Error(), "UNSUPPORTED_MEDIA_TYPE")
	case errors.Is(err, media.ErrInvalidSize),
		errors.Is(err, media.ErrUnknownPreset),
		errors.Is(err, geometry.ErrInvalidDimension),
		errors.Is(err, ErrIncompleteSize):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_SIZE")
	case errors.Is(err, filter.ErrInvalidFilterName),
		errors.Is(err, filter.ErrValueOutOfRange):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_FILTER")
	case errors.Is(err, job.ErrServiceClosed), errors.Is(err, preview.ErrManagerClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting down", "UNAVAILABLE")
	default:
		h.logger.Error(fallback, slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, fallback, "INTERNAL_ERROR")
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
