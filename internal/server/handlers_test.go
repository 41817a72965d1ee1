package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/reframe/internal/filter"
	"github.com/maauso/reframe/internal/job"
	"github.com/maauso/reframe/internal/media"
	"github.com/maauso/reframe/internal/preview"
)

// mockExporter implements Exporter for testing.
type mockExporter struct {
	mock.Mock
}

func (m *mockExporter) Submit(ctx context.Context, in job.CreateInput) (*job.Job, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}

func (m *mockExporter) Get(ctx context.Context, id string) (*job.Job, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*job.Job), args.Error(1)
}

func (m *mockExporter) List(ctx context.Context) ([]*job.Job, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*job.Job), args.Error(1)
}

func (m *mockExporter) Cancel(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockExporter) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockExporter) Open(ctx context.Context, id string) (io.ReadCloser, *job.Job, error) {
	args := m.Called(ctx, id)
	var rc io.ReadCloser
	if v := args.Get(0); v != nil {
		rc = v.(io.ReadCloser)
	}
	var j *job.Job
	if v := args.Get(1); v != nil {
		j = v.(*job.Job)
	}
	return rc, j, args.Error(2)
}

// mockPreviewer implements Previewer for testing.
type mockPreviewer struct {
	mock.Mock
}

func (m *mockPreviewer) Start(ctx context.Context, in preview.StartInput) (preview.Info, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(preview.Info), args.Error(1)
}

func (m *mockPreviewer) Update(ctx context.Context, id string, size media.Size, filters filter.Set) (preview.Info, error) {
	args := m.Called(ctx, id, size, filters)
	return args.Get(0).(preview.Info), args.Error(1)
}

func (m *mockPreviewer) Get(id string) (preview.Info, error) {
	args := m.Called(id)
	return args.Get(0).(preview.Info), args.Error(1)
}

func (m *mockPreviewer) Frame(id string) ([]byte, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockPreviewer) Subscribe(ctx context.Context, id string) (<-chan []byte, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(<-chan []byte), args.Error(1)
}

func (m *mockPreviewer) Stop(id string) error {
	return m.Called(id).Error(0)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestHandlers(t *testing.T, opts ...HandlerOption) (*Handlers, *mockExporter, *mockPreviewer) {
	t.Helper()
	exports := &mockExporter{}
	previews := &mockPreviewer{}
	t.Cleanup(func() {
		exports.AssertExpectations(t)
		previews.AssertExpectations(t)
	})
	return NewHandlers(exports, previews, testLogger(), opts...), exports, previews
}

// multipartBody builds a render request. An empty fileName omits the file part.
func multipartBody(t *testing.T, fields map[string]string, fileName, fileType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileName != "" {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+fileName+`"`)
		hdr.Set("Content-Type", fileType)
		part, err := mw.CreatePart(hdr)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHealth(t *testing.T) {
	h, _, _ := newTestHandlers(t)

	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestPresetsAndFilters(t *testing.T) {
	h, _, _ := newTestHandlers(t, WithDefaultPreset("story"))

	rec := httptest.NewRecorder()
	h.Presets(rec, httptest.NewRequest(http.MethodGet, "/presets", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var presets PresetsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&presets))
	assert.Equal(t, "story", presets.Default)
	assert.Contains(t, presets.Presets, media.NamedSize{Name: "square", Size: media.Size{Height: 1080, Width: 1080}})

	rec = httptest.NewRecorder()
	h.Filters(rec, httptest.NewRequest(http.MethodGet, "/filters", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var filters FiltersResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&filters))
	assert.Len(t, filters.Filters, len(filter.Catalog()))
}

func TestCreateExport_Success(t *testing.T) {
	h, exports, _ := newTestHandlers(t)

	created := job.NewWithID("exp-1")
	exports.On("Submit", mock.Anything, mock.MatchedBy(func(in job.CreateInput) bool {
		data, _ := io.ReadAll(in.Data)
		return in.Name == "clip.mp4" &&
			in.Type == "" &&
			in.Size == media.Size{Height: 1920, Width: 1080} &&
			in.Filters.String() == "blur=2,sepia=50" &&
			in.PushToS3 &&
			string(data) == "video-bytes"
	})).Return(created, nil)

	body, ct := multipartBody(t, map[string]string{
		"preset":     "story",
		"filters":    "blur=2, sepia=50",
		"push_to_s3": "true",
	}, "clip.mp4", "application/octet-stream", []byte("video-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/exports", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	h.CreateExport(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var resp CreateExportResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "exp-1", resp.ID)
	assert.Equal(t, "QUEUED", resp.Status)
}

func TestCreateExport_CustomSize(t *testing.T) {
	h, exports, _ := newTestHandlers(t)

	exports.On("Submit", mock.Anything, mock.MatchedBy(func(in job.CreateInput) bool {
		// "abc" is not a number and falls back to the default side.
		return in.Size == media.Size{Height: media.DefaultCustomSide, Width: 640} && in.Type == media.TypePNG
	})).Return(job.NewWithID("exp-2"), nil)

	body, ct := multipartBody(t, map[string]string{"width": "640", "height": "abc"}, "a.png", media.TypePNG, []byte("png"))
	req := httptest.NewRequest(http.MethodPost, "/exports", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	h.CreateExport(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCreateExport_DefaultPreset(t *testing.T) {
	h, exports, _ := newTestHandlers(t, WithDefaultPreset("thumbnail"))

	exports.On("Submit", mock.Anything, mock.MatchedBy(func(in job.CreateInput) bool {
		return in.Size == media.Size{Height: 500, Width: 500} && len(in.Filters) == 0
	})).Return(job.NewWithID("exp-3"), nil)

	body, ct := multipartBody(t, nil, "a.png", media.TypePNG, []byte("png"))
	req := httptest.NewRequest(http.MethodPost, "/exports", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	h.CreateExport(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCreateExport_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		fields   map[string]string
		fileName string
		wantCode string
	}{
		{name: "unknown preset", fields: map[string]string{"preset": "poster"}, fileName: "a.png", wantCode: "VALIDATION_ERROR"},
		{name: "unknown filter", fields: map[string]string{"filters": "glow=1"}, fileName: "a.png", wantCode: "VALIDATION_ERROR"},
		{name: "filter out of range", fields: map[string]string{"filters": "opacity=400"}, fileName: "a.png", wantCode: "INVALID_FILTER"},
		{name: "width only", fields: map[string]string{"width": "100"}, fileName: "a.png", wantCode: "INVALID_SIZE"},
		{name: "negative side", fields: map[string]string{"width": "-5", "height": "10"}, fileName: "a.png", wantCode: "INVALID_SIZE"},
		{name: "oversized", fields: map[string]string{"width": "99999999", "height": "99999999"}, fileName: "a.png", wantCode: "INVALID_SIZE"},
		{name: "one side too large", fields: map[string]string{"width": "8193", "height": "10"}, fileName: "a.png", wantCode: "INVALID_SIZE"},
		{name: "missing file", fields: map[string]string{"preset": "square"}, wantCode: "MISSING_FILE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newTestHandlers(t)

			body, ct := multipartBody(t, tt.fields, tt.fileName, media.TypePNG, []byte("png"))
			req := httptest.NewRequest(http.MethodPost, "/exports", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()

			h.CreateExport(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestCreateExport_NotMultipart(t *testing.T) {
	h, _, _ := newTestHandlers(t)

	req := httptest.NewRequest(http.MethodPost, "/exports", strings.NewReader(`{"preset":"square"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	h.CreateExport(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_FORM", decodeError(t, rec).Code)
}

func TestCreateExport_TooLarge(t *testing.T) {
	h, _, _ := newTestHandlers(t, WithMaxUploadBytes(64))

	body, ct := multipartBody(t, nil, "a.png", media.TypePNG, bytes.Repeat([]byte("x"), 1024))
	req := httptest.NewRequest(http.MethodPost, "/exports", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	h.CreateExport(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "UPLOAD_TOO_LARGE", decodeError(t, rec).Code)
}

func TestCreateExport_UnsupportedMedia(t *testing.T) {
	h, exports, _ := newTestHandlers(t)

	exports.On("Submit", mock.Anything, mock.Anything).
		Return(nil, errors.Join(media.ErrUnsupportedMediaType, errors.New("text/plain")))

	body, ct := multipartBody(t, nil, "notes.txt", "text/plain", []byte("words"))
	req := httptest.NewRequest(http.MethodPost, "/exports", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()

	h.CreateExport(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Equal(t, "UNSUPPORTED_MEDIA_TYPE", decodeError(t, rec).Code)
}

func TestGetExport(t *testing.T) {
	h, exports, _ := newTestHandlers(t)

	done := job.NewWithID("exp-1")
	done.Size = media.Size{Height: 10, Width: 20}
	done.Filters = filter.Set{filter.Blur: 2}
	require.NoError(t, done.Start())
	done.SetOutput("/tmp/out.mp4", "clip_20x10.mp4", media.TypeMP4)
	done.SetURL("https://bucket.s3.us-east-1.amazonaws.com/exports/exp-1/clip_20x10.mp4")
	require.NoError(t, done.Complete())

	exports.On("Get", mock.Anything, "exp-1").Return(done, nil)
	exports.On("Get", mock.Anything, "exp-404").Return(nil, job.ErrJobNotFound)

	req := httptest.NewRequest(http.MethodGet, "/exports/exp-1", nil)
	req.SetPathValue("id", "exp-1")
	rec := httptest.NewRecorder()
	h.GetExport(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ExportResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "COMPLETED", resp.Status)
	assert.InDelta(t, 1.0, resp.Progress, 1e-9)
	assert.Equal(t, "blur=2", resp.Filters)
	assert.Equal(t, "/exports/exp-1/download", resp.DownloadURL)
	assert.Equal(t, "clip_20x10.mp4", resp.Filename)
	assert.NotEmpty(t, resp.URL)
	assert.NotNil(t, resp.CompletedAt)

	req = httptest.NewRequest(http.MethodGet, "/exports/exp-404", nil)
	req.SetPathValue("id", "exp-404")
	rec = httptest.NewRecorder()
	h.GetExport(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "EXPORT_NOT_FOUND", decodeError(t, rec).Code)
}

func TestListExports(t *testing.T) {
	h, exports, _ := newTestHandlers(t)

	exports.On("List", mock.Anything).Return([]*job.Job{job.NewWithID("exp-2"), job.NewWithID("exp-1")}, nil)

	rec := httptest.NewRecorder()
	h.ListExports(rec, httptest.NewRequest(http.MethodGet, "/exports", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ListExportsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Exports, 2)
	assert.Equal(t, "exp-2", resp.Exports[0].ID)
	assert.Empty(t, resp.Exports[0].DownloadURL)
}

func TestDownloadExport(t *testing.T) {
	h, exports, _ := newTestHandlers(t)

	done := job.NewWithID("exp-1")
	done.SetOutput("/tmp/out.gif", "my clip.gif", media.TypeGIF)
	exports.On("Open", mock.Anything, "exp-1").Return(io.NopCloser(strings.NewReader("GIF89a")), done, nil)

	req := httptest.NewRequest(http.MethodGet, "/exports/exp-1/download", nil)
	req.SetPathValue("id", "exp-1")
	rec := httptest.NewRecorder()
	h.DownloadExport(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, media.TypeGIF, rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="my clip.gif"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "GIF89a", rec.Body.String())
}

func TestDownloadExport_NoOutput(t *testing.T) {
	h, exports, _ := newTestHandlers(t)

	exports.On("Open", mock.Anything, "exp-1").Return(nil, job.NewWithID("exp-1"), job.ErrNoOutput)

	req := httptest.NewRequest(http.MethodGet, "/exports/exp-1/download", nil)
	req.SetPathValue("id", "exp-1")
	rec := httptest.NewRecorder()
	h.DownloadExport(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NO_OUTPUT", decodeError(t, rec).Code)
}

func TestDeleteExport(t *testing.T) {
	t.Run("terminal job is deleted", func(t *testing.T) {
		h, exports, _ := newTestHandlers(t)

		failed := job.NewWithID("exp-1")
		require.NoError(t, failed.Fail("boom"))
		exports.On("Get", mock.Anything, "exp-1").Return(failed, nil)
		exports.On("Delete", mock.Anything, "exp-1").Return(nil)

		req := httptest.NewRequest(http.MethodDelete, "/exports/exp-1", nil)
		req.SetPathValue("id", "exp-1")
		rec := httptest.NewRecorder()
		h.DeleteExport(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("running job is cancelled", func(t *testing.T) {
		h, exports, _ := newTestHandlers(t)

		running := job.NewWithID("exp-1")
		require.NoError(t, running.Start())
		exports.On("Get", mock.Anything, "exp-1").Return(running, nil)
		exports.On("Cancel", mock.Anything, "exp-1").Return(nil)

		req := httptest.NewRequest(http.MethodDelete, "/exports/exp-1", nil)
		req.SetPathValue("id", "exp-1")
		rec := httptest.NewRecorder()
		h.DeleteExport(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)
	})

	t.Run("cancel race reports conflict", func(t *testing.T) {
		h, exports, _ := newTestHandlers(t)

		exports.On("Get", mock.Anything, "exp-1").Return(job.NewWithID("exp-1"), nil)
		exports.On("Cancel", mock.Anything, "exp-1").Return(job.ErrInvalidTransition)

		req := httptest.NewRequest(http.MethodDelete, "/exports/exp-1", nil)
		req.SetPathValue("id", "exp-1")
		rec := httptest.NewRecorder()
		h.DeleteExport(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestCreatePreview(t *testing.T) {
	h, _, previews := newTestHandlers(t)

	info := preview.Info{ID: "pv-1", Kind: "video", Size: media.Size{Height: 1080, Width: 1080}, State: "running"}
	previews.On("Start", mock.Anything, mock.MatchedBy(func(in preview.StartInput) bool {
		return in.Name == "clip.webm" && in.Type == media.TypeWebM && in.Size == media.Size{Height: 1080, Width: 1080}
	})).Return(info, nil)

	body, ct := multipartBody(t, map[string]string{"preset": "square"}, "clip.webm", media.TypeWebM, []byte("webm"))
	req := httptest.NewRequest(http.MethodPost, "/previews", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.CreatePreview(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	var resp preview.Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "pv-1", resp.ID)
}

func TestUpdatePreview(t *testing.T) {
	h, _, previews := newTestHandlers(t)

	want := media.Size{Height: 300, Width: 400}
	previews.On("Update", mock.Anything, "pv-1", want, filter.Set{filter.Sepia: 60}).
		Return(preview.Info{ID: "pv-1", Size: want, Filters: "sepia=60"}, nil)

	req := httptest.NewRequest(http.MethodPut, "/previews/pv-1",
		strings.NewReader(`{"width":400,"height":300,"filters":{"Sepia":60}}`))
	req.SetPathValue("id", "pv-1")
	rec := httptest.NewRecorder()
	h.UpdatePreview(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpdatePreview_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{name: "bad json", body: `{`, wantCode: "INVALID_JSON"},
		{name: "unknown filter", body: `{"preset":"square","filters":{"glow":1}}`, wantCode: "VALIDATION_ERROR"},
		{name: "unknown preset", body: `{"preset":"poster"}`, wantCode: "VALIDATION_ERROR"},
		{name: "height only", body: `{"height":300}`, wantCode: "INVALID_SIZE"},
		{name: "oversized", body: `{"width":99999,"height":10}`, wantCode: "VALIDATION_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newTestHandlers(t)

			req := httptest.NewRequest(http.MethodPut, "/previews/pv-1", strings.NewReader(tt.body))
			req.SetPathValue("id", "pv-1")
			rec := httptest.NewRecorder()
			h.UpdatePreview(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, rec).Code)
		})
	}
}

func TestPreviewFrame(t *testing.T) {
	h, _, previews := newTestHandlers(t)

	previews.On("Frame", "pv-1").Return([]byte("png-bytes"), nil)
	previews.On("Frame", "pv-2").Return(nil, preview.ErrSessionNotFound)

	req := httptest.NewRequest(http.MethodGet, "/previews/pv-1/frame", nil)
	req.SetPathValue("id", "pv-1")
	rec := httptest.NewRecorder()
	h.PreviewFrame(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, media.TypePNG, rec.Header().Get("Content-Type"))
	assert.Equal(t, "png-bytes", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/previews/pv-2/frame", nil)
	req.SetPathValue("id", "pv-2")
	rec = httptest.NewRecorder()
	h.PreviewFrame(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "PREVIEW_NOT_FOUND", decodeError(t, rec).Code)
}

func TestDeletePreview(t *testing.T) {
	h, _, previews := newTestHandlers(t)

	previews.On("Stop", "pv-1").Return(nil)

	req := httptest.NewRequest(http.MethodDelete, "/previews/pv-1", nil)
	req.SetPathValue("id", "pv-1")
	rec := httptest.NewRecorder()
	h.DeletePreview(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServiceClosed(t *testing.T) {
	h, _, previews := newTestHandlers(t)

	previews.On("Stop", "pv-1").Return(preview.ErrManagerClosed)

	req := httptest.NewRequest(http.MethodDelete, "/previews/pv-1", nil)
	req.SetPathValue("id", "pv-1")
	rec := httptest.NewRecorder()
	h.DeletePreview(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStreamPreview(t *testing.T) {
	h, _, previews := newTestHandlers(t)

	frames := make(chan []byte, 2)
	frames <- []byte("frame-1")
	frames <- []byte("frame-2")
	close(frames)
	previews.On("Get", "pv-1").Return(preview.Info{ID: "pv-1"}, nil)
	previews.On("Subscribe", mock.Anything, "pv-1").Return((<-chan []byte)(frames), nil)

	srv := httptest.NewServer(NewRouter(h, testLogger(), DefaultConfig()))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/previews/pv-1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	for _, want := range []string{"frame-1", "frame-2"} {
		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.BinaryMessage, kind)
		assert.Equal(t, want, string(data))
	}

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestStreamPreview_NotFound(t *testing.T) {
	h, _, previews := newTestHandlers(t)

	previews.On("Get", "pv-404").Return(preview.Info{}, preview.ErrSessionNotFound)

	req := httptest.NewRequest(http.MethodGet, "/previews/pv-404/stream", nil)
	req.SetPathValue("id", "pv-404")
	rec := httptest.NewRecorder()
	h.StreamPreview(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamPreview_RejectsOrigin(t *testing.T) {
	h, _, previews := newTestHandlers(t, WithAllowedOrigins([]string{"https://app.example.com"}))

	previews.On("Get", "pv-1").Return(preview.Info{ID: "pv-1"}, nil)

	srv := httptest.NewServer(NewRouter(h, testLogger(), Config{AllowedOrigins: []string{"https://app.example.com"}}))
	defer srv.Close()

	hdr := http.Header{}
	hdr.Set("Origin", "https://evil.example.com")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/previews/pv-1/stream"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRouter_Integration(t *testing.T) {
	h, exports, _ := newTestHandlers(t)
	router := NewRouter(h, testLogger(), DefaultConfig())

	exports.On("Get", mock.Anything, "exp-1").Return(job.NewWithID("exp-1"), nil)

	for _, path := range []string{"/health", "/presets", "/filters", "/exports/exp-1"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/exports/exp-1", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCORSMiddleware(t *testing.T) {
	h, _, _ := newTestHandlers(t)

	cfg := Config{AllowedOrigins: []string{"https://example.com"}}
	router := NewRouter(h, testLogger(), cfg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "https://example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/exports", nil)
	req.Header.Set("Origin", "https://example.com")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware(testLogger())(panicHandler)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, rec).Code)
}
