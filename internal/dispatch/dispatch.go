// Package dispatch routes render requests to the still renderer, the live
// preview loop or the transcode pipeline, and enforces that a session runs
// at most one operation at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	xdraw "golang.org/x/image/draw"

	"github.com/maauso/reframe/internal/cancel"
	"github.com/maauso/reframe/internal/codec"
	"github.com/maauso/reframe/internal/filter"
	"github.com/maauso/reframe/internal/media"
	"github.com/maauso/reframe/internal/render"
	"github.com/maauso/reframe/internal/surface"
)

// Static errors for dispatch.
var (
	// ErrSuperseded is the abort cause of an operation replaced by a newer request.
	ErrSuperseded = errors.New("superseded by a newer request")
	// ErrSessionClosed is returned for requests on a closed session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrNoSurface is returned when a preview request carries no surface.
	ErrNoSurface = errors.New("preview request needs a target surface")
)

// Request describes one render.
type Request struct {
	File    media.File
	Size    media.Size
	Filters filter.Set
	Mode    render.Mode
	// Progress receives export progress. Optional.
	Progress render.ProgressFunc
	// Surface is the preview target. Exports render onto their own surface.
	Surface *surface.Surface
}

// Export is the outcome of a finished export.
type Export struct {
	Data        []byte
	Filename    string
	ContentType string
}

// Empty reports whether the export produced nothing.
func (e Export) Empty() bool {
	return len(e.Data) == 0
}

// Operation is a running or finished request.
type Operation struct {
	token *cancel.Token
	kind  media.Kind
	mode  render.Mode
	done  chan struct{}

	result Export
	err    error
}

func newOperation(tok *cancel.Token, kind media.Kind, mode render.Mode) *Operation {
	return &Operation{token: tok, kind: kind, mode: mode, done: make(chan struct{})}
}

// Token returns the operation's cancellation token.
func (o *Operation) Token() *cancel.Token { return o.token }

// Kind returns the kind of media the operation handles.
func (o *Operation) Kind() media.Kind { return o.kind }

// Mode returns the requested mode.
func (o *Operation) Mode() render.Mode { return o.mode }

// Done is closed when the operation has finished.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Cancel aborts the operation.
func (o *Operation) Cancel() {
	o.token.Abort(render.ErrCancelled)
}

// Wait blocks until the operation finishes or ctx is done.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result blocks until the operation finishes and returns its outcome. An
// export that produced nothing returns an empty Export and no error.
func (o *Operation) Result() (Export, error) {
	<-o.done
	return o.result, o.err
}

// Session owns the active operation for one surface or client.
type Session struct {
	lib    codec.Library
	logger *slog.Logger

	videoCodec string
	bitrate    codec.BitrateClass
	loop       bool

	mu      sync.Mutex
	current *Operation
	closed  bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVideoCodec sets the encoder used for video exports.
func WithVideoCodec(name string) Option {
	return func(s *Session) {
		s.videoCodec = name
	}
}

// WithBitrate sets the bitrate class used for video exports.
func WithBitrate(c codec.BitrateClass) Option {
	return func(s *Session) {
		s.bitrate = c
	}
}

// WithLoop sets whether video previews loop. Defaults to true.
func WithLoop(loop bool) Option {
	return func(s *Session) {
		s.loop = loop
	}
}

// NewSession creates a session using lib for video work.
func NewSession(lib codec.Library, opts ...Option) *Session {
	s := &Session{
		lib:    lib,
		logger: slog.Default(),
		loop:   true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle aborts the previous operation, waits for it to finish so that two
// operations never write the same surface, and starts req. ctx bounds the
// lifetime of the new operation. Unsupported media yields an operation that
// is already aborted with media.ErrUnsupportedMediaType and never runs.
func (s *Session) Handle(ctx context.Context, req Request) *Operation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.current; prev != nil {
		prev.token.Abort(ErrSuperseded)
		<-prev.done
		s.current = nil
	}
	if s.closed {
		return finished(cancel.Aborted(ErrSessionClosed), media.KindUnsupported, req.Mode, ErrSessionClosed)
	}

	mimeType, err := req.File.ResolveType()
	if err != nil {
		s.logger.Warn("failed to detect media type",
			slog.String("file", req.File.Path),
			slog.String("error", err.Error()),
		)
	}
	kind := media.Classify(mimeType)
	if kind == media.KindUnsupported {
		s.logger.Info("unsupported media type",
			slog.String("file", req.File.Path),
			slog.String("type", mimeType),
		)
		cause := fmt.Errorf("%w: %q", media.ErrUnsupportedMediaType, mimeType)
		return finished(cancel.Aborted(cause), kind, req.Mode, cause)
	}

	op := newOperation(cancel.New(ctx), kind, req.Mode)
	s.current = op
	go s.run(op, req)
	return op
}

// Current returns the active operation, or nil.
func (s *Session) Current() *Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Close aborts the active operation and waits for it. Later requests are
// rejected.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if prev := s.current; prev != nil {
		prev.token.Abort(ErrSessionClosed)
		<-prev.done
		s.current = nil
	}
}

func finished(tok *cancel.Token, kind media.Kind, mode render.Mode, err error) *Operation {
	op := newOperation(tok, kind, mode)
	op.err = err
	close(op.done)
	return op
}

func (s *Session) run(op *Operation, req Request) {
	defer close(op.done)
	defer op.token.Release()

	logger := s.logger.With(
		slog.String("file", req.File.Path),
		slog.String("kind", op.kind.String()),
		slog.String("mode", req.Mode.String()),
		slog.String("size", req.Size.String()),
	)

	var (
		data []byte
		err  error
	)
	switch {
	case op.kind == media.KindImage && req.Mode == render.ModeExport:
		data, err = s.exportStill(op.token, req)
	case op.kind == media.KindImage:
		err = s.previewStill(op.token, req, logger)
	case req.Mode == render.ModeExport:
		data, err = render.Transcode(op.token.Context(), s.lib, req.File.Path, req.Size, req.Filters, op.token, req.Progress,
			render.WithLogger(logger),
			render.WithVideoCodec(s.videoCodec),
			render.WithBitrate(s.bitrate),
		)
	default:
		err = s.previewVideo(op.token, req, logger)
	}

	if err != nil {
		op.err = err
		if !errors.Is(err, render.ErrCancelled) {
			logger.Error("operation failed", slog.String("error", err.Error()))
		}
		op.token.Abort(err)
		return
	}
	if len(data) > 0 {
		name := req.File.Name
		if name == "" {
			name = req.File.Path
		}
		op.result = Export{
			Data:        data,
			Filename:    media.SuggestFilename(name, req.Size, op.kind),
			ContentType: media.ExportContentType(op.kind),
		}
	}
}

func (s *Session) exportStill(tok *cancel.Token, req Request) ([]byte, error) {
	if tok.Aborted() {
		return nil, render.ErrCancelled
	}
	if err := req.Size.Validate(); err != nil {
		return nil, err
	}
	img, err := render.OpenStill(req.File.Path)
	if err != nil {
		return nil, err
	}
	target, err := surface.New(req.Size.Width, req.Size.Height, surface.WithInterpolator(xdraw.CatmullRom))
	if err != nil {
		return nil, err
	}
	data, err := render.RenderStill(img, target, req.Filters, tok, render.ModeExport)
	if err != nil {
		return nil, err
	}
	if data == nil && tok.Aborted() {
		return nil, render.ErrCancelled
	}
	if req.Progress != nil && len(data) > 0 {
		req.Progress(1)
	}
	return data, nil
}

func (s *Session) previewStill(tok *cancel.Token, req Request, logger *slog.Logger) error {
	if req.Surface == nil {
		return ErrNoSurface
	}
	img, err := render.OpenStill(req.File.Path)
	if err != nil {
		return err
	}
	p := render.NewPreview(render.NewStillSource(img), req.Surface, req.Filters, tok, render.WithPreviewLogger(logger))
	return p.Run()
}

func (s *Session) previewVideo(tok *cancel.Token, req Request, logger *slog.Logger) error {
	if req.Surface == nil {
		return ErrNoSurface
	}
	demux, err := s.lib.OpenDemux(tok.Context(), req.File.Path)
	if err != nil {
		if tok.Aborted() {
			return nil
		}
		return fmt.Errorf("open source: %w", err)
	}
	// Cleanups run in reverse: the playback stops before its demuxer closes.
	tok.OnAbort(func() { _ = demux.Close() })

	track, ok := demux.VideoTrack()
	if !ok {
		logger.Warn("nothing to preview", slog.String("reason", render.ErrNoVideoTrack.Error()))
		tok.Abort(render.ErrNoVideoTrack)
		return nil
	}

	playback := codec.NewPlayback(tok.Context(), demux, track, codec.WithLoop(s.loop))
	p := render.NewPreview(playback, req.Surface, req.Filters, tok, render.WithPreviewLogger(logger))
	return p.Run()
}
