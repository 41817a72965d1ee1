// Package preview manages live preview sessions: an uploaded source rendered
// continuously onto a surface whose frames are streamed to clients.
package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/maauso/reframe/internal/codec"
	"github.com/maauso/reframe/internal/dispatch"
	"github.com/maauso/reframe/internal/filter"
	"github.com/maauso/reframe/internal/job/id"
	"github.com/maauso/reframe/internal/media"
	"github.com/maauso/reframe/internal/render"
	"github.com/maauso/reframe/internal/storage"
	"github.com/maauso/reframe/internal/surface"
)

// Static errors for preview sessions.
var (
	// ErrSessionNotFound is returned for unknown or stopped sessions.
	ErrSessionNotFound = errors.New("preview session not found")
	// ErrManagerClosed is returned once the manager is shutting down.
	ErrManagerClosed = errors.New("preview manager is closed")
)

// DefaultJPEGQuality is the quality of streamed frames.
const DefaultJPEGQuality = 80

// StartInput describes a new preview.
type StartInput struct {
	// Name is the original file name of the upload.
	Name string
	// Data is the uploaded file content.
	Data io.Reader
	// Type is the declared MIME type. Empty means sniff the content.
	Type    string
	Size    media.Size
	Filters filter.Set
}

// Info is a point-in-time view of a session.
type Info struct {
	ID      string     `json:"id"`
	Kind    string     `json:"kind"`
	Size    media.Size `json:"size"`
	Filters string     `json:"filters"`
	// State is "running" while frames are drawn and "finished" once a
	// still has rendered, a non-looping video ended or the preview failed.
	State     string    `json:"state"`
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager keeps preview sessions by ID.
type Manager struct {
	lib         codec.Library
	store       storage.Storage
	logger      *slog.Logger
	jpegQuality int
	sessionOpts []dispatch.Option

	// base bounds every preview operation.
	base context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithJPEGQuality sets the quality of streamed frames, 1-100.
func WithJPEGQuality(q int) Option {
	return func(m *Manager) {
		if q >= 1 && q <= 100 {
			m.jpegQuality = q
		}
	}
}

// WithSessionOptions passes options to every dispatch session.
func WithSessionOptions(opts ...dispatch.Option) Option {
	return func(m *Manager) {
		m.sessionOpts = append(m.sessionOpts, opts...)
	}
}

// NewManager creates a Manager.
func NewManager(lib codec.Library, store storage.Storage, opts ...Option) *Manager {
	base, stop := context.WithCancel(context.Background())
	m := &Manager{
		lib:         lib,
		store:       store,
		logger:      slog.Default(),
		jpegQuality: DefaultJPEGQuality,
		base:        base,
		stop:        stop,
		sessions:    make(map[string]*session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.sessionOpts = append([]dispatch.Option{dispatch.WithLogger(m.logger)}, m.sessionOpts...)
	return m
}

type session struct {
	id       string
	file     media.File
	dispatch *dispatch.Session
	created  time.Time

	mu      sync.Mutex
	size    media.Size
	filters filter.Set
	surface *surface.Surface
	op      *dispatch.Operation
	// swapped is closed and replaced when the surface is replaced.
	swapped chan struct{}
	// done is closed when the session stops.
	done chan struct{}
}

// Start stores the upload, creates a surface and starts rendering.
func (m *Manager) Start(ctx context.Context, in StartInput) (Info, error) {
	if err := in.Size.Validate(); err != nil {
		return Info{}, err
	}
	if err := in.Filters.Validate(); err != nil {
		return Info{}, err
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return Info{}, ErrManagerClosed
	}

	path, err := m.store.SaveTemp(ctx, in.Name, in.Data)
	if err != nil {
		return Info{}, fmt.Errorf("store upload: %w", err)
	}
	return m.startFile(media.File{Path: path, Name: in.Name, Type: in.Type}, in.Size, in.Filters)
}

// startFile starts a session for a stored file. The session owns the file
// and removes it when it stops or fails to start.
func (m *Manager) startFile(file media.File, size media.Size, filters filter.Set) (Info, error) {
	path := file.Path
	mimeType, err := file.ResolveType()
	if err != nil {
		m.cleanup(path)
		return Info{}, fmt.Errorf("detect media type: %w", err)
	}
	if media.Classify(mimeType) == media.KindUnsupported {
		m.cleanup(path)
		return Info{}, fmt.Errorf("%w: %q", media.ErrUnsupportedMediaType, mimeType)
	}
	file.Type = mimeType

	target, err := surface.New(size.Width, size.Height)
	if err != nil {
		m.cleanup(path)
		return Info{}, err
	}

	s := &session{
		id:       id.Generate(id.PrefixPreview),
		file:     file,
		dispatch: dispatch.NewSession(m.lib, m.sessionOpts...),
		created:  time.Now(),
		size:     size,
		filters:  filters.Clone(),
		surface:  target,
		swapped:  make(chan struct{}),
		done:     make(chan struct{}),
	}

	m.logger.Info("starting preview",
		slog.String("preview_id", s.id),
		slog.String("file", file.Name),
		slog.String("type", mimeType),
		slog.String("size", size.String()),
		slog.String("filters", filters.String()),
	)
	// The session is not shared yet, so no lock is needed.
	s.op = m.handle(s)
	info := s.infoLocked()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.stopSession(s)
		return Info{}, ErrManagerClosed
	}
	m.sessions[s.id] = s
	m.mu.Unlock()
	return info, nil
}

// handle starts a preview of the current parameters. The caller holds s.mu.
func (m *Manager) handle(s *session) *dispatch.Operation {
	return s.dispatch.Handle(m.base, dispatch.Request{
		File:    s.file,
		Size:    s.size,
		Filters: s.filters,
		Mode:    render.ModePreview,
		Surface: s.surface,
	})
}

// Update applies new size and filters. The running preview is aborted and
// has stopped before the new one starts. A size change replaces the surface.
func (m *Manager) Update(_ context.Context, sessionID string, size media.Size, filters filter.Set) (Info, error) {
	if err := size.Validate(); err != nil {
		return Info{}, err
	}
	if err := filters.Validate(); err != nil {
		return Info{}, err
	}
	s, err := m.get(sessionID)
	if err != nil {
		return Info{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return Info{}, ErrSessionNotFound
	default:
	}

	if size != s.size {
		target, err := surface.New(size.Width, size.Height)
		if err != nil {
			return Info{}, err
		}
		// The old operation must stop drawing before the surface goes away.
		if s.op != nil {
			s.op.Cancel()
			<-s.op.Done()
		}
		s.surface = target
		close(s.swapped)
		s.swapped = make(chan struct{})
	}
	s.size = size
	s.filters = filters.Clone()
	s.op = m.handle(s)

	m.logger.Debug("preview updated",
		slog.String("preview_id", sessionID),
		slog.String("size", size.String()),
		slog.String("filters", filters.String()),
	)
	return s.infoLocked(), nil
}

// Get returns the current state of a session.
func (m *Manager) Get(sessionID string) (Info, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked(), nil
}

// Frame returns the current surface content as PNG.
func (m *Manager) Frame(sessionID string) ([]byte, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	target := s.surface
	s.mu.Unlock()

	var buf bytes.Buffer
	if err := target.Encode(&buf, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Subscribe streams the surface as JPEG after every draw. A slow reader only
// sees the newest frame. The channel closes when ctx is done or the session
// stops.
func (m *Manager) Subscribe(ctx context.Context, sessionID string) (<-chan []byte, error) {
	s, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	out := make(chan []byte, 1)
	go m.stream(ctx, s, out)
	return out, nil
}

func (m *Manager) stream(ctx context.Context, s *session, out chan []byte) {
	defer close(out)
	for {
		s.mu.Lock()
		target, swapped := s.surface, s.swapped
		s.mu.Unlock()

		if !m.streamSurface(ctx, s, target, swapped, out) {
			return
		}
	}
}

// streamSurface forwards frames of one surface until it is swapped. It
// returns false when the stream should end.
func (m *Manager) streamSurface(ctx context.Context, s *session, target *surface.Surface, swapped <-chan struct{}, out chan []byte) bool {
	updates, unsubscribe := target.Subscribe()
	defer unsubscribe()

	// Send what is already on the surface so late subscribers see a frame.
	var sent uint64
	if v := target.Version(); v > 0 {
		sent = v
		m.offer(target, out)
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.done:
			return false
		case <-swapped:
			return true
		case <-updates:
			if v := target.Version(); v != sent {
				sent = v
				m.offer(target, out)
			}
		}
	}
}

// offer replaces any frame the reader has not taken yet.
func (m *Manager) offer(target *surface.Surface, out chan []byte) {
	var buf bytes.Buffer
	if err := target.Encode(&buf, imaging.JPEG, imaging.JPEGQuality(m.jpegQuality)); err != nil {
		m.logger.Warn("failed to encode preview frame", slog.String("error", err.Error()))
		return
	}
	select {
	case <-out:
	default:
	}
	out <- buf.Bytes()
}

// Stop aborts the session's preview, waits for it and releases the upload.
func (m *Manager) Stop(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	m.stopSession(s)
	return nil
}

func (m *Manager) stopSession(s *session) {
	s.dispatch.Close()
	s.mu.Lock()
	close(s.done)
	s.mu.Unlock()
	m.cleanup(s.file.Path)
	m.logger.Info("preview stopped", slog.String("preview_id", s.id))
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops every session. Later starts are rejected.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for sid, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, sid)
	}
	m.mu.Unlock()

	m.stop()
	for _, s := range sessions {
		m.stopSession(s)
	}
}

func (m *Manager) get(sessionID string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *Manager) cleanup(path string) {
	if err := m.store.Cleanup(context.Background(), path); err != nil {
		m.logger.Warn("failed to remove upload",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

func (s *session) infoLocked() Info {
	info := Info{
		ID:        s.id,
		Kind:      media.Classify(s.file.Type).String(),
		Size:      s.size,
		Filters:   s.filters.String(),
		State:     "finished",
		Version:   s.surface.Version(),
		CreatedAt: s.created,
	}
	if s.op != nil {
		select {
		case <-s.op.Done():
		default:
			info.State = "running"
		}
	}
	return info
}
