package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"

	"github.com/maauso/reframe/internal/cancel"
	"github.com/maauso/reframe/internal/codec"
	"github.com/maauso/reframe/internal/filter"
	"github.com/maauso/reframe/internal/surface"
)

// State is a live preview loop state.
type State int

const (
	StateIdle State = iota
	StateWaitingForFrame
	StateRendering
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForFrame:
		return "waiting_for_frame"
	case StateRendering:
		return "rendering"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// FrameSource delivers frames at the source's own cadence. Next blocks
// until the next frame is due and returns io.EOF when the source ends.
type FrameSource interface {
	Next(ctx context.Context) (*codec.Sample, error)
	Close() error
}

// Compile-time checks.
var (
	_ FrameSource = (*StillSource)(nil)
	_ FrameSource = (*codec.Playback)(nil)
)

// StillSource is a FrameSource holding a single image.
type StillSource struct {
	img  image.Image
	mu   sync.Mutex
	used bool
}

// NewStillSource wraps a decoded image.
func NewStillSource(img image.Image) *StillSource {
	return &StillSource{img: img}
}

// Frame returns the image.
func (s *StillSource) Frame() image.Image { return s.img }

// Next returns the image once, then io.EOF.
func (s *StillSource) Next(ctx context.Context) (*codec.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used || s.img == nil {
		return nil, io.EOF
	}
	s.used = true
	return codec.NewSample(s.img, 0, 0, nil), nil
}

// Close drops the image.
func (s *StillSource) Close() error {
	s.mu.Lock()
	s.img = nil
	s.mu.Unlock()
	return nil
}

// stillFrame is implemented by sources that hold one static frame.
type stillFrame interface {
	Frame() image.Image
}

// Preview keeps a surface updated from a FrameSource until its token is
// aborted or the source ends.
type Preview struct {
	src     FrameSource
	target  *surface.Surface
	filters filter.Set
	tok     *cancel.Token
	logger  *slog.Logger

	observer func(State)

	mu       sync.Mutex
	state    State
	rendered int

	releaseOnce sync.Once
}

// PreviewOption configures a Preview.
type PreviewOption func(*Preview)

// WithStateObserver registers fn to be called on every state change.
func WithStateObserver(fn func(State)) PreviewOption {
	return func(p *Preview) {
		p.observer = fn
	}
}

// WithPreviewLogger sets the logger.
func WithPreviewLogger(logger *slog.Logger) PreviewOption {
	return func(p *Preview) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPreview creates an idle preview. The source is closed exactly once,
// when tok is aborted; Run aborts tok itself when the source ends.
func NewPreview(src FrameSource, target *surface.Surface, filters filter.Set, tok *cancel.Token, opts ...PreviewOption) *Preview {
	p := &Preview{
		src:     src,
		target:  target,
		filters: filters.Clone(),
		tok:     tok,
		logger:  slog.Default(),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	tok.OnAbort(p.release)
	return p
}

// State returns the current state.
func (p *Preview) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Rendered returns how many frames were drawn.
func (p *Preview) Rendered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rendered
}

func (p *Preview) setState(s State) {
	p.mu.Lock()
	if p.state == s || p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	p.state = s
	p.mu.Unlock()
	if p.observer != nil {
		p.observer(s)
	}
}

func (p *Preview) release() {
	p.releaseOnce.Do(func() {
		if err := p.src.Close(); err != nil {
			p.logger.Warn("failed to release preview source", slog.String("error", err.Error()))
		}
	})
}

// stop moves to Stopped and aborts the token with cause, which releases
// the source. An earlier abort keeps its cause.
func (p *Preview) stop(cause error) {
	p.setState(StateStopped)
	p.tok.Abort(cause)
}

// Run drives the loop and blocks until the preview stops. Aborts and a
// natural end of the source are not errors.
func (p *Preview) Run() error {
	t, err := filter.Compile(p.filters)
	if err != nil {
		p.stop(err)
		return err
	}
	filter.Apply(p.target, t)

	if still, ok := p.src.(stillFrame); ok {
		return p.runStill(still.Frame())
	}

	ctx := p.tok.Context()
	for {
		p.setState(StateWaitingForFrame)
		s, err := p.src.Next(ctx)
		if err != nil {
			switch {
			case p.tok.Aborted():
				p.stop(nil)
				return nil
			case errors.Is(err, io.EOF):
				p.stop(ErrSourceEnded)
				return nil
			default:
				p.stop(err)
				return fmt.Errorf("next preview frame: %w", err)
			}
		}

		p.setState(StateRendering)
		if p.tok.Aborted() {
			s.Close()
			p.stop(nil)
			return nil
		}
		err = p.render(s.Image)
		s.Close()
		if err != nil {
			p.stop(err)
			return err
		}
	}
}

// runStill renders a static frame once and stops.
func (p *Preview) runStill(img image.Image) error {
	p.setState(StateRendering)
	if p.tok.Aborted() || img == nil {
		p.stop(nil)
		return nil
	}
	err := p.render(img)
	p.stop(ErrSourceEnded)
	return err
}

func (p *Preview) render(img image.Image) error {
	if err := drawFrame(img, p.target); err != nil {
		return err
	}
	p.mu.Lock()
	p.rendered++
	p.mu.Unlock()
	return nil
}
