// Package surface provides the RGBA drawing surface that previews and
// exports render onto. A surface carries its own filter state, which is
// applied to everything drawn onto it until replaced.
package surface

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"sync"

	"github.com/disintegration/imaging"
	xdraw "golang.org/x/image/draw"

	"github.com/maauso/reframe/internal/geometry"
)

// ErrInvalidSize is returned when a surface is created with a non-positive side.
var ErrInvalidSize = errors.New("invalid surface size: width and height must be positive")

// Effect is a composite pixel transform applied while drawing.
type Effect interface {
	// Draw writes the transformed src into dst. Both share the same size.
	Draw(dst draw.Image, src image.Image)
	// String describes the effect, e.g. "blur(4px) sepia(60%)".
	String() string
}

// Surface is a raster target with filter state. A surface is meant to have a
// single writer at a time; reads (snapshots, encodes) may run concurrently.
type Surface struct {
	mu      sync.RWMutex
	img     *image.RGBA
	scratch *image.RGBA
	effect  Effect
	scaler  xdraw.Interpolator
	version uint64

	subMu sync.Mutex
	subs  map[chan struct{}]struct{}
}

// Option configures a Surface.
type Option func(*Surface)

// WithInterpolator sets the resampling kernel used when drawing scaled
// frames. Previews default to bilinear; exports usually want CatmullRom.
func WithInterpolator(i xdraw.Interpolator) Option {
	return func(s *Surface) {
		s.scaler = i
	}
}

// New creates a transparent surface of the given size.
func New(width, height int, opts ...Option) (*Surface, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: width=%d, height=%d", ErrInvalidSize, width, height)
	}
	s := &Surface{
		img:    image.NewRGBA(image.Rect(0, 0, width, height)),
		scaler: xdraw.ApproxBiLinear,
		subs:   make(map[chan struct{}]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Bounds returns the surface rectangle, anchored at the origin.
func (s *Surface) Bounds() image.Rectangle {
	return s.img.Rect
}

// Width returns the surface width in pixels.
func (s *Surface) Width() int { return s.img.Rect.Dx() }

// Height returns the surface height in pixels.
func (s *Surface) Height() int { return s.img.Rect.Dy() }

// SetEffect replaces the active effect. nil clears it.
func (s *Surface) SetEffect(e Effect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.effect = e
}

// Effect returns the active effect, or nil.
func (s *Surface) Effect() Effect {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.effect
}

// Filter describes the active effect, "none" when there is none.
func (s *Surface) Filter() string {
	if e := s.Effect(); e != nil {
		return e.String()
	}
	return "none"
}

// Clear resets every pixel to transparent black.
func (s *Surface) Clear() {
	s.mu.Lock()
	clear(s.img.Pix)
	s.mu.Unlock()
}

// Draw scales the source rectangle of src into the destination rectangle of
// d, passing the result through the active effect. Destination overflow
// beyond the surface bounds is cropped.
func (s *Surface) Draw(src image.Image, d geometry.Dimensions) {
	sr := d.SourceRect().Add(src.Bounds().Min)
	dr := d.DestRect()

	s.mu.Lock()
	if s.effect == nil {
		s.scaler.Scale(s.img, dr, src, sr, xdraw.Over, nil)
	} else {
		if s.scratch == nil {
			s.scratch = image.NewRGBA(s.img.Rect)
		} else {
			clear(s.scratch.Pix)
		}
		s.scaler.Scale(s.scratch, dr, src, sr, xdraw.Src, nil)
		s.effect.Draw(s.img, s.scratch)
	}
	s.version++
	s.mu.Unlock()

	s.notify()
}

// Version increments on every draw.
func (s *Surface) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Frame returns the backing image. It is only valid until the next write
// and must not be modified; callers that keep it should use Snapshot.
func (s *Surface) Frame() *image.RGBA {
	return s.img
}

// Snapshot returns a copy of the current pixels.
func (s *Surface) Snapshot() *image.RGBA {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := image.NewRGBA(s.img.Rect)
	copy(out.Pix, s.img.Pix)
	return out
}

// Encode writes the current pixels in the given format.
func (s *Surface) Encode(w io.Writer, format imaging.Format, opts ...imaging.EncodeOption) error {
	if err := imaging.Encode(w, s.Snapshot(), format, opts...); err != nil {
		return fmt.Errorf("encode surface: %w", err)
	}
	return nil
}

// Subscribe returns a channel that receives after each draw. Notifications
// coalesce: a slow reader sees at most one pending signal. The returned
// func unsubscribes and closes the channel.
func (s *Surface) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, ch)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Surface) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
