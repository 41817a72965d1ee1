// Package codectest provides an in-memory codec.Library for tests. Sources
// produce synthetic solid-colour frames; outputs record what they were
// given. Counters let tests check that every sample, stream and demuxer was
// released.
package codectest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maauso/reframe/internal/codec"
)

// ErrNoSource is returned when a path has no registered source.
var ErrNoSource = errors.New("codectest: no such source")

// Compile-time check that Library implements codec.Library.
var _ codec.Library = (*Library)(nil)

// Source describes a synthetic container.
type Source struct {
	Duration time.Duration
	// Track is the video track; nil means the container has none.
	Track    *codec.Track
	Frames   int
	HasAudio bool
	// FailAfter makes the stream return an error after that many frames.
	FailAfter int
}

// VideoSource returns a source of n frames at fps.
func VideoSource(width, height, n int, fps float64) Source {
	track := codec.Track{Index: 0, Codec: "synthetic", Width: width, Height: height, FrameRate: fps}
	track.Duration = time.Duration(n) * track.FrameDuration()
	return Source{Duration: track.Duration, Track: &track, Frames: n}
}

// Library is an in-memory codec.Library.
type Library struct {
	mu      sync.Mutex
	sources map[string]Source
	outputs []*Output

	// AcceptDelay is how long each Accept blocks before taking the frame.
	AcceptDelay time.Duration
	// OnAccept runs after each accepted frame with the count so far.
	OnAccept func(n int)
	// FinalizeEmpty makes Finalize return no bytes.
	FinalizeEmpty bool
	// OpenErr and EncodeErr fail OpenDemux and OpenEncode.
	OpenErr   error
	EncodeErr error

	demuxOpened   atomic.Int64
	demuxClosed   atomic.Int64
	streamsOpened atomic.Int64
	streamsClosed atomic.Int64
	samplesOpened atomic.Int64
	samplesClosed atomic.Int64
}

// NewLibrary creates an empty library.
func NewLibrary() *Library {
	return &Library{sources: make(map[string]Source)}
}

// Add registers a source under path.
func (l *Library) Add(path string, src Source) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sources[path] = src
}

// Outputs returns every output opened so far.
func (l *Library) Outputs() []*Output {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Output(nil), l.outputs...)
}

// LastOutput returns the most recently opened output, or nil.
func (l *Library) LastOutput() *Output {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.outputs) == 0 {
		return nil
	}
	return l.outputs[len(l.outputs)-1]
}

// OpenSamples is the number of samples handed out but not yet closed.
func (l *Library) OpenSamples() int64 {
	return l.samplesOpened.Load() - l.samplesClosed.Load()
}

// SamplesOpened is the number of samples handed out.
func (l *Library) SamplesOpened() int64 { return l.samplesOpened.Load() }

// OpenStreams is the number of sample streams not yet closed.
func (l *Library) OpenStreams() int64 {
	return l.streamsOpened.Load() - l.streamsClosed.Load()
}

// OpenDemuxers is the number of demuxers not yet closed.
func (l *Library) OpenDemuxers() int64 {
	return l.demuxOpened.Load() - l.demuxClosed.Load()
}

// DemuxersOpened is the number of demuxers opened.
func (l *Library) DemuxersOpened() int64 { return l.demuxOpened.Load() }

// OpenDemux returns a demuxer for a registered source. Paths of real files
// that are not registered are not supported.
func (l *Library) OpenDemux(ctx context.Context, path string) (codec.Demuxer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.OpenErr != nil {
		return nil, l.OpenErr
	}
	l.mu.Lock()
	src, ok := l.sources[path]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSource, path)
	}
	l.demuxOpened.Add(1)
	return &demuxer{lib: l, src: src}, nil
}

// OpenEncode returns a recording output.
func (l *Library) OpenEncode(ctx context.Context, cfg codec.EncodeConfig) (codec.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.EncodeErr != nil {
		return nil, l.EncodeErr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Output{lib: l, Config: cfg}
	l.mu.Lock()
	l.outputs = append(l.outputs, o)
	l.mu.Unlock()
	return o, nil
}

type demuxer struct {
	lib    *Library
	src    Source
	closed atomic.Bool
}

func (d *demuxer) Duration() time.Duration { return d.src.Duration }

func (d *demuxer) VideoTrack() (codec.Track, bool) {
	if d.src.Track == nil {
		return codec.Track{}, false
	}
	return *d.src.Track, true
}

func (d *demuxer) HasAudio() bool { return d.src.HasAudio }

func (d *demuxer) Samples(ctx context.Context, track codec.Track) (codec.SampleStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.lib.streamsOpened.Add(1)
	return &stream{lib: d.lib, src: d.src, track: track}, nil
}

func (d *demuxer) Close() error {
	if d.closed.CompareAndSwap(false, true) {
		d.lib.demuxClosed.Add(1)
	}
	return nil
}

type stream struct {
	lib    *Library
	src    Source
	track  codec.Track
	n      int
	closed atomic.Bool
}

func (s *stream) Next(ctx context.Context) (*codec.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, os.ErrClosed
	}
	if s.src.FailAfter > 0 && s.n >= s.src.FailAfter {
		return nil, errors.New("codectest: decode failed")
	}
	if s.n >= s.src.Frames {
		return nil, io.EOF
	}

	dur := s.track.FrameDuration()
	ts := time.Duration(s.n) * dur
	img := Frame(s.track.Width, s.track.Height, s.n)
	s.n++

	s.lib.samplesOpened.Add(1)
	return codec.NewSample(img, ts, dur, func() { s.lib.samplesClosed.Add(1) }), nil
}

func (s *stream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.lib.streamsClosed.Add(1)
	}
	return nil
}

// Frame returns the synthetic frame i of a w×h source: a solid colour
// whose red channel encodes i.
func Frame(w, h, i int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	c := color.RGBA{R: uint8(i % 256), G: 128, B: 64, A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// Accepted is a frame recorded by an Output.
type Accepted struct {
	Timestamp time.Duration
	Duration  time.Duration
	Bounds    image.Rectangle
	// Center is the colour at the centre of the frame.
	Center color.RGBA
}

// Output records accepted frames.
type Output struct {
	lib    *Library
	Config codec.EncodeConfig

	mu            sync.Mutex
	frames        []Accepted
	closed        bool
	closeCalls    int
	finalizeCalls int
	abortCalls    int
	inAccept      atomic.Int32
	maxInAccept   atomic.Int32
}

// Accept records the frame after the library's AcceptDelay.
func (o *Output) Accept(ctx context.Context, frame image.Image, ts, dur time.Duration) error {
	cur := o.inAccept.Add(1)
	defer o.inAccept.Add(-1)
	for {
		m := o.maxInAccept.Load()
		if cur <= m || o.maxInAccept.CompareAndSwap(m, cur) {
			break
		}
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return codec.ErrOutputClosed
	}
	if n := len(o.frames); n > 0 && ts < o.frames[n-1].Timestamp {
		o.mu.Unlock()
		return fmt.Errorf("%w: %v", codec.ErrNonMonotonicTimestamp, ts)
	}
	o.mu.Unlock()

	if o.lib.AcceptDelay > 0 {
		t := time.NewTimer(o.lib.AcceptDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}

	b := frame.Bounds()
	c := color.RGBAModel.Convert(frame.At(b.Min.X+b.Dx()/2, b.Min.Y+b.Dy()/2)).(color.RGBA)

	o.mu.Lock()
	o.frames = append(o.frames, Accepted{Timestamp: ts, Duration: dur, Bounds: b, Center: c})
	n := len(o.frames)
	o.mu.Unlock()

	if o.lib.OnAccept != nil {
		o.lib.OnAccept(n)
	}
	return nil
}

// CloseTrack marks the track closed.
func (o *Output) CloseTrack() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.closeCalls++
	return nil
}

// Finalize returns a fake container naming the frame count.
func (o *Output) Finalize(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.finalizeCalls++
	if o.lib.FinalizeEmpty {
		return nil, nil
	}
	return []byte(fmt.Sprintf("mp4:%dx%d:%d", o.Config.Width, o.Config.Height, len(o.frames))), nil
}

// Abort marks the output discarded.
func (o *Output) Abort() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	o.abortCalls++
	return nil
}

// Frames returns the recorded frames.
func (o *Output) Frames() []Accepted {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Accepted(nil), o.frames...)
}

// Calls returns how often CloseTrack, Finalize and Abort were called.
func (o *Output) Calls() (closeTrack, finalize, abort int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeCalls, o.finalizeCalls, o.abortCalls
}

// MaxConcurrentAccepts is the most Accept calls that overlapped.
func (o *Output) MaxConcurrentAccepts() int {
	return int(o.maxInAccept.Load())
}
