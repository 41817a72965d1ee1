// Package codec defines the media codec ports the renderers depend on:
// demuxing a source container into ordered decoded samples, and encoding
// rendered frames into an output container. FFmpeg implements them on top
// of the ffmpeg and ffprobe binaries.
package codec

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"
)

// Static errors for codec operations.
var (
	// ErrNonMonotonicTimestamp is returned when a frame is older than the previous one.
	ErrNonMonotonicTimestamp = errors.New("frame timestamp is not monotonic")
	// ErrOutputClosed is returned when a frame is handed to a closed output track.
	ErrOutputClosed = errors.New("output track is closed")
	// ErrInvalidEncodeConfig is returned when an output is opened with a bad size or rate.
	ErrInvalidEncodeConfig = errors.New("invalid encode config")
	// ErrUnknownBitrateClass is returned when parsing an unknown bitrate class.
	ErrUnknownBitrateClass = errors.New("unknown bitrate class")
)

// Track describes the primary video track of a container.
type Track struct {
	// Index is the stream index inside the container.
	Index int
	// Codec is the codec name reported by the container, e.g. "h264".
	Codec string
	// Width and Height are the display dimensions, rotation applied.
	Width  int
	Height int
	// FrameRate is the nominal frame rate in frames per second.
	FrameRate float64
	// Duration is the track duration, zero when unknown.
	Duration time.Duration
}

// FrameDuration returns the nominal duration of one frame.
func (t Track) FrameDuration() time.Duration {
	if t.FrameRate <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / t.FrameRate)
}

// Sample is a decoded frame. It must be closed by whoever received it.
type Sample struct {
	Image     image.Image
	Timestamp time.Duration
	Duration  time.Duration

	once    sync.Once
	release func()
}

// NewSample wraps a decoded frame. release, if not nil, runs once on Close.
func NewSample(img image.Image, ts, dur time.Duration, release func()) *Sample {
	return &Sample{Image: img, Timestamp: ts, Duration: dur, release: release}
}

// Close releases the frame. It is safe to call more than once.
func (s *Sample) Close() {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
		s.Image = nil
	})
}

// SampleStream yields decoded samples in presentation order.
type SampleStream interface {
	// Next blocks until the next sample is decoded. It returns io.EOF after
	// the last sample.
	Next(ctx context.Context) (*Sample, error)
	// Close stops decoding and releases the stream.
	Close() error
}

// Demuxer is an opened source container.
type Demuxer interface {
	// Duration is the container duration.
	Duration() time.Duration
	// VideoTrack returns the primary video track, if any.
	VideoTrack() (Track, bool)
	// HasAudio reports whether the container carries an audio track.
	HasAudio() bool
	// Samples starts decoding track.
	Samples(ctx context.Context, track Track) (SampleStream, error)
	// Close releases the container.
	Close() error
}

// BitrateClass selects the target bitrate relative to the frame size.
type BitrateClass string

// Bitrate classes, in bits per pixel per frame.
const (
	BitrateLow    BitrateClass = "low"
	BitrateMedium BitrateClass = "medium"
	BitrateHigh   BitrateClass = "high"
)

var bitsPerPixel = map[BitrateClass]float64{
	BitrateLow:    0.05,
	BitrateMedium: 0.1,
	BitrateHigh:   0.2,
}

// ParseBitrateClass reads a bitrate class name.
func ParseBitrateClass(s string) (BitrateClass, error) {
	c := BitrateClass(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := bitsPerPixel[c]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownBitrateClass, s)
	}
	return c, nil
}

// Bitrate returns the target bitrate in bits per second for a frame size and rate.
func (c BitrateClass) Bitrate(width, height int, fps float64) int {
	bpp, ok := bitsPerPixel[c]
	if !ok {
		bpp = bitsPerPixel[BitrateMedium]
	}
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	return int(float64(width*height) * fps * bpp)
}

// DefaultFrameRate is used when a track does not report its frame rate.
const DefaultFrameRate = 30.0

// DefaultVideoCodec is the encoder used when none is configured.
const DefaultVideoCodec = "libx264"

// EncodeConfig describes an output video track.
type EncodeConfig struct {
	Width     int
	Height    int
	FrameRate float64
	// Codec is the encoder name, e.g. "libx264".
	Codec   string
	Bitrate BitrateClass
	// AudioSource, when set, is a container whose first audio track is
	// copied into the output.
	AudioSource string
}

// Validate checks the output dimensions.
func (c EncodeConfig) Validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: width=%d, height=%d", ErrInvalidEncodeConfig, c.Width, c.Height)
	}
	if c.FrameRate < 0 {
		return fmt.Errorf("%w: frame rate %g", ErrInvalidEncodeConfig, c.FrameRate)
	}
	return nil
}

// Output is an encoder bound to an output container.
type Output interface {
	// Accept hands a rendered frame to the encoder and blocks until the
	// encoder has taken it. The frame may be reused once Accept returns.
	Accept(ctx context.Context, frame image.Image, ts, dur time.Duration) error
	// CloseTrack signals that no more frames follow.
	CloseTrack() error
	// Finalize assembles the container and returns its bytes.
	Finalize(ctx context.Context) ([]byte, error)
	// Abort discards the output and releases the encoder.
	Abort() error
}

// Library opens sources for decoding and outputs for encoding.
type Library interface {
	OpenDemux(ctx context.Context, path string) (Demuxer, error)
	OpenEncode(ctx context.Context, cfg EncodeConfig) (Output, error)
}
