package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/maauso/reframe/internal/cancel"
	"github.com/maauso/reframe/internal/codec"
	"github.com/maauso/reframe/internal/filter"
	"github.com/maauso/reframe/internal/geometry"
	"github.com/maauso/reframe/internal/media"
	"github.com/maauso/reframe/internal/surface"
)

// ProgressFunc receives the export progress as a fraction in [0, 1].
type ProgressFunc func(fraction float64)

type transcodeOptions struct {
	logger       *slog.Logger
	videoCodec   string
	bitrate      codec.BitrateClass
	keepAudio    bool
	interpolator xdraw.Interpolator
}

// TranscodeOption configures Transcode.
type TranscodeOption func(*transcodeOptions)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) TranscodeOption {
	return func(o *transcodeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithVideoCodec sets the encoder, e.g. "libx264".
func WithVideoCodec(name string) TranscodeOption {
	return func(o *transcodeOptions) {
		if name != "" {
			o.videoCodec = name
		}
	}
}

// WithBitrate sets the bitrate class.
func WithBitrate(c codec.BitrateClass) TranscodeOption {
	return func(o *transcodeOptions) {
		if c != "" {
			o.bitrate = c
		}
	}
}

// WithAudio sets whether the source audio track is copied into the output.
// Defaults to true.
func WithAudio(keep bool) TranscodeOption {
	return func(o *transcodeOptions) {
		o.keepAudio = keep
	}
}

// progressReporter clamps reports to [0, 1] and never goes backwards.
type progressReporter struct {
	fn   ProgressFunc
	last float64
}

func (r *progressReporter) report(v float64) {
	if r.fn == nil {
		return
	}
	if math.IsNaN(v) || v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	if v < r.last {
		v = r.last
	}
	r.last = v
	r.fn(v)
}

// Transcode re-encodes the primary video track of src at size through
// filters. It returns nil bytes and no error when the source has no video
// track or the encoder produced nothing. An abort of tok, checked before
// every frame, discards the output and returns ErrCancelled.
//
// Each frame is handed to the encoder and the loop waits for it to be
// accepted before decoding the next, so decoding never runs ahead of
// encoding. progress is called once per frame and a final time with 1.0.
func Transcode(ctx context.Context, lib codec.Library, src string, size media.Size, filters filter.Set, tok *cancel.Token, progress ProgressFunc, opts ...TranscodeOption) ([]byte, error) {
	o := transcodeOptions{
		logger:       slog.Default(),
		videoCodec:   codec.DefaultVideoCodec,
		bitrate:      codec.BitrateHigh,
		keepAudio:    true,
		interpolator: xdraw.CatmullRom,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(slog.String("source", src), slog.String("size", size.String()))

	if tok.Aborted() {
		return nil, cancelled(tok)
	}
	if err := size.Validate(); err != nil {
		return nil, err
	}
	transform, err := filter.Compile(filters)
	if err != nil {
		return nil, err
	}

	ctx, stop := bindToken(ctx, tok)
	defer stop()

	demux, err := lib.OpenDemux(ctx, src)
	if err != nil {
		if tok.Aborted() {
			return nil, cancelled(tok)
		}
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = demux.Close() }()

	track, ok := demux.VideoTrack()
	if !ok {
		logger.Warn("nothing to export", slog.String("reason", ErrNoVideoTrack.Error()))
		return nil, nil
	}
	duration := demux.Duration()
	if duration <= 0 {
		duration = track.Duration
	}

	target, err := surface.New(size.Width, size.Height, surface.WithInterpolator(o.interpolator))
	if err != nil {
		return nil, err
	}
	filter.Apply(target, transform)

	geo, err := geometry.Fit(float64(track.Width), float64(track.Height), float64(size.Width), float64(size.Height))
	if err != nil {
		return nil, err
	}

	cfg := codec.EncodeConfig{
		Width:     size.Width,
		Height:    size.Height,
		FrameRate: track.FrameRate,
		Codec:     o.videoCodec,
		Bitrate:   o.bitrate,
	}
	if o.keepAudio && demux.HasAudio() {
		cfg.AudioSource = src
	}
	out, err := lib.OpenEncode(ctx, cfg)
	if err != nil {
		if tok.Aborted() {
			return nil, cancelled(tok)
		}
		return nil, fmt.Errorf("open encoder: %w", err)
	}

	stream, err := demux.Samples(ctx, track)
	if err != nil {
		_ = out.Abort()
		if tok.Aborted() {
			return nil, cancelled(tok)
		}
		return nil, fmt.Errorf("open sample stream: %w", err)
	}
	defer func() { _ = stream.Close() }()

	logger.Debug("transcode started",
		slog.Int("track_width", track.Width),
		slog.Int("track_height", track.Height),
		slog.Float64("fps", track.FrameRate),
		slog.Duration("duration", duration),
		slog.String("filter", transform.String()),
	)

	rep := &progressReporter{fn: progress}
	frames := 0
	for {
		if tok.Aborted() {
			_ = out.Abort()
			logger.Info("transcode cancelled", slog.Int("frames", frames))
			return nil, cancelled(tok)
		}

		s, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = out.Abort()
			if tok.Aborted() {
				return nil, cancelled(tok)
			}
			return nil, fmt.Errorf("decode frame %d: %w", frames, err)
		}

		target.Clear()
		target.Draw(s.Image, geo)
		err = out.Accept(ctx, target.Frame(), s.Timestamp, s.Duration)
		ts := s.Timestamp
		s.Close()
		if err != nil {
			_ = out.Abort()
			if tok.Aborted() {
				return nil, cancelled(tok)
			}
			return nil, fmt.Errorf("encode frame %d: %w", frames, err)
		}
		frames++
		rep.report(fraction(ts, duration))
	}

	if err := out.CloseTrack(); err != nil {
		_ = out.Abort()
		return nil, fmt.Errorf("close output track: %w", err)
	}
	data, err := out.Finalize(ctx)
	if err != nil {
		_ = out.Abort()
		if tok.Aborted() {
			return nil, cancelled(tok)
		}
		return nil, fmt.Errorf("finalize output: %w", err)
	}
	if len(data) == 0 {
		logger.Warn("nothing to export",
			slog.String("reason", ErrEncoderFinalize.Error()),
			slog.Int("frames", frames),
		)
		return nil, nil
	}

	rep.report(1)
	logger.Info("transcode finished", slog.Int("frames", frames), slog.Int("bytes", len(data)))
	return data, nil
}

// fraction is ts/total, zero when the total is unknown.
func fraction(ts, total time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	return float64(ts) / float64(total)
}

// bindToken derives a context from ctx that is also cancelled when tok is
// aborted, so blocked codec calls return.
func bindToken(ctx context.Context, tok *cancel.Token) (context.Context, context.CancelFunc) {
	ctx, cancelCtx := context.WithCancelCause(ctx)
	stop := context.AfterFunc(tok.Context(), func() {
		cancelCtx(tok.Cause())
	})
	return ctx, func() {
		stop()
		cancelCtx(context.Canceled)
	}
}
