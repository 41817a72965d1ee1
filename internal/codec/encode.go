package codec

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// Compile-time checks.
var (
	_ Output       = (*ffmpegOutput)(nil)
	_ Demuxer      = (*ffmpegDemuxer)(nil)
	_ SampleStream = (*rawStream)(nil)
)

// ffmpegOutput feeds raw RGBA frames to an ffmpeg process writing an MP4
// into a temp file. The output is constant frame rate: ffmpeg assigns each
// frame the next slot at cfg.FrameRate, so callers only need to keep frames
// in order.
type ffmpegOutput struct {
	lib    *FFmpeg
	cfg    EncodeConfig
	path   string
	args   []string
	ctx    context.Context
	cancel context.CancelFunc
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *syncBuffer

	frameSize int
	buf       []byte

	// frames is unbuffered: Accept returns only once the writer has
	// pushed the frame into ffmpeg's stdin.
	frames     chan []byte
	acks       chan error
	writerDone chan struct{}

	sendMu sync.Mutex
	mu     sync.Mutex
	closed bool
	broken error
	count  int
	last   time.Duration

	closeOnce sync.Once
	waitOnce  sync.Once
	waitErr   error
	abortOnce sync.Once
}

func startEncoder(ctx context.Context, lib *FFmpeg, cfg EncodeConfig) (*ffmpegOutput, error) {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	if cfg.Codec == "" {
		cfg.Codec = DefaultVideoCodec
	}
	if cfg.Bitrate == "" {
		cfg.Bitrate = BitrateHigh
	}

	path, err := lib.createTemp("reframe-*.mp4")
	if err != nil {
		return nil, err
	}

	args := encodeArgs(cfg, path)

	cmdCtx, cancel := context.WithCancel(ctx)
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(cmdCtx, lib.ffmpegPath, args...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		_ = os.Remove(path)
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		_ = os.Remove(path)
		return nil, fmt.Errorf("start ffmpeg encoder: %w", err)
	}

	o := &ffmpegOutput{
		lib:        lib,
		cfg:        cfg,
		path:       path,
		args:       args,
		ctx:        cmdCtx,
		cancel:     cancel,
		cmd:        cmd,
		stdin:      stdin,
		stderr:     stderr,
		frameSize:  4 * cfg.Width * cfg.Height,
		frames:     make(chan []byte),
		acks:       make(chan error, 1),
		writerDone: make(chan struct{}),
	}
	o.buf = make([]byte, o.frameSize)
	go o.writeLoop()

	lib.logger.Debug("ffmpeg encoder started",
		slog.Int("width", cfg.Width),
		slog.Int("height", cfg.Height),
		slog.Float64("fps", cfg.FrameRate),
		slog.String("codec", cfg.Codec),
		slog.String("bitrate_class", string(cfg.Bitrate)),
	)
	return o, nil
}

// encodeArgs builds the ffmpeg command line for an encode.
func encodeArgs(cfg EncodeConfig, path string) []string {
	args := []string{
		"-y",
		"-hide_banner",
		"-nostats",
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-framerate", strconv.FormatFloat(cfg.FrameRate, 'f', -1, 64),
		"-i", "pipe:0",
	}
	if cfg.AudioSource != "" {
		args = append(args,
			"-i", cfg.AudioSource,
			"-map", "0:v:0",
			"-map", "1:a:0?",
			"-c:a", "aac",
			"-b:a", "128k",
			"-shortest",
		)
	}
	args = append(args,
		// yuv420p needs even dimensions
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", cfg.Codec,
	)
	if cfg.Codec == "libx264" {
		args = append(args, "-preset", "fast")
	}
	args = append(args,
		"-b:v", strconv.Itoa(cfg.Bitrate.Bitrate(cfg.Width, cfg.Height, cfg.FrameRate)),
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-f", "mp4",
		path,
	)
	return args
}

func (o *ffmpegOutput) writeLoop() {
	defer close(o.writerDone)
	defer func() { _ = o.stdin.Close() }()

	for buf := range o.frames {
		_, err := o.stdin.Write(buf)
		o.acks <- err
	}
}

// Accept converts frame to RGBA and hands it to the encoder.
func (o *ffmpegOutput) Accept(ctx context.Context, frame image.Image, ts, _ time.Duration) error {
	o.sendMu.Lock()
	defer o.sendMu.Unlock()

	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return ErrOutputClosed
	case o.broken != nil:
		err := o.broken
		o.mu.Unlock()
		return err
	case o.count > 0 && ts < o.last:
		last := o.last
		o.mu.Unlock()
		return fmt.Errorf("%w: %v after %v", ErrNonMonotonicTimestamp, ts, last)
	}
	o.mu.Unlock()

	o.fill(frame)

	select {
	case o.frames <- o.buf:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-o.acks:
		if err != nil {
			err = commandError(o.ctx, o.args, o.stderr.String(), err)
			o.setBroken(err)
			return err
		}
	case <-ctx.Done():
		// The writer still owns the buffer; the output cannot be reused.
		o.setBroken(ctx.Err())
		return ctx.Err()
	}

	o.mu.Lock()
	o.count++
	o.last = ts
	o.mu.Unlock()
	return nil
}

// fill copies frame into the shared RGBA buffer.
func (o *ffmpegOutput) fill(frame image.Image) {
	w, h := o.cfg.Width, o.cfg.Height
	r := image.Rect(0, 0, w, h)
	if rgba, ok := frame.(*image.RGBA); ok && rgba.Rect == r && rgba.Stride == 4*w {
		copy(o.buf, rgba.Pix)
		return
	}
	clear(o.buf)
	dst := &image.RGBA{Pix: o.buf, Stride: 4 * w, Rect: r}
	draw.Draw(dst, r, frame, frame.Bounds().Min, draw.Src)
}

func (o *ffmpegOutput) setBroken(err error) {
	o.mu.Lock()
	if o.broken == nil {
		o.broken = err
	}
	o.mu.Unlock()
}

// CloseTrack closes the encoder's input. It is idempotent.
func (o *ffmpegOutput) CloseTrack() error {
	o.closeOnce.Do(func() {
		o.sendMu.Lock()
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()
		close(o.frames)
		o.sendMu.Unlock()
	})
	return nil
}

func (o *ffmpegOutput) wait() error {
	o.waitOnce.Do(func() {
		<-o.writerDone
		o.waitErr = o.cmd.Wait()
	})
	return o.waitErr
}

// Finalize waits for ffmpeg to write the container and returns its bytes.
// The temp file is removed either way.
func (o *ffmpegOutput) Finalize(ctx context.Context) ([]byte, error) {
	if err := o.CloseTrack(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, o.cancel)
	defer stop()
	defer func() { _ = os.Remove(o.path) }()
	defer o.cancel()

	werr := o.wait()

	o.mu.Lock()
	broken := o.broken
	frames := o.count
	o.mu.Unlock()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
	}
	if broken != nil {
		return nil, broken
	}
	if frames == 0 {
		// Nothing was encoded, so there is no container to return.
		return nil, nil
	}
	if werr != nil {
		return nil, commandError(o.ctx, o.args, o.stderr.String(), werr)
	}

	data, err := os.ReadFile(o.path)
	if err != nil {
		return nil, fmt.Errorf("read encoded output: %w", err)
	}
	o.lib.logger.Debug("ffmpeg encoder finalized",
		slog.Int("frames", frames),
		slog.Int("bytes", len(data)),
	)
	return data, nil
}

// Abort kills the encoder and removes its temp file.
func (o *ffmpegOutput) Abort() error {
	o.abortOnce.Do(func() {
		o.cancel()
		_ = o.CloseTrack()
		_ = o.wait()
		_ = os.Remove(o.path)
	})
	return nil
}

// syncBuffer is a bytes.Buffer safe for the exec copy goroutine and readers.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}
