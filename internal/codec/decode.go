package codec

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// timingWait bounds how long Next waits for the showinfo line of a frame
// before falling back to the nominal frame cadence.
const timingWait = 2 * time.Second

// stderrTailLines is how many non-timing stderr lines are kept for errors.
const stderrTailLines = 32

// ffmpegDemuxer is a probed source container.
type ffmpegDemuxer struct {
	lib      *FFmpeg
	path     string
	duration time.Duration
	track    Track
	hasTrack bool
	audio    bool

	mu      sync.Mutex
	streams map[*rawStream]struct{}
	closed  bool
}

func newDemuxer(lib *FFmpeg, path string, probe *probeOutput) *ffmpegDemuxer {
	track, ok := probe.videoTrack()
	return &ffmpegDemuxer{
		lib:      lib,
		path:     path,
		duration: probe.duration(),
		track:    track,
		hasTrack: ok,
		audio:    probe.hasAudio(),
		streams:  make(map[*rawStream]struct{}),
	}
}

func (d *ffmpegDemuxer) Duration() time.Duration   { return d.duration }
func (d *ffmpegDemuxer) VideoTrack() (Track, bool) { return d.track, d.hasTrack }
func (d *ffmpegDemuxer) HasAudio() bool            { return d.audio }

// Samples starts an ffmpeg process decoding track to raw RGBA frames.
func (d *ffmpegDemuxer) Samples(ctx context.Context, track Track) (SampleStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("demuxer is closed")
	}

	s, err := startDecoder(ctx, d.lib, d.path, track)
	if err != nil {
		return nil, err
	}
	s.onClose = func() {
		d.mu.Lock()
		delete(d.streams, s)
		d.mu.Unlock()
	}
	d.streams[s] = struct{}{}
	return s, nil
}

// Close stops any stream still decoding.
func (d *ffmpegDemuxer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	open := make([]*rawStream, 0, len(d.streams))
	for s := range d.streams {
		open = append(open, s)
	}
	d.mu.Unlock()

	var firstErr error
	for _, s := range open {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// frameTiming is the presentation time of one decoded frame.
type frameTiming struct {
	pts time.Duration
	dur time.Duration
}

// rawStream reads fixed-size RGBA frames from ffmpeg's stdout and pairs
// each with the timing that the showinfo filter logs on stderr.
type rawStream struct {
	cmd    *exec.Cmd
	ctx    context.Context
	cancel context.CancelFunc
	args   []string
	stdout io.ReadCloser

	width, height int
	nominal       time.Duration

	timings    chan frameTiming
	quit       chan struct{}
	stderrDone chan struct{}
	tail       *tailBuffer

	free chan []byte

	n     int
	last  time.Duration
	ended bool

	waitOnce  sync.Once
	waitErr   error
	closeOnce sync.Once
	onClose   func()
}

func startDecoder(ctx context.Context, lib *FFmpeg, path string, track Track) (*rawStream, error) {
	if track.Width <= 0 || track.Height <= 0 {
		return nil, fmt.Errorf("%w: track %dx%d", ErrInvalidEncodeConfig, track.Width, track.Height)
	}

	args := []string{
		"-hide_banner",
		"-nostdin",
		"-nostats",
		"-loglevel", "info", // showinfo logs at info level
		"-i", path,
		"-map", fmt.Sprintf("0:%d", track.Index),
		"-an", "-sn",
		"-vf", fmt.Sprintf("showinfo,scale=%d:%d", track.Width, track.Height),
		"-fps_mode", "passthrough", // one output frame per decoded frame
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"pipe:1",
	}

	cmdCtx, cancel := context.WithCancel(ctx)
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(cmdCtx, lib.ffmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg decoder: %w", err)
	}

	nominal := track.FrameDuration()
	if nominal <= 0 {
		nominal = Track{FrameRate: DefaultFrameRate}.FrameDuration()
	}

	s := &rawStream{
		cmd:        cmd,
		ctx:        cmdCtx,
		cancel:     cancel,
		args:       args,
		stdout:     stdout,
		width:      track.Width,
		height:     track.Height,
		nominal:    nominal,
		timings:    make(chan frameTiming, 256),
		quit:       make(chan struct{}),
		stderrDone: make(chan struct{}),
		tail:       newTailBuffer(stderrTailLines),
		free:       make(chan []byte, 4),
	}
	go s.readStderr(stderr)

	lib.logger.Debug("ffmpeg decoder started",
		slog.String("path", path),
		slog.Int("track", track.Index),
		slog.Int("width", track.Width),
		slog.Int("height", track.Height),
	)
	return s, nil
}

// Next reads the next frame. The returned sample's buffer is recycled when
// the sample is closed.
func (s *rawStream) Next(ctx context.Context) (*Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.ended {
		return nil, io.EOF
	}

	buf := s.buffer()
	if _, err := io.ReadFull(s.stdout, buf); err != nil {
		s.recycle(buf)
		s.ended = true
		werr := s.wait()
		if errors.Is(err, io.EOF) && werr == nil {
			return nil, io.EOF
		}
		if werr == nil {
			werr = err
		}
		return nil, commandError(s.ctx, s.args, s.tail.String(), werr)
	}

	ts, dur := s.timing()
	img := &image.RGBA{
		Pix:    buf,
		Stride: 4 * s.width,
		Rect:   image.Rect(0, 0, s.width, s.height),
	}
	return NewSample(img, ts, dur, func() { s.recycle(buf) }), nil
}

// timing pairs the frame just read with its showinfo line. Timestamps are
// forced to be strictly increasing.
func (s *rawStream) timing() (time.Duration, time.Duration) {
	ts := time.Duration(s.n) * s.nominal
	dur := s.nominal

	select {
	case ft, ok := <-s.timings:
		if ok {
			if ft.pts >= 0 {
				ts = ft.pts
			}
			if ft.dur > 0 {
				dur = ft.dur
			}
		}
	case <-time.After(timingWait):
	}

	if s.n > 0 && ts <= s.last {
		ts = s.last + dur
	}
	s.last = ts
	s.n++
	return ts, dur
}

func (s *rawStream) buffer() []byte {
	select {
	case b := <-s.free:
		return b
	default:
		return make([]byte, 4*s.width*s.height)
	}
}

func (s *rawStream) recycle(b []byte) {
	select {
	case s.free <- b:
	default:
	}
}

// wait reaps the process once stderr has been drained.
func (s *rawStream) wait() error {
	s.waitOnce.Do(func() {
		<-s.stderrDone
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}

// Close kills the decoder if it is still running and reaps it.
func (s *rawStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		if !s.ended {
			s.cancel()
		}
		_ = s.wait()
		s.cancel()
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

var (
	ptsTimeRe      = regexp.MustCompile(`pts_time:\s*(-?[0-9]+(?:\.[0-9]+)?)`)
	durationTimeRe = regexp.MustCompile(`duration_time:\s*([0-9]+(?:\.[0-9]+)?)`)
)

// parseShowinfo extracts the frame timing from a showinfo log line.
func parseShowinfo(line string) (frameTiming, bool) {
	if !strings.Contains(line, "showinfo") || !strings.Contains(line, " n:") {
		return frameTiming{}, false
	}
	m := ptsTimeRe.FindStringSubmatch(line)
	if m == nil {
		return frameTiming{}, false
	}
	pts, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return frameTiming{}, false
	}
	ft := frameTiming{pts: time.Duration(pts * float64(time.Second))}
	if d := durationTimeRe.FindStringSubmatch(line); d != nil {
		if v, err := strconv.ParseFloat(d[1], 64); err == nil {
			ft.dur = time.Duration(v * float64(time.Second))
		}
	}
	return ft, true
}

func (s *rawStream) readStderr(r io.Reader) {
	defer close(s.stderrDone)
	defer close(s.timings)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if ft, ok := parseShowinfo(line); ok {
			select {
			case s.timings <- ft:
			case <-s.quit:
			}
			continue
		}
		s.tail.Add(line)
	}
}

// tailBuffer keeps the last n lines written to it.
type tailBuffer struct {
	mu    sync.Mutex
	n     int
	lines []string
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (t *tailBuffer) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
