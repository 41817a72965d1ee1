package codec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Static errors for the ffmpeg backend.
var (
	// ErrFFprobeExecution is returned when the ffprobe command fails.
	ErrFFprobeExecution = errors.New("ffprobe execution failed")
	// ErrProbeParse is returned when ffprobe output cannot be parsed.
	ErrProbeParse = errors.New("parse ffprobe output")
)

// Compile-time check that FFmpeg implements Library.
var _ Library = (*FFmpeg)(nil)

// FFmpeg implements Library using the ffmpeg and ffprobe CLIs. Decoded
// frames are read as raw RGBA from ffmpeg's stdout; rendered frames are
// written as raw RGBA to a second ffmpeg's stdin.
type FFmpeg struct {
	// ffmpegPath is the path to the ffmpeg binary. Defaults to "ffmpeg".
	ffmpegPath string
	// ffprobePath is the path to the ffprobe binary. Defaults to "ffprobe".
	ffprobePath string
	// tempDir holds encoder outputs until they are finalized.
	tempDir string
	logger  *slog.Logger
}

// FFmpegOption configures an FFmpeg library.
type FFmpegOption func(*FFmpeg)

// WithFFprobePath sets the ffprobe binary.
func WithFFprobePath(path string) FFmpegOption {
	return func(f *FFmpeg) {
		if path != "" {
			f.ffprobePath = path
		}
	}
}

// WithTempDir sets where encoder outputs are written before finalize.
func WithTempDir(dir string) FFmpegOption {
	return func(f *FFmpeg) {
		f.tempDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) FFmpegOption {
	return func(f *FFmpeg) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFFmpeg creates a new FFmpeg library.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFFmpeg(ffmpegPath string, opts ...FFmpegOption) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	f := &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: "ffprobe",
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// probeOutput is the subset of `ffprobe -print_format json` we read.
type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

type probeStream struct {
	Index        int               `json:"index"`
	CodecName    string            `json:"codec_name"`
	CodecType    string            `json:"codec_type"`
	Width        int               `json:"width"`
	Height       int               `json:"height"`
	RFrameRate   string            `json:"r_frame_rate"`
	AvgFrameRate string            `json:"avg_frame_rate"`
	Duration     string            `json:"duration"`
	Tags         map[string]string `json:"tags"`
	Disposition  struct {
		Default     int `json:"default"`
		AttachedPic int `json:"attached_pic"`
	} `json:"disposition"`
	SideDataList []struct {
		Rotation float64 `json:"rotation"`
	} `json:"side_data_list"`
}

// OpenDemux probes the container at path and resolves its primary video track.
func (f *FFmpeg) OpenDemux(ctx context.Context, path string) (Demuxer, error) {
	out, err := f.probe(ctx, path)
	if err != nil {
		return nil, err
	}
	return newDemuxer(f, path, out), nil
}

// probe runs ffprobe and decodes its JSON report.
func (f *FFmpeg) probe(ctx context.Context, path string) (*probeOutput, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}

	return parseProbe(stdout.Bytes())
}

func parseProbe(data []byte) (*probeOutput, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProbeParse, err)
	}
	return &out, nil
}

// duration returns the container duration, falling back to the longest stream.
func (p *probeOutput) duration() time.Duration {
	if d := parseSeconds(p.Format.Duration); d > 0 {
		return d
	}
	var longest time.Duration
	for _, s := range p.Streams {
		if d := parseSeconds(s.Duration); d > longest {
			longest = d
		}
	}
	return longest
}

// videoTrack picks the primary video stream: the default-disposition video
// stream if there is one, else the first. Cover art is skipped.
func (p *probeOutput) videoTrack() (Track, bool) {
	var chosen *probeStream
	for i := range p.Streams {
		s := &p.Streams[i]
		if s.CodecType != "video" || s.Disposition.AttachedPic == 1 || s.Width <= 0 || s.Height <= 0 {
			continue
		}
		if chosen == nil || (s.Disposition.Default == 1 && chosen.Disposition.Default != 1) {
			chosen = s
		}
	}
	if chosen == nil {
		return Track{}, false
	}

	w, h := chosen.Width, chosen.Height
	if isQuarterTurn(chosen.rotation()) {
		w, h = h, w
	}

	fps := parseRate(chosen.AvgFrameRate)
	if fps <= 0 {
		fps = parseRate(chosen.RFrameRate)
	}

	dur := parseSeconds(chosen.Duration)
	if dur <= 0 {
		dur = parseSeconds(p.Format.Duration)
	}

	return Track{
		Index:     chosen.Index,
		Codec:     chosen.CodecName,
		Width:     w,
		Height:    h,
		FrameRate: fps,
		Duration:  dur,
	}, true
}

func (p *probeOutput) hasAudio() bool {
	for _, s := range p.Streams {
		if s.CodecType == "audio" {
			return true
		}
	}
	return false
}

// rotation returns the display rotation from side data or the legacy tag.
func (s *probeStream) rotation() float64 {
	for _, sd := range s.SideDataList {
		if sd.Rotation != 0 {
			return sd.Rotation
		}
	}
	if v, ok := s.Tags["rotate"]; ok {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			return r
		}
	}
	return 0
}

func isQuarterTurn(deg float64) bool {
	r := math.Mod(math.Abs(deg), 180)
	return r == 90
}

// parseRate reads an ffprobe rational such as "30000/1001".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !ok {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// parseSeconds reads a decimal seconds value, zero when absent.
func parseSeconds(s string) time.Duration {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

// OpenEncode starts an encoder that reads raw RGBA frames of cfg's size.
func (f *FFmpeg) OpenEncode(ctx context.Context, cfg EncodeConfig) (Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return startEncoder(ctx, f, cfg)
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// commandError wraps a failed ffmpeg run, preferring the context error when
// the run was cancelled.
func commandError(ctx context.Context, args []string, stderr string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
	}
	return &FFmpegError{Args: args, Stderr: stderr, Err: err}
}

// createTemp reserves an output path in the configured temp directory.
func (f *FFmpeg) createTemp(pattern string) (string, error) {
	if f.tempDir != "" {
		if err := os.MkdirAll(f.tempDir, 0750); err != nil {
			return "", fmt.Errorf("create temp directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(f.tempDir, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := tmp.Name()
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return name, nil
}
