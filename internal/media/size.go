// Package media holds the media model shared by the renderers and their
// callers: target sizes and presets, the supported media types, and
// suggested output filenames.
package media

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Static errors for media sizes.
var (
	// ErrInvalidSize is returned when a height or width is outside 1..MaxSide.
	ErrInvalidSize = errors.New("invalid size: width and height must be between 1 and 8192")
	// ErrUnknownPreset is returned for a preset name outside the catalog.
	ErrUnknownPreset = errors.New("unknown size preset")
)

const (
	// DefaultCustomSide is used for a custom side that does not parse as a number.
	DefaultCustomSide = 500
	// MaxSide bounds either side of a target size.
	MaxSide = 8192
)

// Size is a target frame size. Height comes first, matching how presets are
// listed.
type Size struct {
	Height int `json:"height" validate:"required,min=1,max=8192"`
	Width  int `json:"width" validate:"required,min=1,max=8192"`
}

// NewSize returns a validated size.
func NewSize(height, width int) (Size, error) {
	s := Size{Height: height, Width: width}
	if err := s.Validate(); err != nil {
		return Size{}, err
	}
	return s, nil
}

// Validate checks that both sides are within 1..MaxSide.
func (s Size) Validate() error {
	if s.Height <= 0 || s.Width <= 0 || s.Height > MaxSide || s.Width > MaxSide {
		return fmt.Errorf("%w: height=%d, width=%d", ErrInvalidSize, s.Height, s.Width)
	}
	return nil
}

// String formats the size as WIDTHxHEIGHT.
func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// presets is the catalog of named sizes.
var presets = map[string]Size{
	"square":     {Height: 1080, Width: 1080},
	"portrait":   {Height: 1350, Width: 1080},
	"story":      {Height: 1920, Width: 1080},
	"landscape":  {Height: 1080, Width: 1920},
	"widescreen": {Height: 720, Width: 1280},
	"twitter":    {Height: 675, Width: 1200},
	"thumbnail":  {Height: 500, Width: 500},
}

// NamedSize is a preset entry.
type NamedSize struct {
	Name string `json:"name"`
	Size
}

// Preset returns the size registered under name.
func Preset(name string) (Size, error) {
	s, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Size{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return s, nil
}

// Presets lists the preset catalog sorted by name.
func Presets() []NamedSize {
	out := make([]NamedSize, 0, len(presets))
	for name, s := range presets {
		out = append(out, NamedSize{Name: name, Size: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ParseCustomSize builds a size from free-form height and width inputs.
// A side that is not a number falls back to DefaultCustomSide; a number
// outside 1..MaxSide is rejected.
func ParseCustomSize(height, width string) (Size, error) {
	return NewSize(parseSide(height), parseSide(width))
}

func parseSide(v string) int {
	n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return DefaultCustomSide
	}
	// Clamp before converting so huge inputs still fail Validate.
	return int(math.Max(-1, math.Min(n, MaxSide+1)))
}

// ParseDimensions reads "WIDTHxHEIGHT", e.g. "1080x1920".
func ParseDimensions(s string) (Size, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Size{}, fmt.Errorf("%w: %q is not WIDTHxHEIGHT", ErrInvalidSize, s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Size{}, fmt.Errorf("parse width %q: %w", w, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Size{}, fmt.Errorf("parse height %q: %w", h, err)
	}
	return NewSize(height, width)
}
