// Package geometry computes the cover-fit rectangles used to draw a source
// frame onto a target surface of different dimensions.
package geometry

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// ErrInvalidDimension is returned when a source or target side is not positive.
var ErrInvalidDimension = errors.New("invalid dimension: width and height must be positive")

// Dimensions describes where a source frame is read from and where it lands
// on the target surface.
type Dimensions struct {
	// SX, SY, SW, SH is the source rectangle.
	SX, SY, SW, SH float64
	// DX, DY, DW, DH is the destination rectangle. It may extend past the
	// target bounds; the overflow is cropped when drawing.
	DX, DY, DW, DH float64
}

// Fit returns the cover-fit geometry for drawing a sw×sh source onto a
// tw×th target. The source is scaled by max(tw/sw, th/sh) so the target is
// always filled, and the scaled source is centred on the target.
func Fit(sw, sh, tw, th float64) (Dimensions, error) {
	if !(sw > 0) || !(sh > 0) || !(tw > 0) || !(th > 0) {
		return Dimensions{}, fmt.Errorf("%w: source=%gx%g target=%gx%g", ErrInvalidDimension, sw, sh, tw, th)
	}

	scale := math.Max(tw/sw, th/sh)
	dw := sw * scale
	dh := sh * scale

	return Dimensions{
		SX: 0,
		SY: 0,
		SW: sw,
		SH: sh,
		DX: (tw - dw) / 2,
		DY: (th - dh) / 2,
		DW: dw,
		DH: dh,
	}, nil
}

// FitRect is Fit for integer rectangles, as produced by image.Image.Bounds.
func FitRect(src, dst image.Rectangle) (Dimensions, error) {
	return Fit(float64(src.Dx()), float64(src.Dy()), float64(dst.Dx()), float64(dst.Dy()))
}

// Scale returns the factor applied to the source extent.
func (d Dimensions) Scale() float64 {
	if d.SW == 0 {
		return 0
	}
	return d.DW / d.SW
}

// SourceRect returns the source rectangle rounded to whole pixels.
func (d Dimensions) SourceRect() image.Rectangle {
	return roundRect(d.SX, d.SY, d.SW, d.SH)
}

// DestRect returns the destination rectangle rounded to whole pixels.
func (d Dimensions) DestRect() image.Rectangle {
	return roundRect(d.DX, d.DY, d.DW, d.DH)
}

func roundRect(x, y, w, h float64) image.Rectangle {
	return image.Rect(
		int(math.Round(x)),
		int(math.Round(y)),
		int(math.Round(x+w)),
		int(math.Round(y+h)),
	)
}
