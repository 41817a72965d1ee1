package render

import (
	"bytes"
	"fmt"
	"image"
	"io"

	"github.com/disintegration/imaging"

	"github.com/maauso/reframe/internal/cancel"
	"github.com/maauso/reframe/internal/filter"
	"github.com/maauso/reframe/internal/geometry"
	"github.com/maauso/reframe/internal/surface"
)

// DecodeStill decodes a PNG, JPEG or GIF, applying the EXIF orientation.
// Only the first frame of an animated GIF is used.
func DecodeStill(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// OpenStill decodes the image file at path.
func OpenStill(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	return img, nil
}

// RenderStill cover-fits frame onto target through filters. In export mode
// it returns the surface encoded as PNG; in preview mode the surface is the
// output and it returns nil. An already aborted token renders nothing.
func RenderStill(frame image.Image, target *surface.Surface, filters filter.Set, tok *cancel.Token, mode Mode) ([]byte, error) {
	if tok != nil && tok.Aborted() {
		return nil, nil
	}

	t, err := filter.Compile(filters)
	if err != nil {
		return nil, err
	}
	filter.Apply(target, t)

	if err := drawFrame(frame, target); err != nil {
		return nil, err
	}
	if mode != ModeExport {
		return nil, nil
	}

	var buf bytes.Buffer
	if err := target.Encode(&buf, imaging.PNG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// drawFrame clears target and draws frame cover-fitted into it, using the
// filter state already applied to target.
func drawFrame(frame image.Image, target *surface.Surface) error {
	geo, err := geometry.FitRect(frame.Bounds(), target.Bounds())
	if err != nil {
		return err
	}
	target.Clear()
	target.Draw(frame, geo)
	return nil
}
