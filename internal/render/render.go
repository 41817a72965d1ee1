// Package render draws source media onto surfaces. It holds the three
// rendering paths: a single still frame, the live preview loop that keeps a
// surface updated from a playing source, and the transcode pipeline that
// re-encodes a video at a new size.
package render

import (
	"errors"
	"fmt"

	"github.com/maauso/reframe/internal/cancel"
)

// Static errors for rendering.
var (
	// ErrNoVideoTrack is logged when a video container has no usable track.
	// It is not returned: the export simply produces no output.
	ErrNoVideoTrack = errors.New("no video track")
	// ErrCancelled is returned when an export is aborted before it finished.
	ErrCancelled = errors.New("export cancelled")
	// ErrEncoderFinalize is logged when finalize yields no bytes.
	ErrEncoderFinalize = errors.New("encoder produced no output")
	// ErrSourceEnded is the abort cause of a preview whose source ran out.
	ErrSourceEnded = errors.New("preview source ended")
)

// Mode selects whether a render produces bytes or only updates the surface.
type Mode int

const (
	// ModePreview renders onto the surface only.
	ModePreview Mode = iota
	// ModeExport renders and encodes the result.
	ModeExport
)

func (m Mode) String() string {
	switch m {
	case ModePreview:
		return "preview"
	case ModeExport:
		return "export"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// cancelled builds the error for an aborted export, keeping the abort cause.
func cancelled(tok *cancel.Token) error {
	cause := tok.Cause()
	if cause == nil || errors.Is(cause, ErrCancelled) || errors.Is(cause, cancel.ErrAborted) {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
