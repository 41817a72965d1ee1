package media

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ErrUnsupportedMediaType is returned for a file whose type is outside the
// supported set.
var ErrUnsupportedMediaType = errors.New("unsupported media type")

// Kind classifies a media type.
type Kind int

const (
	// KindUnsupported is any type outside the supported set.
	KindUnsupported Kind = iota
	// KindImage is a still image.
	KindImage
	// KindVideo is a video container.
	KindVideo
)

// String returns a readable kind name.
func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	default:
		return "unsupported"
	}
}

// Supported MIME types.
const (
	TypePNG       = "image/png"
	TypeJPEG      = "image/jpeg"
	TypeGIF       = "image/gif"
	TypeMP4       = "video/mp4"
	TypeWebM      = "video/webm"
	TypeQuickTime = "video/quicktime"
)

var kinds = map[string]Kind{
	TypePNG:       KindImage,
	TypeJPEG:      KindImage,
	TypeGIF:       KindImage,
	TypeMP4:       KindVideo,
	TypeWebM:      KindVideo,
	TypeQuickTime: KindVideo,
}

// SupportedTypes lists the supported MIME types, images first.
func SupportedTypes() []string {
	return []string{TypePNG, TypeJPEG, TypeGIF, TypeMP4, TypeWebM, TypeQuickTime}
}

// Classify returns the kind of a declared MIME type. Parameters such as
// "; charset=" are ignored.
func Classify(mimeType string) Kind {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mimeType))
	}
	if mt == "image/jpg" {
		mt = TypeJPEG
	}
	return kinds[mt]
}

// DetectType sniffs the MIME type from the content of r.
func DetectType(r io.Reader) (string, error) {
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return "", fmt.Errorf("detect media type: %w", err)
	}
	return normalize(mt.String()), nil
}

// DetectFile sniffs the MIME type of the file at path.
func DetectFile(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detect media type: %w", err)
	}
	return normalize(mt.String()), nil
}

func normalize(mt string) string {
	base, _, err := mime.ParseMediaType(mt)
	if err != nil {
		return mt
	}
	return base
}

// File is a source file on local disk with its declared media type.
type File struct {
	// Path is where the content is stored.
	Path string
	// Name is the original filename, used to suggest output names.
	Name string
	// Type is the declared MIME type. Empty means unknown.
	Type string
}

// ResolveType returns the declared type, sniffing the content when none was
// declared.
func (f File) ResolveType() (string, error) {
	if f.Type != "" {
		return f.Type, nil
	}
	return DetectFile(f.Path)
}

// SuggestFilename replaces the extension of name with a size suffix and the
// extension of the export format: "clip.mov" becomes "clip-1080x1920.mp4".
func SuggestFilename(name string, size Size, kind Kind) string {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "export"
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = "export"
	}
	return fmt.Sprintf("%s-%dx%d%s", stem, size.Width, size.Height, ExportExtension(kind))
}

// ExportExtension is the extension of the format an export of kind produces.
func ExportExtension(kind Kind) string {
	if kind == KindVideo {
		return ".mp4"
	}
	return ".png"
}

// ExportContentType is the MIME type an export of kind produces.
func ExportContentType(kind Kind) string {
	if kind == KindVideo {
		return TypeMP4
	}
	return TypePNG
}
