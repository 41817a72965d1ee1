// Package storage keeps uploaded sources and rendered exports on local disk
// and optionally publishes exports to S3.
package storage

import (
	"context"
	"io"
)

// Storage is the port the export service and the HTTP layer use for files.
type Storage interface {
	// SaveTemp writes data to a new file under the work directory. name is a
	// hint; its extension is preserved so codecs can sniff the container.
	SaveTemp(ctx context.Context, name string, data io.Reader) (path string, err error)

	// Open returns a reader for a file written by SaveTemp. The caller closes it.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Cleanup removes the given files. Missing files are not an error.
	Cleanup(ctx context.Context, paths ...string) error

	// UploadToS3 publishes data under key and returns its URL.
	// Returns ErrS3NotConfigured if S3 is not configured.
	UploadToS3(ctx context.Context, key, contentType string, data io.Reader) (url string, err error)
}
