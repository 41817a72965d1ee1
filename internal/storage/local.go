package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Static errors for storage.
var (
	// ErrS3NotConfigured is returned by uploads when no bucket is configured.
	ErrS3NotConfigured = errors.New("S3 storage is not configured")
	// ErrOutsideWorkDir is returned for paths that do not belong to the storage.
	ErrOutsideWorkDir = errors.New("path is outside the work directory")
)

// Compile-time check that LocalStorage implements Storage.
var _ Storage = (*LocalStorage)(nil)

// LocalStorage implements Storage on a single work directory.
type LocalStorage struct {
	dir string
}

// NewLocalStorage creates the work directory if needed. An empty dir uses
// <os.TempDir>/reframe.
func NewLocalStorage(dir string) (*LocalStorage, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "reframe")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}
	return &LocalStorage{dir: filepath.Clean(dir)}, nil
}

// TempDir returns the work directory.
func (s *LocalStorage) TempDir() string {
	return s.dir
}

// SaveTemp writes data to <dir>/<base>_<random><ext>.
func (s *LocalStorage) SaveTemp(ctx context.Context, name string, data io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}

	f, err := os.CreateTemp(s.dir, tempPattern(name))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	path := f.Name()
	if _, err := io.Copy(f, readerWithContext(ctx, data)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return path, nil
}

// Open opens a file inside the work directory.
func (s *LocalStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	if !s.owns(path) {
		return nil, fmt.Errorf("%w: %s", ErrOutsideWorkDir, path)
	}

	f, err := os.Open(path) // #nosec G304 - path is confined to the work directory
	if err != nil {
		return nil, fmt.Errorf("open temp file: %w", err)
	}
	return f, nil
}

// Cleanup removes every path, continuing past failures and returning the
// first error.
func (s *LocalStorage) Cleanup(ctx context.Context, paths ...string) error {
	var firstErr error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}
		if !s.owns(p) {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: %s", ErrOutsideWorkDir, p)
			}
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove temp file %s: %w", p, err)
			}
		}
	}
	return firstErr
}

// UploadToS3 is not supported by LocalStorage.
func (s *LocalStorage) UploadToS3(_ context.Context, _, _ string, _ io.Reader) (string, error) {
	return "", ErrS3NotConfigured
}

func (s *LocalStorage) owns(path string) bool {
	rel, err := filepath.Rel(s.dir, filepath.Clean(path))
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// tempPattern turns "My Clip.mov" into "My_Clip_*.mov".
func tempPattern(name string) string {
	name = filepath.Base(name)
	ext := filepath.Ext(name)
	base := strings.Map(safeRune, strings.TrimSuffix(name, ext))
	if base == "" || base == "." || base == "_" {
		base = "upload"
	}
	if ext == "." {
		ext = ""
	}
	return base + "_*" + strings.Map(safeRune, ext)
}

func safeRune(r rune) rune {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
		return r
	default:
		return '_'
	}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
