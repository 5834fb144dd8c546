package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/maauso/audiosculptor/internal/media"
)

// Static errors for storage operations.
var (
	// ErrS3NotConfigured is returned when publishing without an object store.
	ErrS3NotConfigured = errors.New("storage: S3 is not configured")
	// ErrOutsideDir is returned when a path does not belong to the storage directory.
	ErrOutsideDir = errors.New("storage: path outside storage directory")
)

// LocalStorage keeps files in a single directory on local disk.
type LocalStorage struct {
	dir string
}

// NewLocalStorage creates the directory if needed. An empty dir uses a
// subdirectory of os.TempDir().
func NewLocalStorage(dir string) (*LocalStorage, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "audiosculptor")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &LocalStorage{dir: dir}, nil
}

// Dir returns the storage directory.
func (s *LocalStorage) Dir() string {
	return s.dir
}

// Save writes blob to <dir>/<name>_<random>.<type>.
func (s *LocalStorage) Save(ctx context.Context, name string, blob media.Blob) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("context cancelled: %w", err)
	}

	f, err := os.CreateTemp(s.dir, name+"_*."+string(blob.Type))
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}

	path := f.Name()
	if _, err := io.Copy(f, bytes.NewReader(blob.Data)); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close file: %w", err)
	}
	return path, nil
}

// Open returns a reader over a file saved by s.
func (s *LocalStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}
	if !s.owns(path) {
		return nil, fmt.Errorf("%w: %s", ErrOutsideDir, path)
	}

	f, err := os.Open(path) // #nosec G304 - path is confined to the storage directory
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Cleanup removes paths, returning the first error encountered.
func (s *LocalStorage) Cleanup(ctx context.Context, paths []string) error {
	var firstErr error
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context cancelled: %w", err)
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return firstErr
}

// Publish is not supported by LocalStorage.
func (s *LocalStorage) Publish(context.Context, string, media.Blob) (string, error) {
	return "", ErrS3NotConfigured
}

func (s *LocalStorage) owns(path string) bool {
	rel, err := filepath.Rel(s.dir, filepath.Clean(path))
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
