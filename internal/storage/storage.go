// Package storage keeps the media produced by edit jobs: on local disk while
// a job is alive, and optionally published to S3 for download.
package storage

import (
	"context"
	"io"

	"github.com/maauso/audiosculptor/internal/media"
)

// Storage defines where edit results are kept.
type Storage interface {
	// Save writes blob to a local file named after name and its media type,
	// and returns the file path.
	Save(ctx context.Context, name string, blob media.Blob) (path string, err error)

	// Open returns a reader over a saved file. The caller closes it.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Cleanup removes saved files. It continues past individual failures.
	Cleanup(ctx context.Context, paths []string) error

	// Publish uploads blob under key and returns its public URL.
	// Returns ErrS3NotConfigured when no object store is configured.
	Publish(ctx context.Context, key string, blob media.Blob) (url string, err error)
}

// Key returns the object key for the output of job id.
func Key(id string, t media.Type) string {
	return "edits/" + t.FileName(id)
}
