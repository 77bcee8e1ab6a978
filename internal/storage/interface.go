package storage

import (
	"context"
	"io"
)

// ObjectStorage is the interface for the object store that mirrors product
// images. Failures here are per-image concerns for the pipeline; nothing in
// this interface is allowed to block a product from being stored.
type ObjectStorage interface {
	// Upload uploads an object to storage
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download downloads an object from storage
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the public URL for accessing an object
	GetURL(key string) string

	// Delete deletes an object from storage
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// EnsureBucket creates the bucket if it does not exist
	EnsureBucket(ctx context.Context) error
}
