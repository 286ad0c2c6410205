// Package objectstore provides a narrow content-addressed blob abstraction over the backends
// bundle artifacts and dataset partitions live in: local filesystem for single-node/dev
// deployments and S3-compatible storage for production.
package objectstore

import (
	"context"
	"io"
)

// Store puts and gets content-addressed objects by key. Keys are caller-chosen (typically a
// sha256-prefixed path) and stores never mutate existing keys in place.
type Store interface {
	// Put uploads size bytes from r under key. Implementations must not assume r is seekable.
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Get opens key for streaming read. Callers must Close the returned reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Exists reports whether key is present without downloading it.
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Used by lifecycle retention/compaction to physically remove
	// superseded partition files after the replacement manifest is published.
	Delete(ctx context.Context, key string) error
	// Backend identifies the store for BundleVersion.ArtifactStorage ("filesystem" | "s3").
	Backend() string
}
