package objectstore

import (
	"context"
	"fmt"

	"github.com/apphub-core/platform/internal/config"
)

// New selects a Store backend: "filesystem" (default, rooted at cfg.Bundles.StorageDir) or
// "s3" (cfg.S3).
func New(ctx context.Context, backend string, cfg config.Config) (Store, error) {
	switch backend {
	case "", "filesystem":
		return NewFilesystemStore(cfg.Bundles.StorageDir)
	case "s3":
		return NewS3Store(ctx, S3Config{Bucket: cfg.S3.Bucket, Endpoint: cfg.S3.Endpoint, Region: cfg.S3.Region})
	default:
		return nil, fmt.Errorf("unknown object store backend %q", backend)
	}
}
