// Package bundle implements the bundle registry and content-addressed local cache: a
// gzipped tar archive containing a manifest plus source/compiled files, published once per
// (slug, version) and immutable thereafter.
package bundle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/objectstore"
)

// Registry publishes and resolves BundleVersion rows, storing artifacts content-addressed by
// checksum in an objectstore.Store.
type Registry struct {
	store   metadata.BundleStore
	objects objectstore.Store
}

// NewRegistry wires a BundleStore (row metadata) to an objectstore.Store (artifact bytes).
func NewRegistry(store metadata.BundleStore, objects objectstore.Store) *Registry {
	return &Registry{store: store, objects: objects}
}

// PublishInput carries the declared metadata accompanying an artifact upload.
type PublishInput struct {
	Slug            string
	Version         string
	Manifest        json.RawMessage
	CapabilityFlags []string
}

func artifactKey(slug, checksum string) string {
	return fmt.Sprintf("bundles/%s/%s.tar.gz", slug, checksum)
}

// Publish computes the artifact's SHA-256, uploads it content-addressed, and records the version
// row. Re-publishing the same (slug, version) with an identical checksum is idempotent; a
// different checksum is rejected since published versions are immutable.
func (r *Registry) Publish(ctx context.Context, in PublishInput, artifact io.Reader) (metadata.BundleVersion, error) {
	buf, err := io.ReadAll(artifact)
	if err != nil {
		return metadata.BundleVersion{}, apherr.Wrap(apherr.KindValidation, fmt.Errorf("read bundle artifact: %w", err))
	}
	sum := sha256.Sum256(buf)
	checksum := hex.EncodeToString(sum[:])
	key := artifactKey(in.Slug, checksum)

	exists, err := r.objects.Exists(ctx, key)
	if err != nil {
		return metadata.BundleVersion{}, apherr.Wrap(apherr.KindAcquireFailed, err)
	}
	if !exists {
		if err := r.objects.Put(ctx, key, bytes.NewReader(buf), int64(len(buf))); err != nil {
			return metadata.BundleVersion{}, apherr.Wrap(apherr.KindAcquireFailed, fmt.Errorf("store bundle artifact: %w", err))
		}
	}

	bv := metadata.BundleVersion{
		Slug:            in.Slug,
		Version:         in.Version,
		Manifest:        in.Manifest,
		Checksum:        checksum,
		CapabilityFlags: in.CapabilityFlags,
		ArtifactStorage: r.objects.Backend(),
		ArtifactPath:    key,
		ArtifactSize:    int64(len(buf)),
		Immutable:       true,
	}
	return r.store.Publish(ctx, bv)
}

// Resolve returns the published row for (slug, version).
func (r *Registry) Resolve(ctx context.Context, slug, version string) (metadata.BundleVersion, error) {
	return r.store.Resolve(ctx, slug, version)
}

// NextVersion computes the monotonic semantic-version bump for a base version. Versions must
// be dotted numeric triples (major.minor.patch); the patch component is incremented.
func NextVersion(base string) (string, error) {
	parts := strings.Split(base, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("base version %q is not major.minor.patch", base)
	}
	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", fmt.Errorf("base version %q has non-numeric patch: %w", base, err)
	}
	parts[2] = strconv.Itoa(patch + 1)
	return strings.Join(parts, "."), nil
}

// Deprecate marks a version as no longer eligible for new dispatches (existing running jobs are
// unaffected; does not require revoking in-flight acquisitions).
func (r *Registry) Deprecate(ctx context.Context, slug, version string) error {
	return r.store.Deprecate(ctx, slug, version)
}
