package bundle

import (
	"bytes"
	"context"
	"testing"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/metadata"
)

func newTestRegistry(t *testing.T) (*Registry, *memObjects) {
	t.Helper()
	return NewRegistry(metadata.NewMemoryStore().Bundles(), newMemObjects()), newMemObjects()
}

func TestPublishIsIdempotentOnSameArtifact(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	artifact := []byte("fake tar.gz bytes")

	in := PublishInput{Slug: "ingest-orders", Version: "1.0.0", Manifest: []byte(`{"entryPoint":"main.lua"}`)}
	first, err := reg.Publish(ctx, in, bytes.NewReader(artifact))
	if err != nil {
		t.Fatalf("first publish: %v", err)
	}

	second, err := reg.Publish(ctx, in, bytes.NewReader(artifact))
	if err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if second.Checksum != first.Checksum {
		t.Fatalf("expected identical checksum on idempotent republish")
	}
}

func TestPublishRejectsChecksumMismatchForSameVersion(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	in := PublishInput{Slug: "ingest-orders", Version: "1.0.0"}

	if _, err := reg.Publish(ctx, in, bytes.NewReader([]byte("v1 bytes"))); err != nil {
		t.Fatalf("publish v1: %v", err)
	}
	_, err := reg.Publish(ctx, in, bytes.NewReader([]byte("different bytes")))
	if apherr.KindOf(err) != apherr.KindDuplicate {
		t.Fatalf("expected KindDuplicate, got %v", err)
	}
}

func TestNextVersionBumpsPatch(t *testing.T) {
	next, err := NextVersion("1.2.3")
	if err != nil {
		t.Fatalf("next version: %v", err)
	}
	if next != "1.2.4" {
		t.Fatalf("expected 1.2.4, got %s", next)
	}
}

func TestNextVersionRejectsMalformedBase(t *testing.T) {
	if _, err := NextVersion("not-a-version"); err == nil {
		t.Fatal("expected error for malformed base version")
	}
}
