package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/apphub-core/platform/internal/apherr"
)

func TestDefinitionUpsertBumpsVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.Definitions().Upsert(ctx, JobDefinition{Slug: "ingest-orders", Name: "v1"})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("expected version 1, got %d", first.Version)
	}

	second, err := s.Definitions().Upsert(ctx, JobDefinition{Slug: "ingest-orders", Name: "v2"})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("expected version 2, got %d", second.Version)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at should be preserved across upserts")
	}
}

func TestRunUpdateOptimisticConcurrency(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	run, err := s.Runs().Create(ctx, JobRun{ID: "run-1", DefinitionSlug: "ingest-orders", Status: RunPending})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	stale := run.UpdatedAt.Add(-time.Minute)
	_, err = s.Runs().Update(ctx, run.ID, &stale, func(r *JobRun) { r.Status = RunRunning })
	if err == nil {
		t.Fatal("expected concurrent update error")
	}
	if apherr.KindOf(err) != apherr.KindConcurrentUpdate {
		t.Fatalf("expected KindConcurrentUpdate, got %v", apherr.KindOf(err))
	}

	updated, err := s.Runs().Update(ctx, run.ID, &run.UpdatedAt, func(r *JobRun) { r.Status = RunRunning })
	if err != nil {
		t.Fatalf("update with correct ifMatch: %v", err)
	}
	if updated.Status != RunRunning {
		t.Fatalf("expected status running, got %s", updated.Status)
	}
}

func TestDefinitionListPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		slug := string(rune('a' + i))
		if _, err := s.Definitions().Upsert(ctx, JobDefinition{Slug: slug, Name: slug}); err != nil {
			t.Fatalf("upsert %s: %v", slug, err)
		}
	}

	page, err := s.Definitions().List(ctx, "", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected 2 items and a cursor, got %d items cursor=%q", len(page.Items), page.NextCursor)
	}

	seen := map[string]bool{page.Items[0].Slug: true, page.Items[1].Slug: true}
	cursor := page.NextCursor
	for {
		p, err := s.Definitions().List(ctx, cursor, 2)
		if err != nil {
			t.Fatalf("list page: %v", err)
		}
		for _, it := range p.Items {
			if seen[it.Slug] {
				t.Fatalf("slug %s returned twice across pages", it.Slug)
			}
			seen[it.Slug] = true
		}
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	if len(seen) != 5 {
		t.Fatalf("expected all 5 slugs visited, got %d", len(seen))
	}
}

func TestManifestPublishSupersedesPrior(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ds, err := s.Datasets().Create(ctx, Dataset{ID: "ds1", Slug: "orders", WriteFormat: "parquet"})
	if err != nil {
		t.Fatalf("create dataset: %v", err)
	}

	m1, err := s.Manifests().Insert(ctx, DatasetManifest{ID: "m1", DatasetID: ds.ID, ManifestShard: "default", Version: 1})
	if err != nil {
		t.Fatalf("insert m1: %v", err)
	}
	if _, err := s.Manifests().Publish(ctx, m1.ID); err != nil {
		t.Fatalf("publish m1: %v", err)
	}

	m2, err := s.Manifests().Insert(ctx, DatasetManifest{ID: "m2", DatasetID: ds.ID, ManifestShard: "default", Version: 2})
	if err != nil {
		t.Fatalf("insert m2: %v", err)
	}
	if _, err := s.Manifests().Publish(ctx, m2.ID); err != nil {
		t.Fatalf("publish m2: %v", err)
	}

	published, ok, err := s.Manifests().GetPublished(ctx, ds.ID, "default")
	if err != nil || !ok {
		t.Fatalf("get published: ok=%v err=%v", ok, err)
	}
	if published.ID != "m2" {
		t.Fatalf("expected m2 published, got %s", published.ID)
	}

	supersededM1, err := s.Manifests().Get(ctx, "m1")
	if err != nil {
		t.Fatalf("get m1: %v", err)
	}
	if supersededM1.Status != ManifestSuperseded {
		t.Fatalf("expected m1 superseded, got %s", supersededM1.Status)
	}
}

func TestPartitionInsertRejectsDuplicateIngestionSignature(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sig := "sig-1"

	if _, err := s.Partitions().Insert(ctx, "m1", []DatasetPartition{{ID: "p1", IngestionSignature: &sig}}); err != nil {
		t.Fatalf("first insert: %v", err)
	}

	_, err := s.Partitions().Insert(ctx, "m1", []DatasetPartition{{ID: "p2", IngestionSignature: &sig}})
	if err == nil {
		t.Fatal("expected duplicate ingestion signature error")
	}
	if apherr.KindOf(err) != apherr.KindDuplicate {
		t.Fatalf("expected KindDuplicate, got %v", apherr.KindOf(err))
	}
}

func TestBundlePublishIdempotentOnSameChecksum(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	bv := BundleVersion{Slug: "etl-orders", Version: "1.0.0", Checksum: "abc123"}
	first, err := s.Bundles().Publish(ctx, bv)
	if err != nil {
		t.Fatalf("first publish: %v", err)
	}
	second, err := s.Bundles().Publish(ctx, bv)
	if err != nil {
		t.Fatalf("idempotent republish: %v", err)
	}
	if !first.CreatedAt.Equal(second.CreatedAt) {
		t.Fatalf("expected same row returned on idempotent republish")
	}

	conflicting := bv
	conflicting.Checksum = "different"
	_, err = s.Bundles().Publish(ctx, conflicting)
	if apherr.KindOf(err) != apherr.KindDuplicate {
		t.Fatalf("expected KindDuplicate for checksum mismatch, got %v", apherr.KindOf(err))
	}
}

func TestCursorRejectsTamperedInput(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.Definitions().List(ctx, "not-base64!!", 10)
	if apherr.KindOf(err) != apherr.KindInvalidCursor {
		t.Fatalf("expected KindInvalidCursor, got %v", apherr.KindOf(err))
	}
}
