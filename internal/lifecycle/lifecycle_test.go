package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/apphub-core/platform/internal/dataset"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/objectstore"
	"github.com/apphub-core/platform/internal/platformlog"
)

type fixture struct {
	store   metadata.Store
	objects objectstore.Store
	ds      metadata.Dataset
	dsEng   *dataset.Engine
	engine  *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := metadata.NewMemoryStore()
	objects, err := objectstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	ds, err := dataset.GetOrCreate(context.Background(), store, "metrics", "columnar", "")
	require.NoError(t, err)
	dsEng := dataset.NewEngine(store, nil, nil)
	log := platformlog.New(platformlog.Config{Level: "error", Format: "text", Service: "test"})
	engine := NewEngine(store, dsEng, objects, log, nil, nil, nil, nil)
	return &fixture{store: store, objects: objects, ds: ds, dsEng: dsEng, engine: engine}
}

// publishPartition writes a physical row file and publishes a manifest version containing every
// partition in parts.
func (f *fixture) publish(t *testing.T, parts ...metadata.DatasetPartition) metadata.DatasetManifest {
	t.Helper()
	ctx := context.Background()
	for _, p := range parts {
		payload, _ := json.Marshal([]map[string]any{{"v": 1.0}})
		require.NoError(t, f.objects.Put(ctx, p.FilePath, bytes.NewReader(payload), int64(len(payload))))
	}
	m, err := f.dsEng.Publish(ctx, dataset.PublishInput{
		DatasetID:     f.ds.ID,
		ManifestShard: "default",
		Partitions:    parts,
	})
	require.NoError(t, err)
	return m
}

func agedPartition(age time.Duration, sizeBytes int64) metadata.DatasetPartition {
	id := uuid.NewString()
	sig := "sig-" + id
	end := time.Now().UTC().Add(-age)
	return metadata.DatasetPartition{
		ID:                 id,
		FilePath:           "datasets/metrics/default/" + id + ".parquet",
		FileSizeBytes:      &sizeBytes,
		StartTime:          end.Add(-time.Hour),
		EndTime:            end,
		IngestionSignature: &sig,
		CreatedAt:          time.Now().UTC(),
	}
}

func (f *fixture) runJob(t *testing.T, kinds ...metadata.LifecycleOperationKind) (metadata.LifecycleJobRun, error) {
	t.Helper()
	ops := make([]metadata.LifecycleOperation, len(kinds))
	for i, k := range kinds {
		ops[i] = metadata.LifecycleOperation{Kind: k, Status: metadata.RunPending}
	}
	created, err := f.store.Lifecycle().Create(context.Background(), metadata.LifecycleJobRun{
		ID:            uuid.NewString(),
		JobKind:       "test",
		DatasetID:     &f.ds.ID,
		Operations:    ops,
		TriggerSource: metadata.TriggerManual,
		Status:        metadata.RunPending,
	})
	require.NoError(t, err)
	return f.engine.Run(context.Background(), created)
}

func TestRetentionDropsAgedPartitionAndDeletesFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	maxAge := 1.0
	grace := 0
	_, err := f.store.Retention().Upsert(ctx, metadata.RetentionPolicy{
		DatasetID:          f.ds.ID,
		Mode:               metadata.RetentionTime,
		Rules:              metadata.RetentionRules{MaxAgeHours: &maxAge},
		DeleteGraceMinutes: &grace,
	})
	require.NoError(t, err)

	aged := agedPartition(2*time.Hour, 1024)
	fresh := agedPartition(10*time.Minute, 1024)
	f.publish(t, aged, fresh)

	result, err := f.runJob(t, metadata.LifecycleRetention)
	require.NoError(t, err)
	require.Equal(t, metadata.RunSucceeded, result.Status)

	published, ok, err := f.store.Manifests().GetPublished(ctx, f.ds.ID, "default")
	require.NoError(t, err)
	require.True(t, ok)
	remaining, err := f.store.Partitions().ListByManifest(ctx, published.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, *fresh.IngestionSignature, *remaining[0].IngestionSignature)

	exists, err := f.objects.Exists(ctx, aged.FilePath)
	require.NoError(t, err)
	require.False(t, exists, "aged partition file must be physically deleted")

	stillThere, err := f.objects.Exists(ctx, fresh.FilePath)
	require.NoError(t, err)
	require.True(t, stillThere)
}

func TestRetentionRespectsDeleteGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The partition ended 2h ago, 1h past maxAge's cutoff boundary but within the grace window.
	maxAge := 1.0
	grace := 120
	_, err := f.store.Retention().Upsert(ctx, metadata.RetentionPolicy{
		DatasetID:          f.ds.ID,
		Mode:               metadata.RetentionTime,
		Rules:              metadata.RetentionRules{MaxAgeHours: &maxAge},
		DeleteGraceMinutes: &grace,
	})
	require.NoError(t, err)

	p := agedPartition(2*time.Hour, 1024)
	f.publish(t, p)

	result, err := f.runJob(t, metadata.LifecycleRetention)
	require.NoError(t, err)
	require.Equal(t, metadata.RunSucceeded, result.Status)

	exists, err := f.objects.Exists(ctx, p.FilePath)
	require.NoError(t, err)
	require.True(t, exists, "grace window must defer physical deletion")
}

func TestRetentionSizeRuleEvictsOldestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	maxBytes := int64(1500)
	_, err := f.store.Retention().Upsert(ctx, metadata.RetentionPolicy{
		DatasetID: f.ds.ID,
		Mode:      metadata.RetentionSize,
		Rules:     metadata.RetentionRules{MaxTotalBytes: &maxBytes},
	})
	require.NoError(t, err)

	oldest := agedPartition(72*time.Hour, 1024)
	newest := agedPartition(time.Hour, 1024)
	f.publish(t, oldest, newest)

	_, err = f.runJob(t, metadata.LifecycleRetention)
	require.NoError(t, err)

	published, _, err := f.store.Manifests().GetPublished(ctx, f.ds.ID, "default")
	require.NoError(t, err)
	remaining, err := f.store.Partitions().ListByManifest(ctx, published.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	require.Equal(t, *newest.IngestionSignature, *remaining[0].IngestionSignature)
}

func TestRetentionClonesSurvivorsAndSupersededManifestKeepsRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	maxAge := 1.0
	_, err := f.store.Retention().Upsert(ctx, metadata.RetentionPolicy{
		DatasetID: f.ds.ID,
		Mode:      metadata.RetentionTime,
		Rules:     metadata.RetentionRules{MaxAgeHours: &maxAge},
	})
	require.NoError(t, err)

	aged := agedPartition(3*time.Hour, 1024)
	s1 := agedPartition(10*time.Minute, 1024)
	s2 := agedPartition(20*time.Minute, 1024)
	before := f.publish(t, aged, s1, s2)

	result, err := f.runJob(t, metadata.LifecycleRetention)
	require.NoError(t, err)
	require.Equal(t, metadata.RunSucceeded, result.Status)

	published, ok, err := f.store.Manifests().GetPublished(ctx, f.ds.ID, "default")
	require.NoError(t, err)
	require.True(t, ok)
	remaining, err := f.store.Partitions().ListByManifest(ctx, published.ID)
	require.NoError(t, err)
	require.Len(t, remaining, 2)

	// Survivors are re-published under fresh IDs but keep their file paths/signatures.
	survivorPaths := map[string]bool{s1.FilePath: true, s2.FilePath: true}
	for _, p := range remaining {
		require.True(t, survivorPaths[p.FilePath])
		require.NotEqual(t, s1.ID, p.ID)
		require.NotEqual(t, s2.ID, p.ID)
	}

	// The superseded manifest retains all of its own partition rows.
	previous, err := f.store.Partitions().ListByManifest(ctx, before.ID)
	require.NoError(t, err)
	require.Len(t, previous, 3)
}

func TestCompactionThreadsChunksAcrossManifestVersions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 4 x 100 MiB against the 256 MiB budget forms two chunks of two; the second chunk's
	// manifest must carry the first chunk's replacement partition, not its originals.
	size := int64(100 << 20)
	p1 := agedPartition(5*time.Hour, size)
	p2 := agedPartition(4*time.Hour, size)
	p3 := agedPartition(3*time.Hour, size)
	p4 := agedPartition(2*time.Hour, size)
	f.publish(t, p1, p2, p3, p4)

	result, err := f.runJob(t, metadata.LifecycleCompaction)
	require.NoError(t, err)
	require.Equal(t, metadata.RunSucceeded, result.Status)

	published, ok, err := f.store.Manifests().GetPublished(ctx, f.ds.ID, "default")
	require.NoError(t, err)
	require.True(t, ok)
	merged, err := f.store.Partitions().ListByManifest(ctx, published.ID)
	require.NoError(t, err)
	require.Len(t, merged, 2)

	originalPaths := map[string]bool{p1.FilePath: true, p2.FilePath: true, p3.FilePath: true, p4.FilePath: true}
	for _, p := range merged {
		require.False(t, originalPaths[p.FilePath], "originals replaced by merged partitions")
		require.Equal(t, int64(200<<20), *p.FileSizeBytes)
	}

	for _, old := range []metadata.DatasetPartition{p1, p2, p3, p4} {
		exists, err := f.objects.Exists(ctx, old.FilePath)
		require.NoError(t, err)
		require.False(t, exists)
	}
}

func TestRetentionWritesAuditEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	maxAge := 1.0
	_, err := f.store.Retention().Upsert(ctx, metadata.RetentionPolicy{
		DatasetID: f.ds.ID,
		Mode:      metadata.RetentionTime,
		Rules:     metadata.RetentionRules{MaxAgeHours: &maxAge},
	})
	require.NoError(t, err)

	f.publish(t, agedPartition(3*time.Hour, 1024))
	_, err = f.runJob(t, metadata.LifecycleRetention)
	require.NoError(t, err)

	entries, err := f.store.Audit().ListLifecycle(ctx, f.ds.ID, 100)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.EventType == "retention.drop" {
			found = true
		}
	}
	require.True(t, found, "expected a retention.drop audit entry, got %v", entries)
}

func TestCompactionMergesPartitionsAndRemovesOldFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p1 := agedPartition(3*time.Hour, 512)
	p2 := agedPartition(2*time.Hour, 512)
	f.publish(t, p1, p2)

	result, err := f.runJob(t, metadata.LifecycleCompaction)
	require.NoError(t, err)
	require.Equal(t, metadata.RunSucceeded, result.Status)

	published, _, err := f.store.Manifests().GetPublished(ctx, f.ds.ID, "default")
	require.NoError(t, err)
	merged, err := f.store.Partitions().ListByManifest(ctx, published.ID)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	require.Equal(t, int64(1024), *merged[0].FileSizeBytes)
	require.False(t, merged[0].EndTime.Before(merged[0].StartTime))

	for _, old := range []metadata.DatasetPartition{p1, p2} {
		exists, err := f.objects.Exists(ctx, old.FilePath)
		require.NoError(t, err)
		require.False(t, exists)
	}
}

func TestOperationFailureAbortsRemainingOperations(t *testing.T) {
	f := newFixture(t)
	f.publish(t, agedPartition(time.Hour, 512), agedPartition(2*time.Hour, 512))

	boom := fmt.Errorf("synthetic failure")
	f.engine.Handlers["explode"] = func(ctx context.Context, datasetID string, current metadata.DatasetManifest) (metadata.DatasetManifest, ChunkSample, error) {
		return current, ChunkSample{}, boom
	}

	result, err := f.runJob(t, "explode", metadata.LifecycleCompaction)
	require.Error(t, err)
	require.Equal(t, metadata.RunFailed, result.Status)
	require.Equal(t, metadata.RunFailed, result.Operations[0].Status)
	// The compaction op after the failure must never have run.
	require.Equal(t, metadata.RunPending, result.Operations[1].Status)
	require.NotNil(t, result.Error)
}

func TestMetricsRingBufferCaps(t *testing.T) {
	var m Metrics
	for i := 0; i < ringBufferCap+50; i++ {
		m.recordSample(ChunkSample{ID: fmt.Sprintf("s-%d", i)})
	}
	require.Len(t, m.Samples, ringBufferCap)
	require.Equal(t, "s-50", m.Samples[0].ID)
}
