package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/dataset"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/objectstore"
)

func newTestPipeline(t *testing.T) (*Pipeline, metadata.Store) {
	t.Helper()
	store := metadata.NewMemoryStore()
	objects, err := objectstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	engine := dataset.NewEngine(store, nil, nil)
	return NewPipeline(store, objects, engine, nil), store
}

func demoBody(idempotencyKey string) Body {
	return Body{
		Schema: SchemaInput{Fields: []metadata.Field{
			{Name: "timestamp", Type: metadata.FieldTimestamp},
			{Name: "v", Type: metadata.FieldDouble},
		}},
		Partition: Partition{
			Key: metadata.PartitionKey{{Name: "date", Value: "2024-01-01"}},
			TimeRange: TimeRange{
				Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				End:   time.Date(2024, 1, 1, 23, 59, 59, 0, time.UTC),
			},
		},
		Rows:           []map[string]any{{"timestamp": "2024-01-01T00:00:00Z", "v": 1.5}},
		IdempotencyKey: idempotencyKey,
	}
}

func TestIngestPublishesFirstManifestVersion(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()

	result, err := p.Ingest(ctx, "demo", demoBody(""))
	require.NoError(t, err)
	require.NotEmpty(t, result.ManifestID)
	require.NotEmpty(t, result.PartitionID)

	m, err := store.Manifests().Get(ctx, result.ManifestID)
	require.NoError(t, err)
	require.Equal(t, 1, m.Version)
	require.Equal(t, metadata.ManifestPublished, m.Status)
	require.Equal(t, int64(1), m.TotalRows)

	partitions, err := store.Partitions().ListByManifest(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, partitions, 1)
	require.NotNil(t, partitions[0].ColumnStatistics)
	require.NotEmpty(t, partitions[0].ColumnBloomFilters["v"])
}

func TestIngestIdempotencyProducesOnePartition(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()

	first, err := p.Ingest(ctx, "demo", demoBody("req-42"))
	require.NoError(t, err)

	// Retries with the same key short-circuit to the prior result.
	for i := 0; i < 3; i++ {
		again, err := p.Ingest(ctx, "demo", demoBody("req-42"))
		require.NoError(t, err)
		require.Equal(t, first.PartitionID, again.PartitionID)
		require.Equal(t, first.ManifestID, again.ManifestID)
	}

	ds, err := store.Datasets().GetBySlug(ctx, "demo")
	require.NoError(t, err)
	manifests, err := store.Manifests().ListByDataset(ctx, ds.ID)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
}

func TestIngestConcurrentIdempotencyKeyProducesOnePartition(t *testing.T) {
	p, store := newTestPipeline(t)
	ctx := context.Background()
	_, err := dataset.GetOrCreate(ctx, store, "demo", "columnar", "")
	require.NoError(t, err)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Ingest(ctx, "demo", demoBody("req-concurrent"))
		}(i)
	}
	wg.Wait()

	// Exactly one caller wins the reservation and publishes; every other caller either
	// replays the winner's result or is told the key is already claimed. Never two partitions.
	var winner string
	for i := range results {
		if errs[i] != nil {
			require.Equal(t, apherr.KindDuplicate, apherr.KindOf(errs[i]))
			continue
		}
		if winner == "" {
			winner = results[i].PartitionID
		}
		require.Equal(t, winner, results[i].PartitionID)
	}
	require.NotEmpty(t, winner)

	ds, err := store.Datasets().GetBySlug(ctx, "demo")
	require.NoError(t, err)
	manifests, err := store.Manifests().ListByDataset(ctx, ds.ID)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
}

func TestIngestFailureReleasesIdempotencyKey(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	bad := demoBody("req-retry")
	bad.Rows = []map[string]any{{"timestamp": "2024-01-01T00:00:00Z", "v": "not-a-number"}}
	_, err := p.Ingest(ctx, "demo", bad)
	require.Equal(t, apherr.KindValidation, apherr.KindOf(err))

	// The failed attempt released its reservation, so a corrected retry with the same key
	// succeeds rather than reporting the key as claimed.
	result, err := p.Ingest(ctx, "demo", demoBody("req-retry"))
	require.NoError(t, err)
	require.NotEmpty(t, result.PartitionID)
}

func TestIngestRejectsRowTypeMismatch(t *testing.T) {
	p, _ := newTestPipeline(t)
	body := demoBody("")
	body.Rows = []map[string]any{{"timestamp": "2024-01-01T00:00:00Z", "v": "not-a-number"}}

	_, err := p.Ingest(context.Background(), "demo", body)
	require.Equal(t, apherr.KindValidation, apherr.KindOf(err))
}

func TestIngestRejectsIncompatibleSchemaChange(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Ingest(ctx, "demo", demoBody(""))
	require.NoError(t, err)

	body := demoBody("")
	body.Schema.Fields = []metadata.Field{
		{Name: "timestamp", Type: metadata.FieldTimestamp},
		{Name: "v", Type: metadata.FieldBoolean},
	}
	body.Rows = []map[string]any{{"timestamp": "2024-01-01T01:00:00Z", "v": true}}
	_, err = p.Ingest(ctx, "demo", body)
	require.Equal(t, apherr.KindSchemaIncompat, apherr.KindOf(err))
}

func TestIngestAcceptsIntegerRowsFromInternalProducers(t *testing.T) {
	p, _ := newTestPipeline(t)
	body := demoBody("")
	body.Schema.Fields = []metadata.Field{
		{Name: "timestamp", Type: metadata.FieldTimestamp},
		{Name: "v", Type: metadata.FieldInteger},
	}
	body.Rows = []map[string]any{{"timestamp": "2024-01-01T00:00:00Z", "v": int64(7)}}

	_, err := p.Ingest(context.Background(), "demo", body)
	require.NoError(t, err)
}

func TestMightContain(t *testing.T) {
	stats, blooms := computeColumnStatistics(
		[]metadata.Field{{Name: "host", Type: metadata.FieldString}},
		[]map[string]any{{"host": "alpha"}, {"host": "beta"}},
	)
	require.Equal(t, "alpha", *stats["host"].Min)
	require.Equal(t, "beta", *stats["host"].Max)
	require.True(t, MightContain(blooms["host"], "alpha"))
	// A value the filter never saw is almost always excluded; pick one whose hash position
	// differs from both inserted values.
	require.False(t, MightContain(blooms["host"], "definitely-absent-value-xyz"))
}
