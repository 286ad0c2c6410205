package dataset

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/metadata"
)

func seedDataset(t *testing.T, store metadata.Store) metadata.Dataset {
	t.Helper()
	ds, err := GetOrCreate(context.Background(), store, "sensor-readings", "columnar", "")
	require.NoError(t, err)
	return ds
}

func partitionAt(id string, start, end time.Time, signature string) metadata.DatasetPartition {
	size := int64(1024)
	return metadata.DatasetPartition{
		ID:                 id,
		FilePath:           "datasets/sensor-readings/default/1/" + id + ".parquet",
		FileSizeBytes:      &size,
		StartTime:          start,
		EndTime:            end,
		IngestionSignature: &signature,
		CreatedAt:          time.Now().UTC(),
	}
}

func TestPublishKeepsSinglePublishedManifestPerShard(t *testing.T) {
	store := metadata.NewMemoryStore()
	engine := NewEngine(store, nil, nil)
	ctx := context.Background()
	ds := seedDataset(t, store)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := engine.Publish(ctx, PublishInput{
			DatasetID:     ds.ID,
			ManifestShard: "default",
			Partitions: []metadata.DatasetPartition{
				partitionAt("p"+string(rune('a'+i)), base, base.Add(time.Hour), "sig-"+string(rune('a'+i))),
			},
		})
		require.NoError(t, err)
	}

	manifests, err := store.Manifests().ListByDataset(ctx, ds.ID)
	require.NoError(t, err)

	published := 0
	for _, m := range manifests {
		if m.Status == metadata.ManifestPublished {
			published++
			require.Equal(t, 3, m.Version)
		}
	}
	require.Equal(t, 1, published, "exactly one published manifest per (dataset, shard)")
}

func TestPublishVersionsAreMonotonicPerShard(t *testing.T) {
	store := metadata.NewMemoryStore()
	engine := NewEngine(store, nil, nil)
	ctx := context.Background()
	ds := seedDataset(t, store)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m1, err := engine.Publish(ctx, PublishInput{
		DatasetID: ds.ID, ManifestShard: "shard-a",
		Partitions: []metadata.DatasetPartition{partitionAt("p1", base, base.Add(time.Hour), "s1")},
	})
	require.NoError(t, err)
	require.Equal(t, 1, m1.Version)

	// A different shard starts its own version sequence.
	m2, err := engine.Publish(ctx, PublishInput{
		DatasetID: ds.ID, ManifestShard: "shard-b",
		Partitions: []metadata.DatasetPartition{partitionAt("p2", base, base.Add(time.Hour), "s2")},
	})
	require.NoError(t, err)
	require.Equal(t, 1, m2.Version)

	m3, err := engine.Publish(ctx, PublishInput{
		DatasetID: ds.ID, ManifestShard: "shard-a",
		Partitions: []metadata.DatasetPartition{partitionAt("p3", base, base.Add(time.Hour), "s3")},
	})
	require.NoError(t, err)
	require.Equal(t, 2, m3.Version)
}

func TestPublishRejectsDuplicateSignaturesInBatch(t *testing.T) {
	store := metadata.NewMemoryStore()
	engine := NewEngine(store, nil, nil)
	ctx := context.Background()
	ds := seedDataset(t, store)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := engine.Publish(ctx, PublishInput{
		DatasetID: ds.ID, ManifestShard: "default",
		Partitions: []metadata.DatasetPartition{
			partitionAt("p1", base, base.Add(time.Hour), "same-sig"),
			partitionAt("p2", base, base.Add(time.Hour), "same-sig"),
		},
	})
	require.Equal(t, apherr.KindDuplicate, apherr.KindOf(err))
}

func TestPartitionsBelongToExactlyOneManifest(t *testing.T) {
	store := metadata.NewMemoryStore()
	engine := NewEngine(store, nil, nil)
	ctx := context.Background()
	ds := seedDataset(t, store)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m1, err := engine.Publish(ctx, PublishInput{
		DatasetID: ds.ID, ManifestShard: "default",
		Partitions: []metadata.DatasetPartition{partitionAt("p1", base, base.Add(time.Hour), "s1")},
	})
	require.NoError(t, err)

	m2, err := engine.Publish(ctx, PublishInput{
		DatasetID: ds.ID, ManifestShard: "default",
		Partitions: []metadata.DatasetPartition{partitionAt("p2", base, base.Add(time.Hour), "s2")},
	})
	require.NoError(t, err)

	p1, err := store.Partitions().ListByManifest(ctx, m1.ID)
	require.NoError(t, err)
	p2, err := store.Partitions().ListByManifest(ctx, m2.ID)
	require.NoError(t, err)
	require.Len(t, p1, 1)
	require.Len(t, p2, 1)
	require.Equal(t, m1.ID, p1[0].ManifestID)
	require.Equal(t, m2.ID, p2[0].ManifestID)
	for _, p := range append(p1, p2...) {
		require.False(t, p.EndTime.Before(p.StartTime), "startTime <= endTime")
	}
}

func TestInvalidationBusFiresOnPublish(t *testing.T) {
	store := metadata.NewMemoryStore()
	bus := NewInvalidationBus()
	engine := NewEngine(store, nil, bus)
	ctx := context.Background()
	ds := seedDataset(t, store)

	var got []string
	bus.Subscribe(func(datasetID, shard string) { got = append(got, datasetID+"/"+shard) })

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := engine.Publish(ctx, PublishInput{
		DatasetID: ds.ID, ManifestShard: "default",
		Partitions: []metadata.DatasetPartition{partitionAt("p1", base, base.Add(time.Hour), "s1")},
	})
	require.NoError(t, err)
	require.Equal(t, []string{ds.ID + "/default"}, got)
}
