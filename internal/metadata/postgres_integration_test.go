//go:build integration

package metadata_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/metadata/migrations"
)

// setupPostgres starts a PostgreSQL container, applies the embedded migrations, and returns a
// Store backed by it.
func setupPostgres(t *testing.T) metadata.Store {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	url := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())

	runner, err := migrations.NewRunner(url, "schema_migrations")
	require.NoError(t, err)
	require.NoError(t, runner.Up())
	require.NoError(t, runner.Close())

	db, err := gorm.Open(gormpostgres.Open(url), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return metadata.NewPostgresStore(db)
}

func seedDataset(t *testing.T, store metadata.Store) metadata.Dataset {
	t.Helper()
	ds, err := store.Datasets().Create(context.Background(), metadata.Dataset{
		ID:          uuid.NewString(),
		Slug:        "it-" + uuid.NewString(),
		Name:        "integration",
		Status:      metadata.DatasetActive,
		WriteFormat: "columnar",
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	return ds
}

func seedManifest(t *testing.T, store metadata.Store, datasetID string) metadata.DatasetManifest {
	t.Helper()
	ctx := context.Background()
	m, err := store.Manifests().Insert(ctx, metadata.DatasetManifest{
		ID:            uuid.NewString(),
		DatasetID:     datasetID,
		Version:       1,
		Status:        metadata.ManifestDraft,
		ManifestShard: "default",
		CreatedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	return m
}

func TestPostgresPartitionInsertRejectsDuplicateID(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	datasetID := seedDataset(t, store).ID

	first := seedManifest(t, store, datasetID)
	p := metadata.DatasetPartition{
		ID:           uuid.NewString(),
		DatasetID:    datasetID,
		PartitionKey: metadata.PartitionKey{{Name: "date", Value: "2024-01-01"}},
		FileFormat:   "parquet",
		FilePath:     "datasets/demo/default/1/p.parquet",
		StartTime:    time.Now().UTC().Add(-time.Hour),
		EndTime:      time.Now().UTC(),
	}
	_, err := store.Partitions().Insert(ctx, first.ID, []metadata.DatasetPartition{p})
	require.NoError(t, err)

	// Re-inserting the same row under a second manifest must fail on the primary key: the
	// superseded manifest keeps its own partition rows.
	second := seedManifest(t, store, datasetID)
	_, err = store.Partitions().Insert(ctx, second.ID, []metadata.DatasetPartition{p})
	require.Error(t, err)

	kept, err := store.Partitions().ListByManifest(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, kept, 1, "first manifest retains its partition reference")
}

func TestPostgresManifestPublishKeepsSingleton(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	datasetID := seedDataset(t, store).ID

	first := seedManifest(t, store, datasetID)
	_, err := store.Manifests().Publish(ctx, first.ID)
	require.NoError(t, err)

	second := seedManifest(t, store, datasetID)
	_, err = store.Manifests().Publish(ctx, second.ID)
	require.NoError(t, err)

	published, ok, err := store.Manifests().GetPublished(ctx, datasetID, "default")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, second.ID, published.ID)

	superseded, err := store.Manifests().Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.ManifestSuperseded, superseded.Status)
}

func TestPostgresIngestionReserveArbitratesConcurrentClaims(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	datasetID := seedDataset(t, store).ID

	const claimants = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Ingestion().Reserve(ctx, datasetID, "req-1")
			if err == nil {
				wins <- struct{}{}
				return
			}
			if apherr.KindOf(err) != apherr.KindDuplicate {
				t.Errorf("unexpected reserve error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	require.Equal(t, 1, won, "exactly one concurrent claimant wins the reservation")

	require.NoError(t, store.Ingestion().Complete(ctx, metadata.IngestionRecord{
		DatasetID:      datasetID,
		IdempotencyKey: "req-1",
		PartitionID:    "p-1",
		ManifestID:     "m-1",
	}))
	rec, ok, err := store.Ingestion().Lookup(ctx, datasetID, "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "m-1", rec.ManifestID)

	// Releasing frees the key for a fresh claim.
	require.NoError(t, store.Ingestion().Release(ctx, datasetID, "req-1"))
	require.NoError(t, store.Ingestion().Reserve(ctx, datasetID, "req-1"))
}
