package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/apphub-core/platform/internal/ingest"
	"github.com/apphub-core/platform/internal/metadata"
)

// TableDescriptor names a relational table eligible for postgres_migration: it carries a
// dataset_id column and one of created_at/updated_at/started_at as its aging column.
type TableDescriptor struct {
	Name       string
	TimeColumn string
}

// RelationalSource abstracts the relational backend postgres_migration reads aged rows from,
// narrowed to the two read-only operations this lifecycle operation needs.
type RelationalSource interface {
	// DiscoverTables lists tables carrying dataset_id plus a recognized time column.
	DiscoverTables(ctx context.Context) ([]TableDescriptor, error)
	// ReadAged returns up to limit rows for datasetID in table with TimeColumn >= since and
	// < cutoff, ordered ascending by TimeColumn, plus the TimeColumn value of the last row
	// returned (the new watermark). Returns zero rows and a zero time when nothing qualifies.
	ReadAged(ctx context.Context, table TableDescriptor, datasetID string, since, cutoff time.Time, limit int) ([]map[string]any, time.Time, error)
}

const postgresMigrationBatchSize = 1000

// runPostgresMigration reads, for each discovered table, rows older than
// now-maxAgeHours-grace since the last watermark, writes them into the columnar backend via
// the ingestion pipeline, and advances the watermark; re-runs resume from it. The aging
// threshold reuses the dataset's RetentionPolicy rather than inventing a parallel config
// surface.
func (e *Engine) runPostgresMigration(ctx context.Context, datasetID string, current metadata.DatasetManifest) (metadata.DatasetManifest, ChunkSample, error) {
	if e.Relational == nil || e.Ingest == nil {
		return current, ChunkSample{}, nil
	}

	policy, ok, err := e.Store.Retention().Get(ctx, datasetID)
	if err != nil {
		return current, ChunkSample{}, err
	}
	if !ok || policy.Rules.MaxAgeHours == nil {
		return current, ChunkSample{}, nil
	}
	grace := 0
	if policy.DeleteGraceMinutes != nil {
		grace = *policy.DeleteGraceMinutes
	}
	cutoff := time.Now().UTC().
		Add(-time.Duration(*policy.Rules.MaxAgeHours * float64(time.Hour))).
		Add(-time.Duration(grace) * time.Minute)

	ds, err := e.Store.Datasets().GetByID(ctx, datasetID)
	if err != nil {
		return current, ChunkSample{}, err
	}

	tables, err := e.Relational.DiscoverTables(ctx)
	if err != nil {
		return current, ChunkSample{}, err
	}

	var totalRows int
	for _, table := range tables {
		since := time.Time{}
		if wm, found, err := e.Store.Lifecycle().GetWatermark(ctx, datasetID, table.Name); err == nil && found {
			since = wm.WatermarkTimestamp
		}

		for {
			rows, newWatermark, err := e.Relational.ReadAged(ctx, table, datasetID, since, cutoff, postgresMigrationBatchSize)
			if err != nil {
				return current, ChunkSample{}, fmt.Errorf("read aged rows from %s: %w", table.Name, err)
			}
			if len(rows) == 0 {
				break
			}

			if _, err := e.Ingest.Ingest(ctx, ds.Slug, ingest.Body{
				Rows:      rows,
				TableName: table.Name,
				Actor:     "lifecycle.postgres_migration",
			}); err != nil {
				return current, ChunkSample{}, fmt.Errorf("migrate rows from %s: %w", table.Name, err)
			}

			if err := e.Store.Lifecycle().SetWatermark(ctx, metadata.Watermark{
				DatasetID:          datasetID,
				TableName:          table.Name,
				WatermarkTimestamp: newWatermark,
			}); err != nil {
				return current, ChunkSample{}, fmt.Errorf("set watermark for %s: %w", table.Name, err)
			}
			since = newWatermark
			totalRows += len(rows)

			if len(rows) < postgresMigrationBatchSize {
				break
			}
		}
	}

	_, published, hasManifest, err := e.latestManifest(ctx, datasetID)
	if err != nil {
		return current, ChunkSample{}, err
	}
	if !hasManifest {
		published = current
	}

	e.audit(ctx, datasetID, "postgres_migration.batch", map[string]any{"rowsMigrated": totalRows})
	return published, ChunkSample{ID: datasetID, Partitions: totalRows}, nil
}
