package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apphub-core/platform/internal/dataset"
	"github.com/apphub-core/platform/internal/metadata"
)

// ParquetExporter writes aged relational rows directly to object storage as parquet files.
// Some deployments run parquet_export instead of postgres_migration as the destination for
// aged rows: same discovery and watermark mechanics, different sink.
type ParquetExporter interface {
	Export(ctx context.Context, datasetID string, table TableDescriptor, rows []map[string]any) (path string, bytes int64, err error)
}

// runParquetExport mirrors runPostgresMigration's discovery/watermark loop but writes each batch
// to object storage via Exporter and registers the resulting file as a new dataset partition
// rather than going through the ingestion pipeline, since the export destination is the object
// store directly rather than the columnar write path.
func (e *Engine) runParquetExport(ctx context.Context, datasetID string, current metadata.DatasetManifest) (metadata.DatasetManifest, ChunkSample, error) {
	if e.Relational == nil || e.Exporter == nil {
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

	tables, err := e.Relational.DiscoverTables(ctx)
	if err != nil {
		return current, ChunkSample{}, err
	}

	result := current
	var totalRows int
	var totalBytes int64

	for _, table := range tables {
		since := time.Time{}
		if wm, found, err := e.Store.Lifecycle().GetWatermark(ctx, datasetID, table.Name); err == nil && found {
			since = wm.WatermarkTimestamp
		}

		for {
			rows, newWatermark, err := e.Relational.ReadAged(ctx, table, datasetID, since, cutoff, postgresMigrationBatchSize)
			if err != nil {
				return result, ChunkSample{}, fmt.Errorf("read aged rows from %s: %w", table.Name, err)
			}
			if len(rows) == 0 {
				break
			}

			path, bytes, err := e.Exporter.Export(ctx, datasetID, table, rows)
			if err != nil {
				return result, ChunkSample{}, fmt.Errorf("export rows from %s: %w", table.Name, err)
			}

			existing, err := e.Store.Partitions().ListByManifest(ctx, result.ID)
			if err != nil {
				return result, ChunkSample{}, err
			}
			carried := make([]metadata.DatasetPartition, 0, len(existing)+1)
			for _, p := range existing {
				// Carried-forward rows get fresh IDs; the superseded manifest keeps its own.
				carried = append(carried, clonePartition(p))
			}
			rowCount := int64(len(rows))
			partition := metadata.DatasetPartition{
				ID:            uuid.NewString(),
				DatasetID:     datasetID,
				FileFormat:    "parquet",
				FilePath:      path,
				FileSizeBytes: &bytes,
				RowCount:      &rowCount,
				StartTime:     since,
				EndTime:       newWatermark,
				CreatedAt:     time.Now().UTC(),
			}

			published, err := e.Dataset.Publish(ctx, dataset.PublishInput{
				DatasetID:       datasetID,
				ManifestShard:   result.ManifestShard,
				SchemaVersionID: derefStr(result.SchemaVersionID),
				Partitions:      append(carried, partition),
			})
			if err != nil {
				return result, ChunkSample{}, err
			}
			result = published

			if err := e.Store.Lifecycle().SetWatermark(ctx, metadata.Watermark{
				DatasetID:          datasetID,
				TableName:          table.Name,
				WatermarkTimestamp: newWatermark,
			}); err != nil {
				return result, ChunkSample{}, fmt.Errorf("set watermark for %s: %w", table.Name, err)
			}
			since = newWatermark
			totalRows += len(rows)
			totalBytes += bytes

			if len(rows) < postgresMigrationBatchSize {
				break
			}
		}
	}

	e.audit(ctx, datasetID, "parquet_export.batch", map[string]any{
		"rowsExported": totalRows,
		"bytes":        humanizeBytes(totalBytes),
	})
	return result, ChunkSample{ID: datasetID, Bytes: totalBytes, Partitions: totalRows}, nil
}
