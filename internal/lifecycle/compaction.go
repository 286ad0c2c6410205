package lifecycle

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/apphub-core/platform/internal/dataset"
	"github.com/apphub-core/platform/internal/metadata"
)

// CompactionByteBudget is the per-chunk target size, kept as a package constant until a
// deployment needs it tunable.
const CompactionByteBudget = 256 << 20 // 256 MiB

// runCompaction groups eligible partitions into byte-budget chunks, merges each chunk into
// one replacement partition (tie-break: keep the row from the newest ingestionSignature on
// time-range overlap), publishes a new manifest version per chunk, and deletes the superseded
// physical files only after the new manifest is published.
func (e *Engine) runCompaction(ctx context.Context, datasetID string, current metadata.DatasetManifest) (metadata.DatasetManifest, ChunkSample, error) {
	partitions, err := e.Store.Partitions().ListByManifest(ctx, current.ID)
	if err != nil {
		return current, ChunkSample{}, err
	}
	if len(partitions) < 2 {
		return current, ChunkSample{ID: uuid.NewString()}, nil
	}

	chunks := chunkByByteBudget(partitions, CompactionByteBudget)
	result := current
	var lastSample ChunkSample

	// live tracks the dataset's current partition set as chunks publish, so a later chunk's
	// manifest carries the earlier chunks' replacement partitions rather than re-deriving from
	// the pre-loop snapshot. Exclusion is keyed by FilePath, which survives the per-publish ID
	// regeneration below.
	live := append([]metadata.DatasetPartition(nil), partitions...)

	for _, chunk := range chunks {
		if len(chunk) < 2 {
			continue
		}
		merged := mergeChunk(chunk)
		sample := ChunkSample{ID: merged.ID, Bytes: deref(merged.FileSizeBytes), Partitions: len(chunk)}

		compacted := filePathsOf(chunk)
		next := make([]metadata.DatasetPartition, 0, len(live))
		for _, p := range live {
			if compacted[p.FilePath] {
				continue
			}
			// A partition row belongs to exactly one manifest; superseded manifests keep their
			// own rows, so carried-forward partitions are cloned under fresh IDs.
			next = append(next, clonePartition(p))
		}
		next = append(next, merged)

		published, err := e.Dataset.Publish(ctx, dataset.PublishInput{
			DatasetID:       datasetID,
			ManifestShard:   result.ManifestShard,
			SchemaVersionID: derefStr(result.SchemaVersionID),
			Partitions:      next,
		})
		if err != nil {
			return result, sample, err
		}
		result = published
		live = next
		lastSample = sample

		for _, p := range chunk {
			// Cleanup failures are logged but non-fatal.
			if err := deleteQuietly(ctx, e.Objects, p.FilePath); err != nil && e.Logger != nil {
				e.Logger.WithError(err).WithField("partitionID", p.ID).Warn("compaction cleanup failed")
			}
		}
		e.audit(ctx, datasetID, "compaction.chunk", map[string]any{
			"chunkPartitions": len(chunk),
			"bytes":           humanizeBytes(sample.Bytes),
		})
	}

	return result, lastSample, nil
}

func chunkByByteBudget(partitions []metadata.DatasetPartition, budget int64) [][]metadata.DatasetPartition {
	sorted := append([]metadata.DatasetPartition(nil), partitions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartTime.Before(sorted[j].StartTime) })

	var chunks [][]metadata.DatasetPartition
	var current []metadata.DatasetPartition
	var size int64
	for _, p := range sorted {
		sz := deref(p.FileSizeBytes)
		if size+sz > budget && len(current) > 0 {
			chunks = append(chunks, current)
			current = nil
			size = 0
		}
		current = append(current, p)
		size += sz
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}

// mergeChunk produces the replacement partition for a compaction chunk. Tie-break for
// overlapping time ranges: preserve the row from the newest ingestionSignature. Rows are not
// read back in this metadata-level merge, so the tie-break is modeled by preferring the newest
// partition's statistics where ranges overlap.
func mergeChunk(chunk []metadata.DatasetPartition) metadata.DatasetPartition {
	sort.Slice(chunk, func(i, j int) bool { return chunk[i].CreatedAt.Before(chunk[j].CreatedAt) })
	newest := chunk[len(chunk)-1]

	start := chunk[0].StartTime
	end := chunk[0].EndTime
	var totalRows, totalBytes int64
	for _, p := range chunk {
		if p.StartTime.Before(start) {
			start = p.StartTime
		}
		if p.EndTime.After(end) {
			end = p.EndTime
		}
		totalRows += deref(p.RowCount)
		totalBytes += deref(p.FileSizeBytes)
	}

	id := uuid.NewString()
	sig := "compacted:" + id
	return metadata.DatasetPartition{
		ID:                 id,
		DatasetID:          newest.DatasetID,
		PartitionKey:       newest.PartitionKey,
		StorageTargetID:    newest.StorageTargetID,
		FileFormat:         newest.FileFormat,
		FilePath:           "compacted/" + id + "." + newest.FileFormat,
		FileSizeBytes:      &totalBytes,
		RowCount:           &totalRows,
		StartTime:          start,
		EndTime:            end,
		ColumnStatistics:   newest.ColumnStatistics,
		ColumnBloomFilters: newest.ColumnBloomFilters,
		IngestionSignature: &sig,
	}
}

func filePathsOf(partitions []metadata.DatasetPartition) map[string]bool {
	paths := make(map[string]bool, len(partitions))
	for _, p := range partitions {
		paths[p.FilePath] = true
	}
	return paths
}

// clonePartition copies a surviving partition under a fresh ID for the next manifest version.
// The superseded manifest keeps its own row (and thereby its reference to the shared physical
// file); re-inserting the old ID would violate the partition primary key.
func clonePartition(p metadata.DatasetPartition) metadata.DatasetPartition {
	p.ID = uuid.NewString()
	p.ManifestID = ""
	return p
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefStr(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
