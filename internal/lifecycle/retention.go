package lifecycle

import (
	"context"
	"sort"
	"time"

	"github.com/apphub-core/platform/internal/dataset"
	"github.com/apphub-core/platform/internal/metadata"
)

// runRetention implements evict partitions past the time rule and/or size rule,
// publish a manifest without them, then delete the evicted files outside the transaction.
func (e *Engine) runRetention(ctx context.Context, datasetID string, current metadata.DatasetManifest) (metadata.DatasetManifest, ChunkSample, error) {
	policy, ok, err := e.Store.Retention().Get(ctx, datasetID)
	if err != nil {
		return current, ChunkSample{}, err
	}
	if !ok {
		return current, ChunkSample{}, nil
	}

	partitions, err := e.Store.Partitions().ListByManifest(ctx, current.ID)
	if err != nil {
		return current, ChunkSample{}, err
	}
	if len(partitions) == 0 {
		return current, ChunkSample{}, nil
	}

	grace := 0
	if policy.DeleteGraceMinutes != nil {
		grace = *policy.DeleteGraceMinutes
	}
	now := time.Now().UTC()

	evicted := map[string]bool{}

	if maxAge := policy.Rules.MaxAgeHours; maxAge != nil && (policy.Mode == metadata.RetentionTime || policy.Mode == metadata.RetentionHybrid) {
		cutoff := now.Add(-time.Duration(*maxAge * float64(time.Hour))).Add(-time.Duration(grace) * time.Minute)
		for _, p := range partitions {
			if p.EndTime.Before(cutoff) {
				evicted[p.ID] = true
			}
		}
	}

	if maxBytes := policy.Rules.MaxTotalBytes; maxBytes != nil && (policy.Mode == metadata.RetentionSize || policy.Mode == metadata.RetentionHybrid) {
		sorted := append([]metadata.DatasetPartition(nil), partitions...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].EndTime.Before(sorted[j].EndTime) })

		var total int64
		for _, p := range sorted {
			if !evicted[p.ID] {
				total += deref(p.FileSizeBytes)
			}
		}
		for _, p := range sorted {
			if total <= *maxBytes {
				break
			}
			if evicted[p.ID] {
				continue
			}
			evicted[p.ID] = true
			total -= deref(p.FileSizeBytes)
		}
	}

	if len(evicted) == 0 {
		return current, ChunkSample{}, nil
	}

	var remaining, dropped []metadata.DatasetPartition
	var droppedBytes int64
	for _, p := range partitions {
		if evicted[p.ID] {
			dropped = append(dropped, p)
			droppedBytes += deref(p.FileSizeBytes)
			continue
		}
		// Survivors are cloned under fresh IDs: the superseded manifest retains its own
		// partition rows, and the partition primary key forbids re-inserting them.
		remaining = append(remaining, clonePartition(p))
	}

	published, err := e.Dataset.Publish(ctx, dataset.PublishInput{
		DatasetID:       datasetID,
		ManifestShard:   current.ManifestShard,
		SchemaVersionID: derefStr(current.SchemaVersionID),
		Partitions:      remaining,
	})
	if err != nil {
		return current, ChunkSample{}, err
	}

	// Files are only removed after the replacement manifest commits, and only once endTime plus
	// the grace window has elapsed; a size-rule eviction still inside that window keeps its file.
	graceCutoff := now.Add(-time.Duration(grace) * time.Minute)
	for _, p := range dropped {
		if !p.EndTime.Before(graceCutoff) {
			continue
		}
		if err := deleteQuietly(ctx, e.Objects, p.FilePath); err != nil && e.Logger != nil {
			e.Logger.WithError(err).WithField("partitionID", p.ID).Warn("retention cleanup failed")
		}
	}

	e.audit(ctx, datasetID, "retention.drop", map[string]any{
		"droppedPartitions": len(dropped),
		"bytes":             humanizeBytes(droppedBytes),
	})

	return published, ChunkSample{ID: published.ID, Bytes: droppedBytes, Partitions: len(dropped)}, nil
}
