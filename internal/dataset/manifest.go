// Package dataset implements the dataset manifest engine: versioned manifest publishing
// with single-published-row-per-shard invariant, schema evolution rules, and a manifest cache
// invalidation bus.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/metadata"
)

// Engine implements manifest publishing, schema evolution checks, and cache invalidation.
type Engine struct {
	Store metadata.Store
	Cache ManifestCache
	Bus   *InvalidationBus
}

// NewEngine wires a metadata.Store, optional ManifestCache, and invalidation bus.
func NewEngine(store metadata.Store, cache ManifestCache, bus *InvalidationBus) *Engine {
	if bus == nil {
		bus = NewInvalidationBus()
	}
	return &Engine{Store: store, Cache: cache, Bus: bus}
}

// PublishInput carries a new manifest version's content.
type PublishInput struct {
	DatasetID       string
	ManifestShard   string
	SchemaVersionID string
	Partitions      []metadata.DatasetPartition
	Summary         json.RawMessage
	CreatedBy       string
}

// Publish publishes a new manifest version: compute next version, insert draft, insert
// partitions (rejecting in-batch ingestionSignature collisions), supersede the prior published
// manifest and flip to published, then invalidate the cache. These steps are separate store
// calls, not one transaction: only the supersede-and-flip step is atomic, and a failure after
// the draft insert leaves the draft manifest (and any inserted partitions) in place.
func (e *Engine) Publish(ctx context.Context, in PublishInput) (metadata.DatasetManifest, error) {
	if err := rejectDuplicateSignatures(in.Partitions); err != nil {
		return metadata.DatasetManifest{}, err
	}

	nextVersion, err := e.Store.Manifests().NextVersion(ctx, in.DatasetID, in.ManifestShard)
	if err != nil {
		return metadata.DatasetManifest{}, fmt.Errorf("compute next manifest version: %w", err)
	}

	var schemaID *string
	if in.SchemaVersionID != "" {
		schemaID = &in.SchemaVersionID
	}
	var createdBy *string
	if in.CreatedBy != "" {
		createdBy = &in.CreatedBy
	}

	draft := metadata.DatasetManifest{
		ID:              uuid.NewString(),
		DatasetID:       in.DatasetID,
		Version:         nextVersion,
		Status:          metadata.ManifestDraft,
		SchemaVersionID: schemaID,
		ManifestShard:   in.ManifestShard,
		Summary:         in.Summary,
		PartitionCount:  len(in.Partitions),
		CreatedBy:       createdBy,
		CreatedAt:       time.Now().UTC(),
	}
	for _, p := range in.Partitions {
		if p.RowCount != nil {
			draft.TotalRows += *p.RowCount
		}
		if p.FileSizeBytes != nil {
			draft.TotalBytes += *p.FileSizeBytes
		}
	}

	inserted, err := e.Store.Manifests().Insert(ctx, draft)
	if err != nil {
		return metadata.DatasetManifest{}, fmt.Errorf("insert draft manifest: %w", err)
	}

	if _, err := e.Store.Partitions().Insert(ctx, inserted.ID, in.Partitions); err != nil {
		return metadata.DatasetManifest{}, err
	}

	published, err := e.Store.Manifests().Publish(ctx, inserted.ID)
	if err != nil {
		return metadata.DatasetManifest{}, fmt.Errorf("publish manifest: %w", err)
	}

	e.Bus.InvalidateShard(in.DatasetID, in.ManifestShard)
	if e.Cache != nil {
		_ = e.Cache.InvalidateShard(ctx, in.DatasetID, in.ManifestShard)
	}

	return published, nil
}

// rejectDuplicateSignatures is the in-batch collision check; cross-batch
// collisions are rejected by PartitionStore.Insert against already-persisted rows.
func rejectDuplicateSignatures(partitions []metadata.DatasetPartition) error {
	seen := map[string]bool{}
	for _, p := range partitions {
		if p.IngestionSignature == nil {
			continue
		}
		if seen[*p.IngestionSignature] {
			return apherr.Newf(apherr.KindDuplicate, "duplicate ingestionSignature %q within publish batch", *p.IngestionSignature)
		}
		seen[*p.IngestionSignature] = true
	}
	return nil
}

// GetLatestPublished resolves the published manifest for (datasetID, shard), consulting the
// ManifestCache first and falling through to the metadata store on a miss.
func (e *Engine) GetLatestPublished(ctx context.Context, datasetID, shard string) (metadata.DatasetManifest, bool, error) {
	if e.Cache != nil {
		if m, ok, err := e.Cache.GetLatestPublished(ctx, datasetID, shard); err == nil && ok {
			return m, true, nil
		}
	}
	m, ok, err := e.Store.Manifests().GetPublished(ctx, datasetID, shard)
	if err != nil || !ok {
		return m, ok, err
	}
	if e.Cache != nil {
		_ = e.Cache.Put(ctx, m)
	}
	return m, true, nil
}
