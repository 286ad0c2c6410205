package metadata

import (
	"context"
	"time"
)

// Page is a cursor-paginated listing result.
type Page[T any] struct {
	Items      []T
	NextCursor string // empty when there are no further pages
}

// DefinitionStore persists JobDefinition rows: slug-keyed upsert with a monotonic version
// counter, deactivation, and cursor-paginated listing.
type DefinitionStore interface {
	// Upsert inserts or replaces the definition by slug, bumping Version and returning the
	// stored row. It does not return apherr.KindDuplicate: slug itself is the key, and concurrent
	// upserts of the same slug are not serialized, so the last write wins.
	Upsert(ctx context.Context, def JobDefinition) (JobDefinition, error)
	Get(ctx context.Context, slug string) (JobDefinition, error)
	Deactivate(ctx context.Context, slug string) error
	List(ctx context.Context, cursor string, limit int) (Page[JobDefinition], error)
	// HasRuns reports whether any JobRun still references slug; deleting a definition with
	// runs is forbidden.
	HasRuns(ctx context.Context, slug string) (bool, error)
}

// RunStore persists JobRun rows and their state-machine transitions.
type RunStore interface {
	Create(ctx context.Context, run JobRun) (JobRun, error)
	Get(ctx context.Context, id string) (JobRun, error)
	// Update applies an optimistic-concurrency update: ifMatch must equal the row's current
	// UpdatedAt or the call fails with apherr.KindConcurrentUpdate. A nil ifMatch updates
	// unconditionally.
	Update(ctx context.Context, id string, ifMatch *time.Time, mutate func(*JobRun)) (JobRun, error)
	ListByDefinition(ctx context.Context, slug string, cursor string, limit int) (Page[JobRun], error)
}

// BundleStore persists BundleVersion rows.
type BundleStore interface {
	// Publish inserts a version row; in the Postgres store the existence check and the insert are
	// separate statements, not one transaction. If (slug, version) already exists with a
	// different checksum it fails with apherr.KindDuplicate; identical checksum republication
	// is idempotent and returns the existing row.
	Publish(ctx context.Context, bv BundleVersion) (BundleVersion, error)
	Resolve(ctx context.Context, slug, version string) (BundleVersion, error)
	ListVersions(ctx context.Context, slug string) ([]BundleVersion, error)
	Deprecate(ctx context.Context, slug, version string) error
}

// DatasetStore persists Dataset rows with optimistic concurrency.
type DatasetStore interface {
	Create(ctx context.Context, ds Dataset) (Dataset, error)
	GetBySlug(ctx context.Context, slug string) (Dataset, error)
	GetByID(ctx context.Context, id string) (Dataset, error)
	Update(ctx context.Context, id string, ifMatch time.Time, mutate func(*Dataset)) (Dataset, error)
	List(ctx context.Context, cursor string, limit int) (Page[Dataset], error)
}

// SchemaStore persists immutable SchemaVersion rows.
type SchemaStore interface {
	Create(ctx context.Context, sv SchemaVersion) (SchemaVersion, error)
	Latest(ctx context.Context, datasetID string) (SchemaVersion, error)
	Get(ctx context.Context, id string) (SchemaVersion, error)
}

// ManifestStore persists DatasetManifest rows with the publish/supersede transaction.
type ManifestStore interface {
	// NextVersion returns max(version)+1 for (datasetID, shard).
	NextVersion(ctx context.Context, datasetID, shard string) (int, error)
	Insert(ctx context.Context, m DatasetManifest) (DatasetManifest, error)
	// Publish marks m published and the prior published manifest in the same shard
	// superseded, in one transaction. Returns the updated manifest.
	Publish(ctx context.Context, manifestID string) (DatasetManifest, error)
	GetPublished(ctx context.Context, datasetID, shard string) (DatasetManifest, bool, error)
	Get(ctx context.Context, id string) (DatasetManifest, error)
	ListByDataset(ctx context.Context, datasetID string) ([]DatasetManifest, error)
}

// PartitionStore persists DatasetPartition rows.
type PartitionStore interface {
	// Insert rejects a batch whose IngestionSignature collides with an existing partition in
	// the same manifest.
	Insert(ctx context.Context, manifestID string, partitions []DatasetPartition) ([]DatasetPartition, error)
	ListByManifest(ctx context.Context, manifestID string) ([]DatasetPartition, error)
	Delete(ctx context.Context, ids []string) error
}

// RetentionStore persists the one-per-dataset RetentionPolicy.
type RetentionStore interface {
	Get(ctx context.Context, datasetID string) (RetentionPolicy, bool, error)
	Upsert(ctx context.Context, rp RetentionPolicy) (RetentionPolicy, error)
}

// LifecycleStore persists LifecycleJobRun rows and the postgres_migration Watermark.
type LifecycleStore interface {
	Create(ctx context.Context, run LifecycleJobRun) (LifecycleJobRun, error)
	Update(ctx context.Context, id string, mutate func(*LifecycleJobRun)) (LifecycleJobRun, error)
	Get(ctx context.Context, id string) (LifecycleJobRun, error)
	ListRecent(ctx context.Context, datasetID string, limit int) ([]LifecycleJobRun, error)
	GetWatermark(ctx context.Context, datasetID, table string) (Watermark, bool, error)
	SetWatermark(ctx context.Context, w Watermark) error
}

// AuditStore appends audit rows. Writes here must never surface errors to callers; the
// runtime/ingestion layers log and count AuditStore failures rather than failing the
// operation that triggered the audit.
type AuditStore interface {
	AppendLifecycle(ctx context.Context, e LifecycleAuditLogEntry) error
	AppendAccess(ctx context.Context, e DatasetAccessAuditEvent) error
	// ListLifecycle returns up to limit entries for datasetID, newest first, for the admin
	// audit subresource.
	ListLifecycle(ctx context.Context, datasetID string, limit int) ([]LifecycleAuditLogEntry, error)
}

// IngestionStore implements the ingestion idempotency guarantee: at most one partition produced
// per (datasetID, idempotencyKey). Callers Reserve the key before writing anything, Complete it
// with the produced partition/manifest, or Release it when the pipeline fails so a retry can
// claim the key again.
type IngestionStore interface {
	Lookup(ctx context.Context, datasetID, idempotencyKey string) (IngestionRecord, bool, error)
	// Reserve claims (datasetID, idempotencyKey) with an empty record. A concurrent or prior
	// claim fails with apherr.KindDuplicate; exactly one caller wins the insert.
	Reserve(ctx context.Context, datasetID, idempotencyKey string) error
	// Complete fills the reserved record with the partition/manifest the winning pipeline run
	// produced. A completed record (ManifestID != "") is what Lookup short-circuits on.
	Complete(ctx context.Context, rec IngestionRecord) error
	// Release abandons a reservation after a failed pipeline run.
	Release(ctx context.Context, datasetID, idempotencyKey string) error
}

// Store bundles every sub-store; components depend on the narrow interface they need rather
// than this aggregate, but Store is convenient for constructing a single backing implementation.
type Store interface {
	Definitions() DefinitionStore
	Runs() RunStore
	Bundles() BundleStore
	Datasets() DatasetStore
	Schemas() SchemaStore
	Manifests() ManifestStore
	Partitions() PartitionStore
	Retention() RetentionStore
	Lifecycle() LifecycleStore
	Audit() AuditStore
	Ingestion() IngestionStore
}
