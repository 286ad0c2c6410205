package metadata

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/apphub-core/platform/internal/apherr"
)

type postgresStore struct {
	db *gorm.DB
}

// NewPostgresStore wraps an already-opened *gorm.DB as a Store.
func NewPostgresStore(db *gorm.DB) Store {
	return &postgresStore{db: db}
}

func (s *postgresStore) Definitions() DefinitionStore { return &pgDefinitionStore{db: s.db} }
func (s *postgresStore) Runs() RunStore               { return &pgRunStore{db: s.db} }
func (s *postgresStore) Bundles() BundleStore         { return &pgBundleStore{db: s.db} }
func (s *postgresStore) Datasets() DatasetStore       { return &pgDatasetStore{db: s.db} }
func (s *postgresStore) Schemas() SchemaStore         { return &pgSchemaStore{db: s.db} }
func (s *postgresStore) Manifests() ManifestStore     { return &pgManifestStore{db: s.db} }
func (s *postgresStore) Partitions() PartitionStore   { return &pgPartitionStore{db: s.db} }
func (s *postgresStore) Retention() RetentionStore    { return &pgRetentionStore{db: s.db} }
func (s *postgresStore) Lifecycle() LifecycleStore    { return &pgLifecycleStore{db: s.db} }
func (s *postgresStore) Audit() AuditStore            { return &pgAuditStore{db: s.db} }
func (s *postgresStore) Ingestion() IngestionStore    { return &pgIngestionStore{db: s.db} }

func isNotFound(err error) bool { return errors.Is(err, gorm.ErrRecordNotFound) }

// --- JobDefinition ---

type pgDefinitionStore struct{ db *gorm.DB }

func (s *pgDefinitionStore) Upsert(ctx context.Context, def JobDefinition) (JobDefinition, error) {
	var existing JobDefinition
	err := s.db.WithContext(ctx).Where("slug = ?", def.Slug).First(&existing).Error
	now := time.Now().UTC()
	switch {
	case isNotFound(err):
		def.Version = 1
		def.CreatedAt = now
		def.UpdatedAt = now
		if err := s.db.WithContext(ctx).Create(&def).Error; err != nil {
			return JobDefinition{}, apherr.Wrap(apherr.KindExecution, err)
		}
		return def, nil
	case err != nil:
		return JobDefinition{}, apherr.Wrap(apherr.KindExecution, err)
	}
	def.Version = existing.Version + 1
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = now
	if err := s.db.WithContext(ctx).Save(&def).Error; err != nil {
		return JobDefinition{}, apherr.Wrap(apherr.KindExecution, err)
	}
	return def, nil
}

func (s *pgDefinitionStore) Get(ctx context.Context, slug string) (JobDefinition, error) {
	var def JobDefinition
	err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&def).Error
	if isNotFound(err) {
		return JobDefinition{}, apherr.Newf(apherr.KindNotFound, "job definition %q not found", slug)
	}
	if err != nil {
		return JobDefinition{}, apherr.Wrap(apherr.KindExecution, err)
	}
	return def, nil
}

func (s *pgDefinitionStore) Deactivate(ctx context.Context, slug string) error {
	res := s.db.WithContext(ctx).Model(&JobDefinition{}).Where("slug = ?", slug).
		Updates(map[string]any{"active": false, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return apherr.Wrap(apherr.KindExecution, res.Error)
	}
	if res.RowsAffected == 0 {
		return apherr.Newf(apherr.KindNotFound, "job definition %q not found", slug)
	}
	return nil
}

func (s *pgDefinitionStore) List(ctx context.Context, cursor string, limit int) (Page[JobDefinition], error) {
	payload, err := decodeCursor(cursor)
	if err != nil {
		return Page[JobDefinition]{}, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("updated_at asc, slug asc").Limit(limit + 1)
	if cursor != "" {
		q = q.Where("(updated_at, slug) > (?, ?)", payload.UpdatedAt, payload.ID)
	}
	var items []JobDefinition
	if err := q.Find(&items).Error; err != nil {
		return Page[JobDefinition]{}, apherr.Wrap(apherr.KindExecution, err)
	}
	next := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		next = encodeCursor(last.UpdatedAt, last.Slug)
	}
	return Page[JobDefinition]{Items: items, NextCursor: next}, nil
}

func (s *pgDefinitionStore) HasRuns(ctx context.Context, slug string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&JobRun{}).Where("definition_slug = ?", slug).
		Count(&count).Error; err != nil {
		return false, apherr.Wrap(apherr.KindExecution, err)
	}
	return count > 0, nil
}

// --- JobRun ---

type pgRunStore struct{ db *gorm.DB }

func (s *pgRunStore) Create(ctx context.Context, run JobRun) (JobRun, error) {
	run.UpdatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return JobRun{}, apherr.Wrap(apherr.KindExecution, err)
	}
	return run, nil
}

func (s *pgRunStore) Get(ctx context.Context, id string) (JobRun, error) {
	var run JobRun
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if isNotFound(err) {
		return JobRun{}, apherr.Newf(apherr.KindNotFound, "job run %q not found", id)
	}
	if err != nil {
		return JobRun{}, apherr.Wrap(apherr.KindExecution, err)
	}
	return run, nil
}

func (s *pgRunStore) Update(ctx context.Context, id string, ifMatch *time.Time, mutate func(*JobRun)) (JobRun, error) {
	var result JobRun
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run JobRun
		if err := tx.Where("id = ?", id).First(&run).Error; err != nil {
			if isNotFound(err) {
				return apherr.Newf(apherr.KindNotFound, "job run %q not found", id)
			}
			return apherr.Wrap(apherr.KindExecution, err)
		}
		if ifMatch != nil && !run.UpdatedAt.Equal(*ifMatch) {
			return apherr.Newf(apherr.KindConcurrentUpdate, "job run %q was modified concurrently", id)
		}
		mutate(&run)
		run.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&run).Error; err != nil {
			return apherr.Wrap(apherr.KindExecution, err)
		}
		result = run
		return nil
	})
	if err != nil {
		return JobRun{}, err
	}
	return result, nil
}

func (s *pgRunStore) ListByDefinition(ctx context.Context, slug, cursor string, limit int) (Page[JobRun], error) {
	payload, err := decodeCursor(cursor)
	if err != nil {
		return Page[JobRun]{}, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Where("definition_slug = ?", slug).
		Order("updated_at asc, id asc").Limit(limit + 1)
	if cursor != "" {
		q = q.Where("(updated_at, id) > (?, ?)", payload.UpdatedAt, payload.ID)
	}
	var items []JobRun
	if err := q.Find(&items).Error; err != nil {
		return Page[JobRun]{}, apherr.Wrap(apherr.KindExecution, err)
	}
	next := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		next = encodeCursor(last.UpdatedAt, last.ID)
	}
	return Page[JobRun]{Items: items, NextCursor: next}, nil
}

// --- BundleVersion ---

type pgBundleStore struct{ db *gorm.DB }

func (s *pgBundleStore) Publish(ctx context.Context, bv BundleVersion) (BundleVersion, error) {
	var existing BundleVersion
	err := s.db.WithContext(ctx).Where("slug = ? AND version = ?", bv.Slug, bv.Version).First(&existing).Error
	switch {
	case isNotFound(err):
		bv.CreatedAt = time.Now().UTC()
		bv.Immutable = true
		if err := s.db.WithContext(ctx).Create(&bv).Error; err != nil {
			return BundleVersion{}, apherr.Wrap(apherr.KindExecution, err)
		}
		return bv, nil
	case err != nil:
		return BundleVersion{}, apherr.Wrap(apherr.KindExecution, err)
	}
	if existing.Checksum != bv.Checksum {
		return BundleVersion{}, apherr.Newf(apherr.KindDuplicate,
			"bundle %s@%s already published with a different checksum", bv.Slug, bv.Version)
	}
	return existing, nil
}

func (s *pgBundleStore) Resolve(ctx context.Context, slug, version string) (BundleVersion, error) {
	var bv BundleVersion
	err := s.db.WithContext(ctx).Where("slug = ? AND version = ?", slug, version).First(&bv).Error
	if isNotFound(err) {
		return BundleVersion{}, apherr.Newf(apherr.KindBundleNotFound, "bundle %s@%s not found", slug, version)
	}
	if err != nil {
		return BundleVersion{}, apherr.Wrap(apherr.KindExecution, err)
	}
	return bv, nil
}

func (s *pgBundleStore) ListVersions(ctx context.Context, slug string) ([]BundleVersion, error) {
	var out []BundleVersion
	if err := s.db.WithContext(ctx).Where("slug = ?", slug).Order("created_at asc").Find(&out).Error; err != nil {
		return nil, apherr.Wrap(apherr.KindExecution, err)
	}
	return out, nil
}

func (s *pgBundleStore) Deprecate(ctx context.Context, slug, version string) error {
	res := s.db.WithContext(ctx).Model(&BundleVersion{}).
		Where("slug = ? AND version = ?", slug, version).Update("deprecated", true)
	if res.Error != nil {
		return apherr.Wrap(apherr.KindExecution, res.Error)
	}
	if res.RowsAffected == 0 {
		return apherr.Newf(apherr.KindBundleNotFound, "bundle %s@%s not found", slug, version)
	}
	return nil
}

// --- Dataset ---

type pgDatasetStore struct{ db *gorm.DB }

func (s *pgDatasetStore) Create(ctx context.Context, ds Dataset) (Dataset, error) {
	now := time.Now().UTC()
	ds.CreatedAt, ds.UpdatedAt = now, now
	if err := s.db.WithContext(ctx).Create(&ds).Error; err != nil {
		if isUniqueViolation(err) {
			return Dataset{}, apherr.Newf(apherr.KindDuplicate, "dataset %q already exists", ds.Slug)
		}
		return Dataset{}, apherr.Wrap(apherr.KindExecution, err)
	}
	return ds, nil
}

func (s *pgDatasetStore) GetBySlug(ctx context.Context, slug string) (Dataset, error) {
	var ds Dataset
	err := s.db.WithContext(ctx).Where("slug = ?", slug).First(&ds).Error
	if isNotFound(err) {
		return Dataset{}, apherr.Newf(apherr.KindNotFound, "dataset %q not found", slug)
	}
	if err != nil {
		return Dataset{}, apherr.Wrap(apherr.KindExecution, err)
	}
	return ds, nil
}

func (s *pgDatasetStore) GetByID(ctx context.Context, id string) (Dataset, error) {
	var ds Dataset
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&ds).Error
	if isNotFound(err) {
		return Dataset{}, apherr.Newf(apherr.KindNotFound, "dataset %q not found", id)
	}
	if err != nil {
		return Dataset{}, apherr.Wrap(apherr.KindExecution, err)
	}
	return ds, nil
}

func (s *pgDatasetStore) Update(ctx context.Context, id string, ifMatch time.Time, mutate func(*Dataset)) (Dataset, error) {
	var result Dataset
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ds Dataset
		if err := tx.Where("id = ?", id).First(&ds).Error; err != nil {
			if isNotFound(err) {
				return apherr.Newf(apherr.KindNotFound, "dataset %q not found", id)
			}
			return apherr.Wrap(apherr.KindExecution, err)
		}
		if !ds.UpdatedAt.Equal(ifMatch) {
			return apherr.Newf(apherr.KindConcurrentUpdate, "dataset %q was modified concurrently", id)
		}
		mutate(&ds)
		ds.UpdatedAt = time.Now().UTC()
		if err := tx.Save(&ds).Error; err != nil {
			return apherr.Wrap(apherr.KindExecution, err)
		}
		result = ds
		return nil
	})
	if err != nil {
		return Dataset{}, err
	}
	return result, nil
}

func (s *pgDatasetStore) List(ctx context.Context, cursor string, limit int) (Page[Dataset], error) {
	payload, err := decodeCursor(cursor)
	if err != nil {
		return Page[Dataset]{}, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("updated_at asc, id asc").Limit(limit + 1)
	if cursor != "" {
		q = q.Where("(updated_at, id) > (?, ?)", payload.UpdatedAt, payload.ID)
	}
	var items []Dataset
	if err := q.Find(&items).Error; err != nil {
		return Page[Dataset]{}, apherr.Wrap(apherr.KindExecution, err)
	}
	next := ""
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		next = encodeCursor(last.UpdatedAt, last.ID)
	}
	return Page[Dataset]{Items: items, NextCursor: next}, nil
}

// --- SchemaVersion ---

type pgSchemaStore struct{ db *gorm.DB }

func (s *pgSchemaStore) Create(ctx context.Context, sv SchemaVersion) (SchemaVersion, error) {
	sv.CreatedAt = time.Now().UTC()
	if err := s.db.WithContext(ctx).Create(&sv).Error; err != nil {
		return SchemaVersion{}, apherr.Wrap(apherr.KindExecution, err)
	}
	return sv, nil
}

func (s *pgSchemaStore) Latest(ctx context.Context, datasetID string) (SchemaVersion, error) {
	var sv SchemaVersion
	err := s.db.WithContext(ctx).Where("dataset_id = ?", datasetID).Order("version desc").First(&sv).Error
	if isNotFound(err) {
		return SchemaVersion{}, apherr.Newf(apherr.KindNotFound, "no schema version for dataset %q", datasetID)
	}
	if err != nil {
		return SchemaVersion{}, apherr.Wrap(apherr.KindExecution, err)
	}
	return sv, nil
}

func (s *pgSchemaStore) Get(ctx context.Context, id string) (SchemaVersion, error) {
	var sv SchemaVersion
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&sv).Error
	if isNotFound(err) {
		return SchemaVersion{}, apherr.Newf(apherr.KindNotFound, "schema version %q not found", id)
	}
	if err != nil {
		return SchemaVersion{}, apherr.Wrap(apherr.KindExecution, err)
	}
	return sv, nil
}

// --- DatasetManifest ---

type pgManifestStore struct{ db *gorm.DB }

func (s *pgManifestStore) NextVersion(ctx context.Context, datasetID, shard string) (int, error) {
	var max *int
	err := s.db.WithContext(ctx).Model(&DatasetManifest{}).
		Where("dataset_id = ? AND manifest_shard = ?", datasetID, shard).
		Select("MAX(version)").Scan(&max).Error
	if err != nil {
		return 0, apherr.Wrap(apherr.KindExecution, err)
	}
	if max == nil {
		return 1, nil
	}
	return *max + 1, nil
}

func (s *pgManifestStore) Insert(ctx context.Context, m DatasetManifest) (DatasetManifest, error) {
	m.CreatedAt = time.Now().UTC()
	m.Status = ManifestDraft
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return DatasetManifest{}, apherr.Wrap(apherr.KindExecution, err)
	}
	return m, nil
}

func (s *pgManifestStore) Publish(ctx context.Context, manifestID string) (DatasetManifest, error) {
	var result DatasetManifest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m DatasetManifest
		if err := tx.Where("id = ?", manifestID).First(&m).Error; err != nil {
			if isNotFound(err) {
				return apherr.Newf(apherr.KindNotFound, "manifest %q not found", manifestID)
			}
			return apherr.Wrap(apherr.KindExecution, err)
		}
		if err := tx.Model(&DatasetManifest{}).
			Where("dataset_id = ? AND manifest_shard = ? AND status = ? AND id <> ?",
				m.DatasetID, m.ManifestShard, ManifestPublished, manifestID).
			Update("status", ManifestSuperseded).Error; err != nil {
			return apherr.Wrap(apherr.KindExecution, err)
		}
		now := time.Now().UTC()
		m.Status = ManifestPublished
		m.PublishedAt = &now
		if err := tx.Save(&m).Error; err != nil {
			return apherr.Wrap(apherr.KindExecution, err)
		}
		result = m
		return nil
	})
	if err != nil {
		return DatasetManifest{}, err
	}
	return result, nil
}

func (s *pgManifestStore) GetPublished(ctx context.Context, datasetID, shard string) (DatasetManifest, bool, error) {
	var m DatasetManifest
	err := s.db.WithContext(ctx).
		Where("dataset_id = ? AND manifest_shard = ? AND status = ?", datasetID, shard, ManifestPublished).
		First(&m).Error
	if isNotFound(err) {
		return DatasetManifest{}, false, nil
	}
	if err != nil {
		return DatasetManifest{}, false, apherr.Wrap(apherr.KindExecution, err)
	}
	return m, true, nil
}

func (s *pgManifestStore) Get(ctx context.Context, id string) (DatasetManifest, error) {
	var m DatasetManifest
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if isNotFound(err) {
		return DatasetManifest{}, apherr.Newf(apherr.KindNotFound, "manifest %q not found", id)
	}
	if err != nil {
		return DatasetManifest{}, apherr.Wrap(apherr.KindExecution, err)
	}
	return m, nil
}

func (s *pgManifestStore) ListByDataset(ctx context.Context, datasetID string) ([]DatasetManifest, error) {
	var out []DatasetManifest
	if err := s.db.WithContext(ctx).Where("dataset_id = ?", datasetID).
		Order("version asc").Find(&out).Error; err != nil {
		return nil, apherr.Wrap(apherr.KindExecution, err)
	}
	return out, nil
}

// --- DatasetPartition ---

type pgPartitionStore struct{ db *gorm.DB }

func (s *pgPartitionStore) Insert(ctx context.Context, manifestID string, partitions []DatasetPartition) ([]DatasetPartition, error) {
	var out []DatasetPartition
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for _, p := range partitions {
			p.ManifestID = manifestID
			p.CreatedAt = now
			if p.IngestionSignature != nil {
				var count int64
				if err := tx.Model(&DatasetPartition{}).
					Where("manifest_id = ? AND ingestion_signature = ?", manifestID, *p.IngestionSignature).
					Count(&count).Error; err != nil {
					return apherr.Wrap(apherr.KindExecution, err)
				}
				if count > 0 {
					return apherr.Newf(apherr.KindDuplicate,
						"ingestion signature %q already present in manifest %q", *p.IngestionSignature, manifestID)
				}
			}
			if err := tx.Create(&p).Error; err != nil {
				return apherr.Wrap(apherr.KindExecution, err)
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgPartitionStore) ListByManifest(ctx context.Context, manifestID string) ([]DatasetPartition, error) {
	var out []DatasetPartition
	if err := s.db.WithContext(ctx).Where("manifest_id = ?", manifestID).
		Order("start_time asc").Find(&out).Error; err != nil {
		return nil, apherr.Wrap(apherr.KindExecution, err)
	}
	return out, nil
}

func (s *pgPartitionStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&DatasetPartition{}).Error; err != nil {
		return apherr.Wrap(apherr.KindExecution, err)
	}
	return nil
}

// --- RetentionPolicy ---

type pgRetentionStore struct{ db *gorm.DB }

func (s *pgRetentionStore) Get(ctx context.Context, datasetID string) (RetentionPolicy, bool, error) {
	var rp RetentionPolicy
	err := s.db.WithContext(ctx).Where("dataset_id = ?", datasetID).First(&rp).Error
	if isNotFound(err) {
		return RetentionPolicy{}, false, nil
	}
	if err != nil {
		return RetentionPolicy{}, false, apherr.Wrap(apherr.KindExecution, err)
	}
	return rp, true, nil
}

func (s *pgRetentionStore) Upsert(ctx context.Context, rp RetentionPolicy) (RetentionPolicy, error) {
	err := s.db.WithContext(ctx).Save(&rp).Error
	if err != nil {
		return RetentionPolicy{}, apherr.Wrap(apherr.KindExecution, err)
	}
	return rp, nil
}

// --- LifecycleJobRun ---

type pgLifecycleStore struct{ db *gorm.DB }

func (s *pgLifecycleStore) Create(ctx context.Context, run LifecycleJobRun) (LifecycleJobRun, error) {
	if err := s.db.WithContext(ctx).Create(&run).Error; err != nil {
		return LifecycleJobRun{}, apherr.Wrap(apherr.KindExecution, err)
	}
	return run, nil
}

func (s *pgLifecycleStore) Update(ctx context.Context, id string, mutate func(*LifecycleJobRun)) (LifecycleJobRun, error) {
	var result LifecycleJobRun
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run LifecycleJobRun
		if err := tx.Where("id = ?", id).First(&run).Error; err != nil {
			if isNotFound(err) {
				return apherr.Newf(apherr.KindNotFound, "lifecycle run %q not found", id)
			}
			return apherr.Wrap(apherr.KindExecution, err)
		}
		mutate(&run)
		if err := tx.Save(&run).Error; err != nil {
			return apherr.Wrap(apherr.KindExecution, err)
		}
		result = run
		return nil
	})
	if err != nil {
		return LifecycleJobRun{}, err
	}
	return result, nil
}

func (s *pgLifecycleStore) Get(ctx context.Context, id string) (LifecycleJobRun, error) {
	var run LifecycleJobRun
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if isNotFound(err) {
		return LifecycleJobRun{}, apherr.Newf(apherr.KindNotFound, "lifecycle run %q not found", id)
	}
	if err != nil {
		return LifecycleJobRun{}, apherr.Wrap(apherr.KindExecution, err)
	}
	return run, nil
}

func (s *pgLifecycleStore) ListRecent(ctx context.Context, datasetID string, limit int) ([]LifecycleJobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("started_at desc").Limit(limit)
	if datasetID != "" {
		q = q.Where("dataset_id = ?", datasetID)
	}
	var out []LifecycleJobRun
	if err := q.Find(&out).Error; err != nil {
		return nil, apherr.Wrap(apherr.KindExecution, err)
	}
	return out, nil
}

func (s *pgLifecycleStore) GetWatermark(ctx context.Context, datasetID, table string) (Watermark, bool, error) {
	var w Watermark
	err := s.db.WithContext(ctx).Where("dataset_id = ? AND table_name = ?", datasetID, table).First(&w).Error
	if isNotFound(err) {
		return Watermark{}, false, nil
	}
	if err != nil {
		return Watermark{}, false, apherr.Wrap(apherr.KindExecution, err)
	}
	return w, true, nil
}

func (s *pgLifecycleStore) SetWatermark(ctx context.Context, w Watermark) error {
	if err := s.db.WithContext(ctx).Save(&w).Error; err != nil {
		return apherr.Wrap(apherr.KindExecution, err)
	}
	return nil
}

// --- Audit ---

type pgAuditStore struct{ db *gorm.DB }

func (s *pgAuditStore) AppendLifecycle(ctx context.Context, e LifecycleAuditLogEntry) error {
	e.CreatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Create(&e).Error
}

func (s *pgAuditStore) AppendAccess(ctx context.Context, e DatasetAccessAuditEvent) error {
	e.CreatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Create(&e).Error
}

func (s *pgAuditStore) ListLifecycle(ctx context.Context, datasetID string, limit int) ([]LifecycleAuditLogEntry, error) {
	var out []LifecycleAuditLogEntry
	err := s.db.WithContext(ctx).
		Where("dataset_id = ?", datasetID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, apherr.Wrap(apherr.KindExecution, err)
	}
	return out, nil
}

// --- Ingestion idempotency ---

type pgIngestionStore struct{ db *gorm.DB }

func (s *pgIngestionStore) Lookup(ctx context.Context, datasetID, key string) (IngestionRecord, bool, error) {
	var rec IngestionRecord
	err := s.db.WithContext(ctx).Where("dataset_id = ? AND idempotency_key = ?", datasetID, key).First(&rec).Error
	if isNotFound(err) {
		return IngestionRecord{}, false, nil
	}
	if err != nil {
		return IngestionRecord{}, false, apherr.Wrap(apherr.KindExecution, err)
	}
	return rec, true, nil
}

func (s *pgIngestionStore) Reserve(ctx context.Context, datasetID, key string) error {
	rec := IngestionRecord{DatasetID: datasetID, IdempotencyKey: key, CreatedAt: time.Now().UTC()}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		// The (dataset_id, idempotency_key) primary key arbitrates concurrent claims: exactly
		// one insert wins, every other caller sees the unique violation.
		if isUniqueViolation(err) {
			return apherr.Newf(apherr.KindDuplicate,
				"ingestion key %q already claimed for dataset %q", key, datasetID)
		}
		return apherr.Wrap(apherr.KindExecution, err)
	}
	return nil
}

func (s *pgIngestionStore) Complete(ctx context.Context, rec IngestionRecord) error {
	res := s.db.WithContext(ctx).Model(&IngestionRecord{}).
		Where("dataset_id = ? AND idempotency_key = ?", rec.DatasetID, rec.IdempotencyKey).
		Updates(map[string]any{"partition_id": rec.PartitionID, "manifest_id": rec.ManifestID})
	if res.Error != nil {
		return apherr.Wrap(apherr.KindExecution, res.Error)
	}
	if res.RowsAffected == 0 {
		return apherr.Newf(apherr.KindNotFound,
			"no reservation for ingestion key %q on dataset %q", rec.IdempotencyKey, rec.DatasetID)
	}
	return nil
}

func (s *pgIngestionStore) Release(ctx context.Context, datasetID, key string) error {
	if err := s.db.WithContext(ctx).
		Where("dataset_id = ? AND idempotency_key = ?", datasetID, key).
		Delete(&IngestionRecord{}).Error; err != nil {
		return apherr.Wrap(apherr.KindExecution, err)
	}
	return nil
}

// isUniqueViolation reports whether err looks like a Postgres unique constraint violation.
// gorm wraps the pgx/lib-pq driver error, so we unwrap to any error exposing SQLState() and
// compare it with 23505 rather than importing the driver-specific error type here.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	type sqlStater interface{ SQLState() string }
	var s sqlStater
	if errors.As(err, &s) {
		return s.SQLState() == "23505"
	}
	return false
}
