package metadata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/apphub-core/platform/internal/apherr"
)

// memoryStore is an in-process Store used by tests and by single-process inline-mode
// deployments.
// It mirrors the contracts of the Postgres implementation exactly, including optimistic
// concurrency and cursor pagination, so runtime code is oblivious to which backend it runs
// against.
type memoryStore struct {
	mu sync.Mutex

	definitions    map[string]JobDefinition
	runs           map[string]JobRun
	bundles        map[string]BundleVersion // key: slug+"@"+version
	datasets       map[string]Dataset       // key: id
	datasetBySlug  map[string]string        // slug -> id
	schemas        map[string]SchemaVersion
	manifests      map[string]DatasetManifest
	partitions     map[string]DatasetPartition
	retention      map[string]RetentionPolicy
	lifecycle      map[string]LifecycleJobRun
	watermarks     map[string]Watermark // key: datasetID+"/"+table
	lifecycleAudit []LifecycleAuditLogEntry
	accessAudit    []DatasetAccessAuditEvent
	ingestion      map[string]IngestionRecord // key: datasetID+"/"+key

	clock func() time.Time
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{
		definitions:   make(map[string]JobDefinition),
		runs:          make(map[string]JobRun),
		bundles:       make(map[string]BundleVersion),
		datasets:      make(map[string]Dataset),
		datasetBySlug: make(map[string]string),
		schemas:       make(map[string]SchemaVersion),
		manifests:     make(map[string]DatasetManifest),
		partitions:    make(map[string]DatasetPartition),
		retention:     make(map[string]RetentionPolicy),
		lifecycle:     make(map[string]LifecycleJobRun),
		watermarks:    make(map[string]Watermark),
		ingestion:     make(map[string]IngestionRecord),
		clock:         time.Now,
	}
}

func (s *memoryStore) Definitions() DefinitionStore { return (*memDefinitionStore)(s) }
func (s *memoryStore) Runs() RunStore               { return (*memRunStore)(s) }
func (s *memoryStore) Bundles() BundleStore         { return (*memBundleStore)(s) }
func (s *memoryStore) Datasets() DatasetStore       { return (*memDatasetStore)(s) }
func (s *memoryStore) Schemas() SchemaStore         { return (*memSchemaStore)(s) }
func (s *memoryStore) Manifests() ManifestStore     { return (*memManifestStore)(s) }
func (s *memoryStore) Partitions() PartitionStore   { return (*memPartitionStore)(s) }
func (s *memoryStore) Retention() RetentionStore    { return (*memRetentionStore)(s) }
func (s *memoryStore) Lifecycle() LifecycleStore    { return (*memLifecycleStore)(s) }
func (s *memoryStore) Audit() AuditStore            { return (*memAuditStore)(s) }
func (s *memoryStore) Ingestion() IngestionStore    { return (*memIngestionStore)(s) }

// --- JobDefinition ---

type memDefinitionStore memoryStore

func (s *memDefinitionStore) Upsert(_ context.Context, def JobDefinition) (JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if existing, ok := s.definitions[def.Slug]; ok {
		def.Version = existing.Version + 1
		def.CreatedAt = existing.CreatedAt
	} else {
		def.Version = 1
		def.CreatedAt = now
	}
	def.UpdatedAt = now
	s.definitions[def.Slug] = def
	return def, nil
}

func (s *memDefinitionStore) Get(_ context.Context, slug string) (JobDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[slug]
	if !ok {
		return JobDefinition{}, apherr.Newf(apherr.KindNotFound, "job definition %q not found", slug)
	}
	return def, nil
}

func (s *memDefinitionStore) Deactivate(_ context.Context, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.definitions[slug]
	if !ok {
		return apherr.Newf(apherr.KindNotFound, "job definition %q not found", slug)
	}
	def.Active = false
	def.UpdatedAt = s.clock()
	s.definitions[slug] = def
	return nil
}

func (s *memDefinitionStore) List(_ context.Context, cursor string, limit int) (Page[JobDefinition], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := decodeCursor(cursor)
	if err != nil {
		return Page[JobDefinition]{}, err
	}
	items := make([]JobDefinition, 0, len(s.definitions))
	for _, d := range s.definitions {
		items = append(items, d)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].Slug < items[j].Slug
		}
		return items[i].UpdatedAt.Before(items[j].UpdatedAt)
	})
	start := 0
	if cursor != "" {
		for i, it := range items {
			if it.UpdatedAt.After(payload.UpdatedAt) || (it.UpdatedAt.Equal(payload.UpdatedAt) && it.Slug > payload.ID) {
				start = i
				break
			}
			start = i + 1
		}
	}
	end := start + limit
	if end > len(items) || limit <= 0 {
		end = len(items)
	}
	page := items[start:end]
	next := ""
	if end < len(items) && len(page) > 0 {
		last := page[len(page)-1]
		next = encodeCursor(last.UpdatedAt, last.Slug)
	}
	return Page[JobDefinition]{Items: page, NextCursor: next}, nil
}

func (s *memDefinitionStore) HasRuns(_ context.Context, slug string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.DefinitionSlug == slug {
			return true, nil
		}
	}
	return false, nil
}

// --- JobRun ---

type memRunStore memoryStore

func (s *memRunStore) Create(_ context.Context, run JobRun) (JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.UpdatedAt = s.clock()
	s.runs[run.ID] = run
	return run, nil
}

func (s *memRunStore) Get(_ context.Context, id string) (JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return JobRun{}, apherr.Newf(apherr.KindNotFound, "job run %q not found", id)
	}
	return r, nil
}

func (s *memRunStore) Update(_ context.Context, id string, ifMatch *time.Time, mutate func(*JobRun)) (JobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return JobRun{}, apherr.Newf(apherr.KindNotFound, "job run %q not found", id)
	}
	if ifMatch != nil && !r.UpdatedAt.Equal(*ifMatch) {
		return JobRun{}, apherr.Newf(apherr.KindConcurrentUpdate, "job run %q was modified concurrently", id)
	}
	mutate(&r)
	r.UpdatedAt = s.clock()
	s.runs[id] = r
	return r, nil
}

func (s *memRunStore) ListByDefinition(_ context.Context, slug, cursor string, limit int) (Page[JobRun], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := decodeCursor(cursor)
	if err != nil {
		return Page[JobRun]{}, err
	}
	items := make([]JobRun, 0)
	for _, r := range s.runs {
		if r.DefinitionSlug == slug {
			items = append(items, r)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].UpdatedAt.Before(items[j].UpdatedAt)
	})
	start := 0
	if cursor != "" {
		for i, it := range items {
			if it.UpdatedAt.After(payload.UpdatedAt) || (it.UpdatedAt.Equal(payload.UpdatedAt) && it.ID > payload.ID) {
				start = i
				break
			}
			start = i + 1
		}
	}
	end := start + limit
	if end > len(items) || limit <= 0 {
		end = len(items)
	}
	page := items[start:end]
	next := ""
	if end < len(items) && len(page) > 0 {
		last := page[len(page)-1]
		next = encodeCursor(last.UpdatedAt, last.ID)
	}
	return Page[JobRun]{Items: page, NextCursor: next}, nil
}

// --- BundleVersion ---

type memBundleStore memoryStore

func bundleKey(slug, version string) string { return slug + "@" + version }

func (s *memBundleStore) Publish(_ context.Context, bv BundleVersion) (BundleVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bundleKey(bv.Slug, bv.Version)
	if existing, ok := s.bundles[key]; ok {
		if existing.Checksum != bv.Checksum {
			return BundleVersion{}, apherr.Newf(apherr.KindDuplicate,
				"bundle %s@%s already published with a different checksum", bv.Slug, bv.Version)
		}
		return existing, nil
	}
	bv.CreatedAt = s.clock()
	bv.Immutable = true
	s.bundles[key] = bv
	return bv, nil
}

func (s *memBundleStore) Resolve(_ context.Context, slug, version string) (BundleVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bv, ok := s.bundles[bundleKey(slug, version)]
	if !ok {
		return BundleVersion{}, apherr.Newf(apherr.KindBundleNotFound, "bundle %s@%s not found", slug, version)
	}
	return bv, nil
}

func (s *memBundleStore) ListVersions(_ context.Context, slug string) ([]BundleVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BundleVersion, 0)
	for _, bv := range s.bundles {
		if bv.Slug == slug {
			out = append(out, bv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memBundleStore) Deprecate(_ context.Context, slug, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bundleKey(slug, version)
	bv, ok := s.bundles[key]
	if !ok {
		return apherr.Newf(apherr.KindBundleNotFound, "bundle %s@%s not found", slug, version)
	}
	bv.Deprecated = true
	s.bundles[key] = bv
	return nil
}

// --- Dataset ---

type memDatasetStore memoryStore

func (s *memDatasetStore) Create(_ context.Context, ds Dataset) (Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.datasetBySlug[ds.Slug]; ok {
		return Dataset{}, apherr.Newf(apherr.KindDuplicate, "dataset %q already exists", ds.Slug)
	}
	now := s.clock()
	ds.CreatedAt, ds.UpdatedAt = now, now
	s.datasets[ds.ID] = ds
	s.datasetBySlug[ds.Slug] = ds.ID
	return ds, nil
}

func (s *memDatasetStore) GetBySlug(_ context.Context, slug string) (Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.datasetBySlug[slug]
	if !ok {
		return Dataset{}, apherr.Newf(apherr.KindNotFound, "dataset %q not found", slug)
	}
	return s.datasets[id], nil
}

func (s *memDatasetStore) GetByID(_ context.Context, id string) (Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[id]
	if !ok {
		return Dataset{}, apherr.Newf(apherr.KindNotFound, "dataset %q not found", id)
	}
	return ds, nil
}

func (s *memDatasetStore) Update(_ context.Context, id string, ifMatch time.Time, mutate func(*Dataset)) (Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ds, ok := s.datasets[id]
	if !ok {
		return Dataset{}, apherr.Newf(apherr.KindNotFound, "dataset %q not found", id)
	}
	if !ds.UpdatedAt.Equal(ifMatch) {
		return Dataset{}, apherr.Newf(apherr.KindConcurrentUpdate, "dataset %q was modified concurrently", id)
	}
	mutate(&ds)
	ds.UpdatedAt = s.clock()
	s.datasets[id] = ds
	return ds, nil
}

func (s *memDatasetStore) List(_ context.Context, cursor string, limit int) (Page[Dataset], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := decodeCursor(cursor)
	if err != nil {
		return Page[Dataset]{}, err
	}
	items := make([]Dataset, 0, len(s.datasets))
	for _, d := range s.datasets {
		items = append(items, d)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].UpdatedAt.Before(items[j].UpdatedAt)
	})
	start := 0
	if cursor != "" {
		for i, it := range items {
			if it.UpdatedAt.After(payload.UpdatedAt) || (it.UpdatedAt.Equal(payload.UpdatedAt) && it.ID > payload.ID) {
				start = i
				break
			}
			start = i + 1
		}
	}
	end := start + limit
	if end > len(items) || limit <= 0 {
		end = len(items)
	}
	page := items[start:end]
	next := ""
	if end < len(items) && len(page) > 0 {
		last := page[len(page)-1]
		next = encodeCursor(last.UpdatedAt, last.ID)
	}
	return Page[Dataset]{Items: page, NextCursor: next}, nil
}

// --- SchemaVersion ---

type memSchemaStore memoryStore

func (s *memSchemaStore) Create(_ context.Context, sv SchemaVersion) (SchemaVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv.CreatedAt = s.clock()
	s.schemas[sv.ID] = sv
	return sv, nil
}

func (s *memSchemaStore) Latest(_ context.Context, datasetID string) (SchemaVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best SchemaVersion
	found := false
	for _, sv := range s.schemas {
		if sv.DatasetID != datasetID {
			continue
		}
		if !found || sv.Version > best.Version {
			best, found = sv, true
		}
	}
	if !found {
		return SchemaVersion{}, apherr.Newf(apherr.KindNotFound, "no schema version for dataset %q", datasetID)
	}
	return best, nil
}

func (s *memSchemaStore) Get(_ context.Context, id string) (SchemaVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.schemas[id]
	if !ok {
		return SchemaVersion{}, apherr.Newf(apherr.KindNotFound, "schema version %q not found", id)
	}
	return sv, nil
}

// --- DatasetManifest ---

type memManifestStore memoryStore

func (s *memManifestStore) NextVersion(_ context.Context, datasetID, shard string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, m := range s.manifests {
		if m.DatasetID == datasetID && m.ManifestShard == shard && m.Version > max {
			max = m.Version
		}
	}
	return max + 1, nil
}

func (s *memManifestStore) Insert(_ context.Context, m DatasetManifest) (DatasetManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.CreatedAt = s.clock()
	m.Status = ManifestDraft
	s.manifests[m.ID] = m
	return m, nil
}

func (s *memManifestStore) Publish(_ context.Context, manifestID string) (DatasetManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[manifestID]
	if !ok {
		return DatasetManifest{}, apherr.Newf(apherr.KindNotFound, "manifest %q not found", manifestID)
	}
	for id, other := range s.manifests {
		if id == manifestID {
			continue
		}
		if other.DatasetID == m.DatasetID && other.ManifestShard == m.ManifestShard && other.Status == ManifestPublished {
			other.Status = ManifestSuperseded
			s.manifests[id] = other
		}
	}
	now := s.clock()
	m.Status = ManifestPublished
	m.PublishedAt = &now
	s.manifests[manifestID] = m
	return m, nil
}

func (s *memManifestStore) GetPublished(_ context.Context, datasetID, shard string) (DatasetManifest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.manifests {
		if m.DatasetID == datasetID && m.ManifestShard == shard && m.Status == ManifestPublished {
			return m, true, nil
		}
	}
	return DatasetManifest{}, false, nil
}

func (s *memManifestStore) Get(_ context.Context, id string) (DatasetManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manifests[id]
	if !ok {
		return DatasetManifest{}, apherr.Newf(apherr.KindNotFound, "manifest %q not found", id)
	}
	return m, nil
}

func (s *memManifestStore) ListByDataset(_ context.Context, datasetID string) ([]DatasetManifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DatasetManifest, 0)
	for _, m := range s.manifests {
		if m.DatasetID == datasetID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// --- DatasetPartition ---

type memPartitionStore memoryStore

func (s *memPartitionStore) Insert(_ context.Context, manifestID string, partitions []DatasetPartition) ([]DatasetPartition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	for _, existing := range s.partitions {
		if existing.ManifestID == manifestID && existing.IngestionSignature != nil {
			seen[*existing.IngestionSignature] = true
		}
	}
	for _, p := range partitions {
		if p.IngestionSignature != nil {
			if seen[*p.IngestionSignature] {
				return nil, apherr.Newf(apherr.KindDuplicate,
					"ingestion signature %q already present in manifest %q", *p.IngestionSignature, manifestID)
			}
			seen[*p.IngestionSignature] = true
		}
	}

	// Mirror the Postgres primary key: a partition row belongs to exactly one manifest, so an
	// ID that already exists (owned by a superseded manifest) is rejected, never moved.
	for _, p := range partitions {
		if _, exists := s.partitions[p.ID]; exists {
			return nil, apherr.Newf(apherr.KindDuplicate, "partition id %q already exists", p.ID)
		}
	}

	now := s.clock()
	out := make([]DatasetPartition, 0, len(partitions))
	for _, p := range partitions {
		p.ManifestID = manifestID
		p.CreatedAt = now
		s.partitions[p.ID] = p
		out = append(out, p)
	}
	return out, nil
}

func (s *memPartitionStore) ListByManifest(_ context.Context, manifestID string) ([]DatasetPartition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DatasetPartition, 0)
	for _, p := range s.partitions {
		if p.ManifestID == manifestID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *memPartitionStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.partitions, id)
	}
	return nil
}

// --- RetentionPolicy ---

type memRetentionStore memoryStore

func (s *memRetentionStore) Get(_ context.Context, datasetID string) (RetentionPolicy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, ok := s.retention[datasetID]
	return rp, ok, nil
}

func (s *memRetentionStore) Upsert(_ context.Context, rp RetentionPolicy) (RetentionPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retention[rp.DatasetID] = rp
	return rp, nil
}

// --- LifecycleJobRun ---

type memLifecycleStore memoryStore

func (s *memLifecycleStore) Create(_ context.Context, run LifecycleJobRun) (LifecycleJobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle[run.ID] = run
	return run, nil
}

func (s *memLifecycleStore) Update(_ context.Context, id string, mutate func(*LifecycleJobRun)) (LifecycleJobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.lifecycle[id]
	if !ok {
		return LifecycleJobRun{}, apherr.Newf(apherr.KindNotFound, "lifecycle run %q not found", id)
	}
	mutate(&run)
	s.lifecycle[id] = run
	return run, nil
}

func (s *memLifecycleStore) Get(_ context.Context, id string) (LifecycleJobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.lifecycle[id]
	if !ok {
		return LifecycleJobRun{}, apherr.Newf(apherr.KindNotFound, "lifecycle run %q not found", id)
	}
	return run, nil
}

func (s *memLifecycleStore) ListRecent(_ context.Context, datasetID string, limit int) ([]LifecycleJobRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LifecycleJobRun, 0)
	for _, r := range s.lifecycle {
		if datasetID == "" || (r.DatasetID != nil && *r.DatasetID == datasetID) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := time.Time{}, time.Time{}
		if out[i].StartedAt != nil {
			ti = *out[i].StartedAt
		}
		if out[j].StartedAt != nil {
			tj = *out[j].StartedAt
		}
		return ti.After(tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memLifecycleStore) GetWatermark(_ context.Context, datasetID, table string) (Watermark, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watermarks[datasetID+"/"+table]
	return w, ok, nil
}

func (s *memLifecycleStore) SetWatermark(_ context.Context, w Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[w.DatasetID+"/"+w.TableName] = w
	return nil
}

// --- Audit ---

type memAuditStore memoryStore

func (s *memAuditStore) AppendLifecycle(_ context.Context, e LifecycleAuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.CreatedAt = s.clock()
	s.lifecycleAudit = append(s.lifecycleAudit, e)
	return nil
}

func (s *memAuditStore) AppendAccess(_ context.Context, e DatasetAccessAuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.CreatedAt = s.clock()
	s.accessAudit = append(s.accessAudit, e)
	return nil
}

func (s *memAuditStore) ListLifecycle(_ context.Context, datasetID string, limit int) ([]LifecycleAuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LifecycleAuditLogEntry
	for i := len(s.lifecycleAudit) - 1; i >= 0 && len(out) < limit; i-- {
		if s.lifecycleAudit[i].DatasetID == datasetID {
			out = append(out, s.lifecycleAudit[i])
		}
	}
	return out, nil
}

// --- Ingestion idempotency ---

type memIngestionStore memoryStore

func (s *memIngestionStore) Lookup(_ context.Context, datasetID, key string) (IngestionRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ingestion[datasetID+"/"+key]
	return rec, ok, nil
}

func (s *memIngestionStore) Reserve(_ context.Context, datasetID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := datasetID + "/" + key
	if _, exists := s.ingestion[k]; exists {
		return apherr.Newf(apherr.KindDuplicate,
			"ingestion key %q already claimed for dataset %q", key, datasetID)
	}
	s.ingestion[k] = IngestionRecord{DatasetID: datasetID, IdempotencyKey: key, CreatedAt: s.clock()}
	return nil
}

func (s *memIngestionStore) Complete(_ context.Context, rec IngestionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := rec.DatasetID + "/" + rec.IdempotencyKey
	existing, ok := s.ingestion[k]
	if !ok {
		return apherr.Newf(apherr.KindNotFound,
			"no reservation for ingestion key %q on dataset %q", rec.IdempotencyKey, rec.DatasetID)
	}
	existing.PartitionID = rec.PartitionID
	existing.ManifestID = rec.ManifestID
	s.ingestion[k] = existing
	return nil
}

func (s *memIngestionStore) Release(_ context.Context, datasetID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ingestion, datasetID+"/"+key)
	return nil
}
