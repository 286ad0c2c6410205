// Package ingest implements the ingestion pipeline: schema validation against the
// current dataset schema version, idempotent partition creation, column statistics/bloom filter
// computation, and manifest publication, run either inline on the caller's goroutine or via
// the durable queue.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/dataset"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/objectstore"
	"github.com/apphub-core/platform/internal/platformmetrics"
)

// TimeRange mirrors body.partition.timeRange.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Partition mirrors body.partition.
type Partition struct {
	Key        metadata.PartitionKey `json:"key"`
	Attributes json.RawMessage       `json:"attributes,omitempty"`
	TimeRange  TimeRange             `json:"timeRange"`
}

// Body is the ingest request body.
type Body struct {
	Schema          SchemaInput      `json:"schema"`
	Partition       Partition        `json:"partition"`
	Rows            []map[string]any `json:"rows"`
	IdempotencyKey  string           `json:"idempotencyKey,omitempty"`
	Actor           string           `json:"actor,omitempty"`
	StorageTargetID string           `json:"storageTargetId,omitempty"`
	TableName       string           `json:"tableName,omitempty"`
}

// SchemaInput mirrors body.schema.
type SchemaInput struct {
	Fields []metadata.Field `json:"fields"`
}

// Result is returned to the caller (and becomes the queued job's result when run queued).
type Result struct {
	DatasetID   string `json:"datasetId"`
	ManifestID  string `json:"manifestId"`
	PartitionID string `json:"partitionId"`
	Queued      bool   `json:"queued"`
}

// Pipeline executes the ingestion pipeline against a metadata store and object store.
type Pipeline struct {
	Store   metadata.Store
	Objects objectstore.Store
	Engine  *dataset.Engine
	Metrics *platformmetrics.Metrics
}

// NewPipeline wires a Pipeline.
func NewPipeline(store metadata.Store, objects objectstore.Store, engine *dataset.Engine, metrics *platformmetrics.Metrics) *Pipeline {
	return &Pipeline{Store: store, Objects: objects, Engine: engine, Metrics: metrics}
}

// Ingest runs the pipeline end to end. Authorization happens at the HTTP layer, which has
// the caller's scopes; Ingest assumes the caller is already authorized.
func (p *Pipeline) Ingest(ctx context.Context, datasetSlug string, body Body) (Result, error) {
	ds, err := dataset.GetOrCreate(ctx, p.Store, datasetSlug, "columnar", "")
	if err != nil {
		return Result{}, err
	}

	if body.IdempotencyKey != "" {
		// Claim the key before writing anything: the (datasetId, idempotencyKey) reservation
		// arbitrates concurrent retries so at most one caller reaches Publish.
		if err := p.Store.Ingestion().Reserve(ctx, ds.ID, body.IdempotencyKey); err != nil {
			if apherr.KindOf(err) != apherr.KindDuplicate {
				return Result{}, err
			}
			rec, ok, lookupErr := p.Store.Ingestion().Lookup(ctx, ds.ID, body.IdempotencyKey)
			if lookupErr != nil {
				return Result{}, lookupErr
			}
			if ok && rec.ManifestID != "" {
				p.recordOutcome(datasetSlug, "idempotent-replay")
				return Result{DatasetID: ds.ID, ManifestID: rec.ManifestID, PartitionID: rec.PartitionID}, nil
			}
			// The winning run holds the reservation but has not completed yet.
			return Result{}, apherr.Newf(apherr.KindDuplicate,
				"ingestion with idempotency key %q is already in progress", body.IdempotencyKey)
		}
	}

	result, err := p.run(ctx, datasetSlug, ds, body)
	if body.IdempotencyKey != "" {
		if err != nil {
			// Free the key so a retry can claim it; the failed attempt wrote no manifest.
			if relErr := p.Store.Ingestion().Release(ctx, ds.ID, body.IdempotencyKey); relErr != nil && p.Metrics != nil {
				p.recordOutcome(datasetSlug, "reservation-release-failed")
			}
			return Result{}, err
		}
		if cErr := p.Store.Ingestion().Complete(ctx, metadata.IngestionRecord{
			DatasetID:      ds.ID,
			IdempotencyKey: body.IdempotencyKey,
			PartitionID:    result.PartitionID,
			ManifestID:     result.ManifestID,
		}); cErr != nil {
			return Result{}, cErr
		}
	}
	if err != nil {
		return Result{}, err
	}
	p.recordOutcome(datasetSlug, "succeeded")
	return result, nil
}

// run executes the pipeline body: schema validation, partition-file write, statistics, and
// manifest publication. Idempotency-key bookkeeping happens in Ingest around this call.
func (p *Pipeline) run(ctx context.Context, datasetSlug string, ds metadata.Dataset, body Body) (Result, error) {
	schemaVersion, err := dataset.EnsureSchema(ctx, p.Store, ds.ID, body.Schema.Fields, dataset.CompatibilityAdditive)
	if err != nil {
		p.recordOutcome(datasetSlug, "schema-incompatible")
		return Result{}, err
	}

	if err := validateRows(schemaVersion.Fields, body.Rows); err != nil {
		p.recordOutcome(datasetSlug, "validation-failed")
		return Result{}, err
	}

	partitionID := uuid.NewString()
	shard := shardFor(body.Partition.Key)
	fileFormat := "parquet"
	storageTarget := body.StorageTargetID
	if storageTarget == "" && ds.DefaultStorageTargetID != nil {
		storageTarget = *ds.DefaultStorageTargetID
	}

	encoded, checksum, err := encodeRows(body.Rows)
	if err != nil {
		return Result{}, apherr.Wrap(apherr.KindValidation, err)
	}
	columnStats, bloomFilters := computeColumnStatistics(schemaVersion.Fields, body.Rows)

	filePath := fmt.Sprintf("datasets/%s/%s/%d/%s.%s", ds.Slug, shard, 0, partitionID, fileFormat)
	if err := p.Objects.Put(ctx, filePath, bytes.NewReader(encoded), int64(len(encoded))); err != nil {
		return Result{}, apherr.Wrap(apherr.KindUnavailable, fmt.Errorf("write partition file: %w", err))
	}

	rowCount := int64(len(body.Rows))
	fileSize := int64(len(encoded))
	signature := body.IdempotencyKey
	if signature == "" {
		signature = checksum
	}

	partition := metadata.DatasetPartition{
		ID:                 partitionID,
		DatasetID:          ds.ID,
		PartitionKey:       body.Partition.Key,
		StorageTargetID:    storageTarget,
		FileFormat:         fileFormat,
		FilePath:           filePath,
		FileSizeBytes:      &fileSize,
		RowCount:           &rowCount,
		StartTime:          body.Partition.TimeRange.Start,
		EndTime:            body.Partition.TimeRange.End,
		Checksum:           &checksum,
		ColumnStatistics:   columnStats,
		ColumnBloomFilters: bloomFilters,
		IngestionSignature: &signature,
		CreatedAt:          time.Now().UTC(),
	}

	manifest, err := p.Engine.Publish(ctx, dataset.PublishInput{
		DatasetID:       ds.ID,
		ManifestShard:   shard,
		SchemaVersionID: schemaVersion.ID,
		Partitions:      []metadata.DatasetPartition{partition},
		CreatedBy:       body.Actor,
	})
	if err != nil {
		return Result{}, err
	}

	return Result{DatasetID: ds.ID, ManifestID: manifest.ID, PartitionID: partitionID}, nil
}

func (p *Pipeline) recordOutcome(datasetSlug, outcome string) {
	if p.Metrics != nil {
		p.Metrics.IngestOutcomes.WithLabelValues(datasetSlug, outcome).Inc()
	}
}

func shardFor(key metadata.PartitionKey) string {
	if date, ok := key.Get("date"); ok {
		return date
	}
	if len(key) == 0 {
		return "default"
	}
	return key[0].Value
}

func validateRows(fields []metadata.Field, rows []map[string]any) error {
	required := make(map[string]metadata.FieldType, len(fields))
	for _, f := range fields {
		required[f.Name] = f.Type
	}
	for i, row := range rows {
		for name, ftype := range required {
			val, ok := row[name]
			if !ok {
				continue
			}
			if !typeMatches(ftype, val) {
				return apherr.Newf(apherr.KindValidation, "row %d field %q does not match schema type %s", i, name, ftype)
			}
		}
	}
	return nil
}

func typeMatches(ftype metadata.FieldType, v any) bool {
	switch ftype {
	case metadata.FieldString, metadata.FieldTimestamp:
		_, ok := v.(string)
		return ok
	case metadata.FieldDouble, metadata.FieldInteger:
		// JSON decoding yields float64; internally produced rows (filestore consumer,
		// postgres_migration) carry native integer types.
		switch v.(type) {
		case float64, float32, int, int32, int64, json.Number:
			return true
		}
		return false
	case metadata.FieldBoolean:
		_, ok := v.(bool)
		return ok
	default:
		return true
	}
}

func encodeRows(rows []map[string]any) ([]byte, string, error) {
	encoded, err := json.Marshal(rows)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(encoded)
	return encoded, hex.EncodeToString(sum[:]), nil
}

// computeColumnStatistics derives min/max/null-count per column plus a trivial bloom filter
// (a byte set of value-hash positions), recorded on the partition for predicate pushdown.
func computeColumnStatistics(fields []metadata.Field, rows []map[string]any) (map[string]metadata.ColumnStatistics, map[string][]byte) {
	stats := make(map[string]metadata.ColumnStatistics, len(fields))
	blooms := make(map[string][]byte, len(fields))
	for _, f := range fields {
		var min, max *string
		var nullCount int64
		filter := make([]byte, 256)
		for _, row := range rows {
			v, ok := row[f.Name]
			if !ok || v == nil {
				nullCount++
				continue
			}
			s := fmt.Sprintf("%v", v)
			if min == nil || s < *min {
				cp := s
				min = &cp
			}
			if max == nil || s > *max {
				cp := s
				max = &cp
			}
			filter[bloomIndex(s)] = 1
		}
		stats[f.Name] = metadata.ColumnStatistics{Min: min, Max: max, NullCount: nullCount}
		blooms[f.Name] = filter
	}
	return stats, blooms
}

func bloomIndex(s string) byte {
	sum := sha256.Sum256([]byte(s))
	return sum[0]
}

// MightContain checks a value against a bloom filter produced by computeColumnStatistics, used
// by the query planner's predicate pushdown.
func MightContain(filter []byte, value string) bool {
	if len(filter) == 0 {
		return true
	}
	return filter[bloomIndex(value)] != 0
}
