package metadata

import (
	"encoding/json"
	"time"
)

// JobType enumerates the JobDefinition.type values.
type JobType string

const (
	JobTypeBatch            JobType = "batch"
	JobTypeServiceTriggered JobType = "service-triggered"
	JobTypeManual           JobType = "manual"
)

// RuntimeKind enumerates the JobDefinition.runtime values.
type RuntimeKind string

const (
	RuntimeInproc      RuntimeKind = "inproc"
	RuntimeInterpreter RuntimeKind = "interpreter"
	RuntimeContainer   RuntimeKind = "container"
	RuntimeModule      RuntimeKind = "module"
)

// RetryStrategy enumerates retry policy strategies.
type RetryStrategy string

const (
	RetryNone        RetryStrategy = "none"
	RetryFixed       RetryStrategy = "fixed"
	RetryExponential RetryStrategy = "exponential"
)

// RetryPolicy controls how failed runs are rescheduled.
type RetryPolicy struct {
	Strategy       RetryStrategy `json:"strategy"`
	InitialDelayMs int64         `json:"initialDelayMs"`
	MaxDelayMs     *int64        `json:"maxDelayMs,omitempty"`
	MaxAttempts    *int          `json:"maxAttempts,omitempty"`
	JitterRatio    float64       `json:"jitterRatio,omitempty"`
}

// JobDefinition is unique by Slug; body is mutable with a monotonic Version counter.
type JobDefinition struct {
	Slug              string          `json:"slug" gorm:"primaryKey"`
	Name              string          `json:"name"`
	Type              JobType         `json:"type"`
	Runtime           RuntimeKind     `json:"runtime"`
	EntryPoint        string          `json:"entryPoint"`
	TimeoutMs         *int64          `json:"timeoutMs,omitempty"`
	RetryPolicy       *RetryPolicy    `json:"retryPolicy,omitempty" gorm:"serializer:json"`
	ParametersSchema  json.RawMessage `json:"parametersSchema" gorm:"type:jsonb;serializer:json"`
	DefaultParameters json.RawMessage `json:"defaultParameters" gorm:"type:jsonb;serializer:json"`
	OutputSchema      json.RawMessage `json:"outputSchema" gorm:"type:jsonb;serializer:json"`
	Metadata          json.RawMessage `json:"metadata" gorm:"type:jsonb;serializer:json"`
	Active            bool            `json:"active" gorm:"default:true"`
	Version           int             `json:"version"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// RunStatus enumerates the JobRun state machine states.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
	RunExpired   RunStatus = "expired"
)

// JobRun is owned by exactly one JobDefinition.
type JobRun struct {
	ID              string          `json:"id" gorm:"primaryKey"`
	DefinitionSlug  string          `json:"definitionSlug" gorm:"index"`
	Status          RunStatus       `json:"status"`
	Attempt         int             `json:"attempt"`
	MaxAttempts     *int            `json:"maxAttempts,omitempty"`
	Parameters      json.RawMessage `json:"parameters" gorm:"type:jsonb;serializer:json"`
	Result          json.RawMessage `json:"result,omitempty" gorm:"type:jsonb;serializer:json"`
	ErrorMessage    *string         `json:"errorMessage,omitempty"`
	LogsURL         *string         `json:"logsUrl,omitempty"`
	Metrics         json.RawMessage `json:"metrics,omitempty" gorm:"type:jsonb;serializer:json"`
	Context         json.RawMessage `json:"context,omitempty" gorm:"type:jsonb;serializer:json"`
	ScheduledAt     time.Time       `json:"scheduledAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	LastHeartbeatAt *time.Time      `json:"lastHeartbeatAt,omitempty"`
	RetryCount      int             `json:"retryCount"`
	FailureReason   *string         `json:"failureReason,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// BundleVersion is a published, content-addressed bundle artifact.
type BundleVersion struct {
	Slug            string          `json:"slug" gorm:"primaryKey;index:idx_bundle_slug_version,priority:1"`
	Version         string          `json:"version" gorm:"primaryKey;index:idx_bundle_slug_version,priority:2"`
	Manifest        json.RawMessage `json:"manifest" gorm:"type:jsonb;serializer:json"`
	Checksum        string          `json:"checksum"`
	CapabilityFlags []string        `json:"capabilityFlags" gorm:"serializer:json"`
	ArtifactStorage string          `json:"artifactStorage"` // filesystem | s3
	ArtifactPath    string          `json:"artifactPath"`
	ArtifactSize    int64           `json:"artifactSize"`
	Immutable       bool            `json:"immutable" gorm:"default:true"`
	Deprecated      bool            `json:"deprecated"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// DatasetStatus enumerates the Dataset.status values.
type DatasetStatus string

const (
	DatasetActive   DatasetStatus = "active"
	DatasetInactive DatasetStatus = "inactive"
)

// Dataset is unique by Slug. Updates are optimistic-concurrency protected by
// UpdatedAt ("ifMatch").
type Dataset struct {
	ID                     string          `json:"id" gorm:"primaryKey"`
	Slug                   string          `json:"slug" gorm:"uniqueIndex"`
	Name                   string          `json:"name"`
	Status                 DatasetStatus   `json:"status"`
	WriteFormat            string          `json:"writeFormat"`
	DefaultStorageTargetID *string         `json:"defaultStorageTargetId,omitempty"`
	Metadata               json.RawMessage `json:"metadata" gorm:"type:jsonb;serializer:json"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// IAMScopes is the shape expected inside Dataset.Metadata["iam"].
type IAMScopes struct {
	ReadScopes  []string `json:"readScopes,omitempty"`
	WriteScopes []string `json:"writeScopes,omitempty"`
}

// FieldType enumerates the SchemaVersion field types.
type FieldType string

const (
	FieldTimestamp FieldType = "timestamp"
	FieldString    FieldType = "string"
	FieldDouble    FieldType = "double"
	FieldInteger   FieldType = "integer"
	FieldBoolean   FieldType = "boolean"
)

// Field describes one column of a SchemaVersion.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Nullable bool      `json:"nullable,omitempty"`
}

// SchemaVersion is immutable once created.
type SchemaVersion struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	DatasetID string    `json:"datasetId" gorm:"index"`
	Version   int       `json:"version"`
	Fields    []Field   `json:"fields" gorm:"serializer:json"`
	CreatedAt time.Time `json:"createdAt"`
}

// ManifestStatus enumerates the DatasetManifest.status values.
type ManifestStatus string

const (
	ManifestDraft      ManifestStatus = "draft"
	ManifestPublished  ManifestStatus = "published"
	ManifestSuperseded ManifestStatus = "superseded"
)

// DatasetManifest owns its DatasetPartitions exclusively.
type DatasetManifest struct {
	ID               string          `json:"id" gorm:"primaryKey"`
	DatasetID        string          `json:"datasetId" gorm:"index:idx_manifest_dataset_shard,priority:1"`
	Version          int             `json:"version"`
	Status           ManifestStatus  `json:"status"`
	SchemaVersionID  *string         `json:"schemaVersionId,omitempty"`
	ParentManifestID *string         `json:"parentManifestId,omitempty"`
	ManifestShard    string          `json:"manifestShard" gorm:"index:idx_manifest_dataset_shard,priority:2"`
	Summary          json.RawMessage `json:"summary,omitempty" gorm:"type:jsonb;serializer:json"`
	Statistics       json.RawMessage `json:"statistics,omitempty" gorm:"type:jsonb;serializer:json"`
	PartitionCount   int             `json:"partitionCount"`
	TotalRows        int64           `json:"totalRows"`
	TotalBytes       int64           `json:"totalBytes"`
	CreatedBy        *string         `json:"createdBy,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	PublishedAt      *time.Time      `json:"publishedAt,omitempty"`
}

// PartitionKey is an ordered map serialized as JSON; insertion order matters for pruning
// predicates, so callers pass a slice of pairs rather than a Go map.
type PartitionKey []PartitionKeyEntry

// PartitionKeyEntry is one (name, value) pair of a PartitionKey.
type PartitionKeyEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Get returns the value for name and whether it was present.
func (k PartitionKey) Get(name string) (string, bool) {
	for _, e := range k {
		if e.Name == name {
			return e.Value, true
		}
	}
	return "", false
}

// ColumnStatistics summarizes one column's value range for predicate pushdown.
type ColumnStatistics struct {
	Min       *string `json:"min,omitempty"`
	Max       *string `json:"max,omitempty"`
	NullCount int64   `json:"nullCount,omitempty"`
}

// DatasetPartition is owned by exactly one manifest.
type DatasetPartition struct {
	ID                 string                      `json:"id" gorm:"primaryKey"`
	DatasetID          string                      `json:"datasetId" gorm:"index"`
	ManifestID         string                      `json:"manifestId" gorm:"index"`
	PartitionKey       PartitionKey                `json:"partitionKey" gorm:"serializer:json"`
	StorageTargetID    string                      `json:"storageTargetId"`
	FileFormat         string                      `json:"fileFormat"`
	FilePath           string                      `json:"filePath"`
	FileSizeBytes      *int64                      `json:"fileSizeBytes,omitempty"`
	RowCount           *int64                      `json:"rowCount,omitempty"`
	StartTime          time.Time                   `json:"startTime"`
	EndTime            time.Time                   `json:"endTime"`
	Checksum           *string                     `json:"checksum,omitempty"`
	Metadata           json.RawMessage             `json:"metadata,omitempty" gorm:"type:jsonb;serializer:json"`
	ColumnStatistics   map[string]ColumnStatistics `json:"columnStatistics,omitempty" gorm:"serializer:json"`
	ColumnBloomFilters map[string][]byte           `json:"columnBloomFilters,omitempty" gorm:"serializer:json"`
	IngestionSignature *string                     `json:"ingestionSignature,omitempty" gorm:"index"`
	CreatedAt          time.Time                   `json:"createdAt"`
}

// RetentionMode enumerates the RetentionPolicy.mode values.
type RetentionMode string

const (
	RetentionTime   RetentionMode = "time"
	RetentionSize   RetentionMode = "size"
	RetentionHybrid RetentionMode = "hybrid"
)

// RetentionRules are the thresholds a RetentionPolicy enforces.
type RetentionRules struct {
	MaxAgeHours   *float64 `json:"maxAgeHours,omitempty"`
	MaxTotalBytes *int64   `json:"maxTotalBytes,omitempty"`
}

// RetentionPolicy is one-per-dataset.
type RetentionPolicy struct {
	DatasetID             string          `json:"datasetId" gorm:"primaryKey"`
	Mode                  RetentionMode   `json:"mode"`
	Rules                 RetentionRules  `json:"rules" gorm:"serializer:json"`
	DeleteGraceMinutes    *int            `json:"deleteGraceMinutes,omitempty"`
	ColdStorageAfterHours *float64        `json:"coldStorageAfterHours,omitempty"`
	Metadata              json.RawMessage `json:"metadata,omitempty" gorm:"type:jsonb;serializer:json"`
}

// LifecycleOperationKind enumerates the lifecycle operation kinds; parquet_export and
// postgres_migration are distinct kinds on the same engine.
type LifecycleOperationKind string

const (
	LifecycleCompaction        LifecycleOperationKind = "compaction"
	LifecycleRetention         LifecycleOperationKind = "retention"
	LifecyclePostgresMigration LifecycleOperationKind = "postgres_migration"
	LifecycleParquetExport     LifecycleOperationKind = "parquet_export"
)

// LifecycleOperation is one step of a LifecycleJobRun's declared operation order.
type LifecycleOperation struct {
	Kind   LifecycleOperationKind `json:"kind"`
	Status RunStatus              `json:"status"`
	Error  *string                `json:"error,omitempty"`
}

// TriggerSource enumerates the LifecycleJobRun.triggerSource values.
type TriggerSource string

const (
	TriggerSchedule TriggerSource = "schedule"
	TriggerManual   TriggerSource = "manual"
	TriggerRetry    TriggerSource = "retry"
	TriggerAPI      TriggerSource = "api"
)

// LifecycleJobRun is the maintenance-job analog of JobRun.
type LifecycleJobRun struct {
	ID            string               `json:"id" gorm:"primaryKey"`
	JobKind       string               `json:"jobKind"`
	DatasetID     *string              `json:"datasetId,omitempty" gorm:"index"`
	Operations    []LifecycleOperation `json:"operations" gorm:"serializer:json"`
	TriggerSource TriggerSource        `json:"triggerSource"`
	Status        RunStatus            `json:"status"`
	ScheduledFor  *time.Time           `json:"scheduledFor,omitempty"`
	StartedAt     *time.Time           `json:"startedAt,omitempty"`
	CompletedAt   *time.Time           `json:"completedAt,omitempty"`
	DurationMs    *int64               `json:"durationMs,omitempty"`
	Error         *string              `json:"error,omitempty"`
	Metadata      json.RawMessage      `json:"metadata,omitempty" gorm:"type:jsonb;serializer:json"`
}

// LifecycleAuditLogEntry is append-only, indexed by (DatasetID, CreatedAt).
type LifecycleAuditLogEntry struct {
	ID        string          `json:"id" gorm:"primaryKey"`
	DatasetID string          `json:"datasetId" gorm:"index:idx_lifecycle_audit_dataset_created,priority:1"`
	EventType string          `json:"eventType"`
	Detail    json.RawMessage `json:"detail,omitempty" gorm:"type:jsonb;serializer:json"`
	CreatedAt time.Time       `json:"createdAt" gorm:"index:idx_lifecycle_audit_dataset_created,priority:2"`
}

// DatasetAccessAuditEvent is append-only, indexed by (DatasetID, CreatedAt).
type DatasetAccessAuditEvent struct {
	ID        string          `json:"id" gorm:"primaryKey"`
	DatasetID string          `json:"datasetId" gorm:"index:idx_access_audit_dataset_created,priority:1"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"` // read | write
	Allowed   bool            `json:"allowed"`
	Detail    json.RawMessage `json:"detail,omitempty" gorm:"type:jsonb;serializer:json"`
	CreatedAt time.Time       `json:"createdAt" gorm:"index:idx_access_audit_dataset_created,priority:2"`
}

// Watermark tracks postgres_migration progress per (DatasetID, TableName).
type Watermark struct {
	DatasetID          string    `json:"datasetId" gorm:"primaryKey"`
	TableName          string    `json:"tableName" gorm:"primaryKey"`
	WatermarkTimestamp time.Time `json:"watermarkTimestamp"`
}

// IngestionRecord tracks (DatasetID, IdempotencyKey) -> produced partition for the
// idempotency guarantee.
type IngestionRecord struct {
	DatasetID      string    `json:"datasetId" gorm:"primaryKey"`
	IdempotencyKey string    `json:"idempotencyKey" gorm:"primaryKey"`
	PartitionID    string    `json:"partitionId"`
	ManifestID     string    `json:"manifestId"`
	CreatedAt      time.Time `json:"createdAt"`
}
