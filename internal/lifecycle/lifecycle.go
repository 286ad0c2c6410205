// Package lifecycle implements the lifecycle engine: compaction, retention,
// postgres_migration, and parquet_export operations, each processing exactly one dataset and
// running its declared operations in order, plus the metrics ring buffer and the background
// scheduler.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apphub-core/platform/internal/dataset"
	"github.com/apphub-core/platform/internal/ingest"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/objectstore"
	"github.com/apphub-core/platform/internal/platformmetrics"
)

// OperationHandler runs one LifecycleOperationKind against a dataset, taking the current
// manifest and returning the manifest produced by this operation.
type OperationHandler func(ctx context.Context, datasetID string, current metadata.DatasetManifest) (metadata.DatasetManifest, ChunkSample, error)

type ChunkSample struct {
	ID         string `json:"id"`
	Bytes      int64  `json:"bytes"`
	Partitions int    `json:"partitions"`
	DurationMs int64  `json:"durationMs"`
	Attempts   int    `json:"attempts"`
}

const ringBufferCap = 200

// Metrics is the global + per-chunk metrics contract.
type Metrics struct {
	JobsStarted   int64         `json:"jobsStarted"`
	JobsCompleted int64         `json:"jobsCompleted"`
	JobsFailed    int64         `json:"jobsFailed"`
	JobsSkipped   int64         `json:"jobsSkipped"`
	LastRunAt     *time.Time    `json:"lastRunAt,omitempty"`
	LastErrorAt   *time.Time    `json:"lastErrorAt,omitempty"`
	Samples       []ChunkSample `json:"samples,omitempty"`
}

func (m *Metrics) recordSample(s ChunkSample) {
	m.Samples = append(m.Samples, s)
	if len(m.Samples) > ringBufferCap {
		m.Samples = m.Samples[len(m.Samples)-ringBufferCap:]
	}
}

// Engine runs lifecycle jobs against a metadata.Store and dataset.Engine, maintaining the
// metrics contract above.
type Engine struct {
	Store      metadata.Store
	Dataset    *dataset.Engine
	Objects    objectstore.Store
	Logger     *logrus.Entry
	Prom       *platformmetrics.Metrics
	Handlers   map[metadata.LifecycleOperationKind]OperationHandler
	Relational RelationalSource // postgres_migration source; nil disables the operation
	Ingest     *ingest.Pipeline // postgres_migration write path; parquet_export does not use it
	Exporter   ParquetExporter  // parquet_export sink; nil disables the operation

	metrics Metrics
}

// NewEngine wires compaction/retention/migration/export handlers. Relational, ing, and exporter
// may be nil; the corresponding operation then no-ops (the dataset's lifecycle schedule simply
// should not request it).
func NewEngine(store metadata.Store, ds *dataset.Engine, objects objectstore.Store, logger *logrus.Entry, prom *platformmetrics.Metrics, relational RelationalSource, ing *ingest.Pipeline, exporter ParquetExporter) *Engine {
	e := &Engine{Store: store, Dataset: ds, Objects: objects, Logger: logger, Prom: prom, Relational: relational, Ingest: ing, Exporter: exporter}
	e.Handlers = map[metadata.LifecycleOperationKind]OperationHandler{
		metadata.LifecycleCompaction:        e.runCompaction,
		metadata.LifecycleRetention:         e.runRetention,
		metadata.LifecyclePostgresMigration: e.runPostgresMigration,
		metadata.LifecycleParquetExport:     e.runParquetExport,
	}
	return e
}

// Metrics returns a snapshot of the global lifecycle metrics contract.
func (e *Engine) Metrics() Metrics { return e.metrics }

// Run processes exactly one dataset, executing the requested operations in declared order.
// An operation's failure aborts the remaining operations and marks the job failed; the job is
// not retried automatically.
func (e *Engine) Run(ctx context.Context, run metadata.LifecycleJobRun) (metadata.LifecycleJobRun, error) {
	e.metrics.JobsStarted++
	if e.Prom != nil {
		e.Prom.LifecycleStarted.Inc()
	}
	started := time.Now().UTC()
	run.StartedAt = &started
	run.Status = metadata.RunRunning

	if run.DatasetID == nil {
		e.metrics.JobsSkipped++
		if e.Prom != nil {
			e.Prom.LifecycleSkipped.Inc()
		}
		return e.finish(ctx, run, fmt.Errorf("lifecycle job has no datasetId"))
	}

	shard, current, hasManifest, err := e.latestManifest(ctx, *run.DatasetID)
	if err != nil {
		return e.finish(ctx, run, err)
	}
	_ = shard

	for i := range run.Operations {
		op := &run.Operations[i]
		handler, ok := e.Handlers[op.Kind]
		if !ok {
			errMsg := fmt.Sprintf("no handler registered for operation %s", op.Kind)
			op.Status = metadata.RunFailed
			op.Error = &errMsg
			return e.finish(ctx, run, fmt.Errorf("%s", errMsg))
		}
		if !hasManifest {
			op.Status = metadata.RunSucceeded
			continue
		}

		opStart := time.Now()
		next, sample, err := handler(ctx, *run.DatasetID, current)
		sample.DurationMs = time.Since(opStart).Milliseconds()
		e.metrics.recordSample(sample)

		if err != nil {
			errMsg := err.Error()
			op.Status = metadata.RunFailed
			op.Error = &errMsg
			return e.finish(ctx, run, err)
		}
		op.Status = metadata.RunSucceeded
		current = next
	}

	return e.finish(ctx, run, nil)
}

func (e *Engine) finish(ctx context.Context, run metadata.LifecycleJobRun, opErr error) (metadata.LifecycleJobRun, error) {
	now := time.Now().UTC()
	run.CompletedAt = &now
	if run.StartedAt != nil {
		d := now.Sub(*run.StartedAt).Milliseconds()
		run.DurationMs = &d
	}
	e.metrics.LastRunAt = &now

	if opErr != nil {
		run.Status = metadata.RunFailed
		msg := opErr.Error()
		run.Error = &msg
		e.metrics.JobsFailed++
		e.metrics.LastErrorAt = &now
		if e.Prom != nil {
			e.Prom.LifecycleFailed.Inc()
		}
	} else {
		run.Status = metadata.RunSucceeded
		e.metrics.JobsCompleted++
		if e.Prom != nil {
			e.Prom.LifecycleCompleted.Inc()
		}
	}

	updated, err := e.Store.Lifecycle().Update(ctx, run.ID, func(r *metadata.LifecycleJobRun) { *r = run })
	if err != nil {
		return run, err
	}
	return updated, opErr
}

func (e *Engine) latestManifest(ctx context.Context, datasetID string) (string, metadata.DatasetManifest, bool, error) {
	manifests, err := e.Store.Manifests().ListByDataset(ctx, datasetID)
	if err != nil {
		return "", metadata.DatasetManifest{}, false, err
	}
	for _, m := range manifests {
		if m.Status == metadata.ManifestPublished {
			return m.ManifestShard, m, true, nil
		}
	}
	return "", metadata.DatasetManifest{}, false, nil
}

func (e *Engine) audit(ctx context.Context, datasetID, eventType string, detail map[string]any) {
	raw, _ := json.Marshal(detail)
	// Audit writes must never throw to callers; failures are logged and swallowed.
	if err := e.Store.Audit().AppendLifecycle(ctx, metadata.LifecycleAuditLogEntry{
		ID:        uuid.NewString(),
		DatasetID: datasetID,
		EventType: eventType,
		Detail:    raw,
		CreatedAt: time.Now().UTC(),
	}); err != nil && e.Logger != nil {
		e.Logger.WithError(err).WithField("eventType", eventType).Warn("lifecycle audit append failed")
	}
}

func humanizeBytes(n int64) string { return humanize.Bytes(uint64(n)) }

// deleteQuietly removes a superseded partition file. Called only after the replacement manifest
// has already been published, so a failure here leaves an orphaned object rather than a
// dangling reference.
func deleteQuietly(ctx context.Context, objects objectstore.Store, path string) error {
	if path == "" {
		return nil
	}
	return objects.Delete(ctx, path)
}
