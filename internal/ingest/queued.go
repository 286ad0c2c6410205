package ingest

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/apphub-core/platform/internal/queue"
)

// IngestQueueName is the dedicated queue name for queued-mode ingestion.
const IngestQueueName = "ingest"

// Enqueue implements queued-mode ingestion: enqueue the full body and return the job
// id, rather than running the pipeline on the caller's goroutine.
func (p *Pipeline) Enqueue(ctx context.Context, q queue.Queue, datasetSlug string, body Body) (string, error) {
	payload, err := json.Marshal(queuedIngest{DatasetSlug: datasetSlug, Body: body})
	if err != nil {
		return "", err
	}
	jobID := body.IdempotencyKey
	if jobID == "" {
		jobID = uuid.NewString()
	}
	return q.Enqueue(ctx, IngestQueueName, payload, queue.EnqueueOptions{JobID: jobID, RemoveOnComplete: true})
}

type queuedIngest struct {
	DatasetSlug string `json:"datasetSlug"`
	Body        Body   `json:"body"`
}

// Worker returns a queue.Handler that replays Enqueue's payload through the inline pipeline,
// wiring queued mode back onto the same Ingest implementation inline mode uses.
func (p *Pipeline) Worker() queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		var req queuedIngest
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return err
		}
		_, err := p.Ingest(ctx, req.DatasetSlug, req.Body)
		return err
	}
}
