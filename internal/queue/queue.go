package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Job is one unit of work dequeued by a worker. Payload is the caller's opaque job body.
type Job struct {
	ID            string          `json:"id"`
	QueueName     string          `json:"queueName"`
	Payload       json.RawMessage `json:"payload"`
	Attempt       int             `json:"attempt"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	RepeatEveryMs int64           `json:"repeatEveryMs,omitempty"`
}

// EnqueueOptions are the submit-time options accepted by Enqueue.
type EnqueueOptions struct {
	// JobID provides idempotency: enqueuing the same JobID while a prior enqueue of that ID is
	// still pending or processing is a no-op that returns the existing job id.
	JobID string
	// DelayMs schedules the job to become visible to workers after this many milliseconds.
	DelayMs int64
	// RepeatEveryMs, when non-zero, re-enqueues the job on this interval after each completion.
	RepeatEveryMs int64
	// RemoveOnComplete/RemoveOnFail control whether the job's terminal record is pruned.
	RemoveOnComplete bool
	RemoveOnFail     bool
}

// Handler processes one job. Returning an apherr-tagged retryable error requeues the job with
// backoff; any other error (or a non-retryable apherr.Error) dead-letters it.
type Handler func(ctx context.Context, job Job) error

// Health reports the queue's observable health for the service readiness probe.
type Health struct {
	Ready     bool   `json:"ready"`
	Inline    bool   `json:"inline"`
	LastError string `json:"lastError,omitempty"`
}

// Queue is the contract both execution modes satisfy.
type Queue interface {
	// Enqueue adds payload to queueName and returns the job id (opts.JobID if given).
	Enqueue(ctx context.Context, queueName string, payload json.RawMessage, opts EnqueueOptions) (string, error)
	// RegisterWorker attaches a concurrency-worker pool processing queueName with handler. It
	// returns once the workers are running; call Close to stop them.
	RegisterWorker(queueName string, concurrency int, handler Handler) error
	// Depth reports the number of jobs waiting in queueName.
	Depth(ctx context.Context, queueName string) (int, error)
	Health() Health
	Close() error
}
