package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestInlineQueueRunsHandlerSynchronously(t *testing.T) {
	q := NewInlineQueue(nil)
	var seen Job
	if err := q.RegisterWorker("ingest", 1, func(_ context.Context, job Job) error {
		seen = job
		return nil
	}); err != nil {
		t.Fatalf("register worker: %v", err)
	}

	payload, _ := json.Marshal(map[string]string{"slug": "orders"})
	id, err := q.Enqueue(context.Background(), "ingest", payload, EnqueueOptions{JobID: "job-1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("expected job id job-1, got %s", id)
	}
	if seen.ID != "job-1" || seen.QueueName != "ingest" {
		t.Fatalf("handler did not observe expected job: %+v", seen)
	}
}

func TestInlineQueuePropagatesHandlerError(t *testing.T) {
	q := NewInlineQueue(nil)
	boom := errors.New("boom")
	if err := q.RegisterWorker("ingest", 1, func(context.Context, Job) error { return boom }); err != nil {
		t.Fatalf("register worker: %v", err)
	}

	_, err := q.Enqueue(context.Background(), "ingest", nil, EnqueueOptions{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error to propagate, got %v", err)
	}
}

func TestInlineQueueErrorsWithoutRegisteredWorker(t *testing.T) {
	q := NewInlineQueue(nil)
	if _, err := q.Enqueue(context.Background(), "missing", nil, EnqueueOptions{}); err == nil {
		t.Fatal("expected error enqueuing to a queue with no registered worker")
	}
}

func TestBackoffDelayIncreasesWithAttempt(t *testing.T) {
	d1 := backoffDelay(1)
	d3 := backoffDelay(3)
	if d3 < d1 {
		t.Fatalf("expected backoff to grow with attempt count: d1=%v d3=%v", d1, d3)
	}
}
