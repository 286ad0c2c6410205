package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// InlineQueue is the synchronous execution mode: Enqueue runs the registered
// handler on the calling goroutine before returning. It exists for single-process/dev
// deployments and must be explicitly enabled by config.
type InlineQueue struct {
	mu       sync.Mutex
	handlers map[string]Handler
	log      *logrus.Entry
	health   Health
}

// NewInlineQueue constructs an InlineQueue.
func NewInlineQueue(log *logrus.Entry) *InlineQueue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &InlineQueue{
		handlers: make(map[string]Handler),
		log:      log,
		health:   Health{Ready: true, Inline: true},
	}
}

func (q *InlineQueue) RegisterWorker(queueName string, _ int, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queueName] = handler
	return nil
}

func (q *InlineQueue) Enqueue(ctx context.Context, queueName string, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	jobID := opts.JobID
	if jobID == "" {
		jobID = fmt.Sprintf("%s-%d", queueName, time.Now().UnixNano())
	}

	q.mu.Lock()
	handler, ok := q.handlers[queueName]
	q.mu.Unlock()
	if !ok {
		return jobID, fmt.Errorf("no worker registered for queue %q", queueName)
	}

	if opts.DelayMs > 0 {
		select {
		case <-time.After(time.Duration(opts.DelayMs) * time.Millisecond):
		case <-ctx.Done():
			return jobID, ctx.Err()
		}
	}

	// RepeatEveryMs is intentionally not honored inline: a repeating job on the caller's
	// goroutine would never return. Schedulers needing repeats run the distributed mode.
	job := Job{ID: jobID, QueueName: queueName, Payload: payload, Attempt: 1, EnqueuedAt: time.Now().UTC()}
	if err := handler(ctx, job); err != nil {
		q.log.WithFields(logrus.Fields{"job": jobID, "queue": queueName}).WithError(err).
			Warn("inline job handler returned error")
		return jobID, err
	}
	return jobID, nil
}

func (q *InlineQueue) Depth(context.Context, string) (int, error) { return 0, nil }

func (q *InlineQueue) Health() Health { return q.health }

func (q *InlineQueue) Close() error { return nil }
