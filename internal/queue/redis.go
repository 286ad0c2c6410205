package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/apphub-core/platform/internal/apherr"
)

type RedisQueue struct {
	client *redis.Client
	prefix string
	log    *logrus.Entry

	mu      sync.Mutex
	workers []*redisWorker
	health  Health
}

// RedisConfig configures RedisQueue.
type RedisConfig struct {
	URL       string
	KeyPrefix string // defaults to "apphub:queue:"
}

// NewRedisQueue dials Redis and verifies connectivity before returning.
func NewRedisQueue(ctx context.Context, cfg RedisConfig, log *logrus.Entry) (*RedisQueue, error) {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "apphub:queue:"
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, apherr.Wrap(apherr.KindValidation, fmt.Errorf("parse redis url: %w", err))
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, apherr.Wrap(apherr.KindUnavailable, fmt.Errorf("connect to redis: %w", err))
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisQueue{client: client, prefix: prefix, log: log, health: Health{Ready: true}}, nil
}

func (q *RedisQueue) listKey(queueName string) string       { return q.prefix + queueName }
func (q *RedisQueue) processingKey() string                 { return q.prefix + "processing" }
func (q *RedisQueue) delayedKey() string                    { return q.prefix + "delayed" }
func (q *RedisQueue) pendingIDsKey(queueName string) string { return q.prefix + "pending:" + queueName }

func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	jobID := opts.JobID
	if jobID == "" {
		jobID = fmt.Sprintf("%s-%d", queueName, time.Now().UnixNano())
	}

	added, err := q.client.SAdd(ctx, q.pendingIDsKey(queueName), jobID).Result()
	if err != nil {
		return "", apherr.Wrap(apherr.KindUnavailable, err)
	}
	if added == 0 {
		// Same jobId already pending or processing: idempotent no-op.
		return jobID, nil
	}

	job := Job{ID: jobID, QueueName: queueName, Payload: payload, EnqueuedAt: time.Now().UTC(), RepeatEveryMs: opts.RepeatEveryMs}
	raw, err := json.Marshal(job)
	if err != nil {
		return "", apherr.Wrap(apherr.KindValidation, err)
	}

	if opts.DelayMs > 0 {
		runAt := time.Now().Add(time.Duration(opts.DelayMs) * time.Millisecond)
		if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: raw}).Err(); err != nil {
			return "", apherr.Wrap(apherr.KindUnavailable, err)
		}
		return jobID, nil
	}

	if err := q.client.RPush(ctx, q.listKey(queueName), raw).Err(); err != nil {
		return "", apherr.Wrap(apherr.KindUnavailable, err)
	}
	return jobID, nil
}

// promoteDueDelayed moves delayed jobs whose run time has passed onto their target list. Called
// from each worker goroutine's loop once its 500ms poll ticker has fired.
func (q *RedisQueue) promoteDueDelayed(ctx context.Context) {
	now := float64(time.Now().UnixMilli())
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil || len(due) == 0 {
		return
	}
	for _, raw := range due {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.client.ZRem(ctx, q.delayedKey(), raw)
			continue
		}
		if err := q.client.RPush(ctx, q.listKey(job.QueueName), raw).Err(); err == nil {
			q.client.ZRem(ctx, q.delayedKey(), raw)
		}
	}
}

func (q *RedisQueue) Depth(ctx context.Context, queueName string) (int, error) {
	n, err := q.client.LLen(ctx, q.listKey(queueName)).Result()
	if err != nil {
		return 0, apherr.Wrap(apherr.KindUnavailable, err)
	}
	return int(n), nil
}

func (q *RedisQueue) Health() Health {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.health
}

func (q *RedisQueue) setLastError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err == nil {
		q.health.LastError = ""
		return
	}
	q.health.LastError = err.Error()
}

func (q *RedisQueue) RegisterWorker(queueName string, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < concurrency; i++ {
		w := &redisWorker{id: i, queueName: queueName, q: q, handler: handler, stop: make(chan struct{})}
		q.workers = append(q.workers, w)
		go w.run()
	}
	return nil
}

func (q *RedisQueue) Close() error {
	q.mu.Lock()
	workers := q.workers
	q.workers = nil
	q.mu.Unlock()
	for _, w := range workers {
		close(w.stop)
	}
	return q.client.Close()
}

type redisWorker struct {
	id        int
	queueName string
	q         *RedisQueue
	handler   Handler
	stop      chan struct{}
}

func (w *redisWorker) run() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.q.promoteDueDelayed(context.Background())
		default:
		}
		if err := w.processNext(); err != nil {
			w.q.setLastError(err)
			w.q.log.WithFields(logrus.Fields{"worker": w.id, "queue": w.queueName}).
				WithError(err).Warn("queue worker error")
			time.Sleep(time.Second)
		}
	}
}

func (w *redisWorker) processNext() error {
	ctx := context.Background()
	result, err := w.q.client.BLPop(ctx, 5*time.Second, w.q.listKey(w.queueName)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if len(result) < 2 {
		return nil
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return fmt.Errorf("unmarshal job: %w", err)
	}
	job.Attempt++

	deadline := time.Now().Add(10 * time.Minute)
	if err := w.q.client.ZAdd(ctx, w.q.processingKey(), redis.Z{Score: float64(deadline.Unix()), Member: job.ID}).Err(); err != nil {
		w.q.log.WithError(err).Warn("failed to mark job processing, requeuing")
		w.q.client.RPush(ctx, w.q.listKey(w.queueName), result[1])
		return nil
	}

	handlerCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	procErr := w.handler(handlerCtx, job)
	cancel()

	w.q.client.ZRem(ctx, w.q.processingKey(), job.ID)

	if procErr == nil {
		if job.RepeatEveryMs > 0 {
			// Repeating job: keep the pending-id marker and schedule the next occurrence.
			next := job
			next.Attempt = 0
			raw, _ := json.Marshal(next)
			w.q.client.ZAdd(ctx, w.q.delayedKey(), redis.Z{
				Score: float64(time.Now().Add(time.Duration(job.RepeatEveryMs) * time.Millisecond).UnixMilli()), Member: raw,
			})
			return nil
		}
		w.q.client.SRem(ctx, w.q.pendingIDsKey(w.queueName), job.ID)
		return nil
	}

	if apherr.Retryable(procErr) {
		delay := backoffDelay(job.Attempt)
		raw, _ := json.Marshal(job)
		w.q.client.ZAdd(ctx, w.q.delayedKey(), redis.Z{
			Score: float64(time.Now().Add(delay).UnixMilli()), Member: raw,
		})
		return nil
	}

	// Terminal error: dead-letter by dropping the pending-id marker so a future enqueue of the
	// same jobId is accepted again.
	w.q.client.SRem(ctx, w.q.pendingIDsKey(w.queueName), job.ID)
	w.q.log.WithFields(logrus.Fields{"job": job.ID, "queue": w.queueName}).
		WithError(procErr).Error("job dead-lettered")
	return nil
}

// backoffDelay computes a requeue delay using an exponential backoff curve: the base interval
// starts at 500ms, doubles per attempt and is capped at 5 minutes. The library's default ±50%
// randomization is kept, so a single delay can reach 7.5 minutes.
func backoffDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Minute
	b.Multiplier = 2
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = b.MaxInterval
	}
	return d
}
