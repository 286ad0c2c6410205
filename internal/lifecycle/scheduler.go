package lifecycle

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apphub-core/platform/internal/metadata"
)

type SchedulerConfig struct {
	Interval    time.Duration
	Jitter      time.Duration
	Concurrency int
}

// Scheduler periodically runs compaction+retention across every active dataset that carries a
// RetentionPolicy, bounding in-flight datasets to Config.Concurrency. It reads Config through a
// pointer shared with the HTTP layer so POST /admin/lifecycle/reschedule takes effect
// on the next tick without a process restart.
type Scheduler struct {
	Engine *Engine
	Store  metadata.Store
	Logger *logrus.Entry
	Config *SchedulerConfig
}

// NewScheduler wires a Scheduler. cfg is held by reference; callers may mutate its fields
// (e.g. from the lifecycle/reschedule handler) between ticks.
func NewScheduler(engine *Engine, store metadata.Store, logger *logrus.Entry, cfg *SchedulerConfig) *Scheduler {
	return &Scheduler{Engine: engine, Store: store, Logger: logger, Config: cfg}
}

// Run blocks, ticking per Config.Interval+jitter until ctx is canceled, matching the
// cooperative-shutdown model for every other worker pool in the process.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait := s.Config.Interval
		if wait <= 0 {
			wait = 5 * time.Minute
		}
		if s.Config.Jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(s.Config.Jitter)))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := s.tick(ctx); err != nil && s.Logger != nil {
			s.Logger.WithError(err).Warn("lifecycle scheduler tick failed")
		}
	}
}

// tick runs one scheduling pass: every active dataset with a RetentionPolicy gets a
// compaction+retention LifecycleJobRun, fanned out across Config.Concurrency workers.
func (s *Scheduler) tick(ctx context.Context) error {
	concurrency := s.Config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	cursor := ""
	for {
		page, err := s.Store.Datasets().List(ctx, cursor, 100)
		if err != nil {
			return err
		}
		for _, ds := range page.Items {
			if ds.Status != metadata.DatasetActive {
				continue
			}
			if _, ok, err := s.Store.Retention().Get(ctx, ds.ID); err != nil || !ok {
				continue
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(datasetID string) {
				defer wg.Done()
				defer func() { <-sem }()
				s.runOne(ctx, datasetID)
			}(ds.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	wg.Wait()
	return nil
}

// runOne creates and runs a scheduled LifecycleJobRun for one dataset. Errors are logged, not
// returned: one dataset's failure must never abort the rest of the tick.
func (s *Scheduler) runOne(ctx context.Context, datasetID string) {
	run := metadata.LifecycleJobRun{
		ID:        uuid.NewString(),
		JobKind:   "scheduled",
		DatasetID: &datasetID,
		Operations: []metadata.LifecycleOperation{
			{Kind: metadata.LifecycleCompaction, Status: metadata.RunPending},
			{Kind: metadata.LifecycleRetention, Status: metadata.RunPending},
		},
		TriggerSource: metadata.TriggerSchedule,
		Status:        metadata.RunPending,
	}
	created, err := s.Store.Lifecycle().Create(ctx, run)
	if err != nil {
		if s.Logger != nil {
			s.Logger.WithError(err).Warn("lifecycle scheduler: create run failed")
		}
		return
	}
	if _, err := s.Engine.Run(ctx, created); err != nil && s.Logger != nil {
		s.Logger.WithError(err).WithField("datasetId", datasetID).Warn("scheduled lifecycle run failed")
	}
}
