package platformmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the platform registers. QueueDepth is registered and exposed,
// but no component of the platform sets it.
type Metrics struct {
	QueueDepth         *prometheus.GaugeVec
	JobRunOutcomes     *prometheus.CounterVec
	SandboxDuration    *prometheus.HistogramVec
	LifecycleStarted   prometheus.Counter
	LifecycleCompleted prometheus.Counter
	LifecycleFailed    prometheus.Counter
	LifecycleSkipped   prometheus.Counter
	IngestOutcomes     *prometheus.CounterVec
}

// New registers and returns a fresh Metrics set under the given namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "apphub"
	}
	reg := promauto.With(prometheus.DefaultRegisterer)
	return &Metrics{
		QueueDepth: reg.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending job count per queue.",
		}, []string{"queue"}),
		JobRunOutcomes: reg.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_run_outcomes_total",
			Help:      "Job run completions by definition slug and terminal status.",
		}, []string{"slug", "status"}),
		SandboxDuration: reg.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_execution_duration_seconds",
			Help:      "Sandbox execution duration by runtime.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"runtime"}),
		LifecycleStarted: reg.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "lifecycle_jobs_started_total",
		}),
		LifecycleCompleted: reg.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "lifecycle_jobs_completed_total",
		}),
		LifecycleFailed: reg.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "lifecycle_jobs_failed_total",
		}),
		LifecycleSkipped: reg.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "lifecycle_jobs_skipped_total",
		}),
		IngestOutcomes: reg.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_outcomes_total",
			Help:      "Ingestion completions by dataset slug and outcome.",
		}, []string{"dataset", "outcome"}),
	}
}
