// Package sandbox defines the shared executor contract: three concrete isolation
// strategies (in-process interpreter, subprocess interpreter, container) behind one interface,
// dispatched by the job runtime.
package sandbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/apphub-core/platform/internal/bundle"
	"github.com/apphub-core/platform/internal/metadata"
)

// ResourceUsage reports the sandbox's resource accounting for one execution.
type ResourceUsage struct {
	CPUTimeMs    int64 `json:"cpuTimeMs"`
	WallTimeMs   int64 `json:"wallTimeMs"`
	MemoryHighKB int64 `json:"memoryHighKb"`
}

// LogLine is one buffered log entry produced by a sandboxed handler.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Telemetry is the shared result envelope every executor returns.
type Telemetry struct {
	TaskID            string          `json:"taskId"`
	DurationMs        int64           `json:"durationMs"`
	Logs              []LogLine       `json:"logs"`
	TruncatedLogCount int             `json:"truncatedLogCount"`
	ResourceUsage     ResourceUsage   `json:"resourceUsage"`
	Result            json.RawMessage `json:"result,omitempty"`
}

// Logger is the sandbox-facing logging callback handed to every handler.
type Logger func(msg string, meta map[string]any)

// Update persists heartbeat and field patches against the owning JobRun.
type Update func(patch map[string]any) error

// SecretResolver resolves a secret reference without ever logging the resolved value.
// Returns "", false when the reference is unknown.
type SecretResolver func(ctx context.Context, reference string) (string, bool, error)

// Executor is the interface every sandbox strategy implements.
type Executor interface {
	// CanHandle reports whether this executor services definition's runtime/binding.
	CanHandle(def metadata.JobDefinition, binding *bundle.Binding) bool
	// Execute runs bundle's exportName entry against parameters, enforcing timeoutMs, and
	// returns Telemetry. acquired may be nil for runtimes that do not resolve a bundle
	// (in-process module/static handler runtimes use a different dispatch path entirely; see
	// internal/jobruntime).
	Execute(
		ctx context.Context,
		acquired *bundle.AcquiredBundle,
		def metadata.JobDefinition,
		run metadata.JobRun,
		parameters json.RawMessage,
		timeoutMs int64,
		exportName string,
		logger Logger,
		update Update,
		resolveSecret SecretResolver,
	) (Telemetry, error)
	// Name identifies the executor for logging/telemetry.
	Name() string
}

type Registry struct {
	executors []Executor
}

// NewRegistry builds an empty registry; call Register to add executors in priority order.
func NewRegistry() *Registry { return &Registry{} }

// Register appends executor to the dispatch order.
func (r *Registry) Register(executor Executor) { r.executors = append(r.executors, executor) }

// Resolve returns the first registered Executor able to handle def/binding, or nil.
func (r *Registry) Resolve(def metadata.JobDefinition, binding *bundle.Binding) Executor {
	for _, e := range r.executors {
		if e.CanHandle(def, binding) {
			return e
		}
	}
	return nil
}
