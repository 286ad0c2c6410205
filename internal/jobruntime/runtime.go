// Package jobruntime implements the job run state machine and dispatch flow: loading a
// definition, resolving a bundle binding, selecting a sandbox, computing effective parameters and
// timeout, executing, and completing the run record with retry-policy-aware failure handling.
package jobruntime

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/bundle"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/platformmetrics"
	"github.com/apphub-core/platform/internal/queue"
	"github.com/apphub-core/platform/internal/sandbox"
)

// StaticHandler is an in-process handler registered at startup for runtime kinds that never
// resolve a bundle.
type StaticHandler func(ctx context.Context, rc *RunContext) (result json.RawMessage, metrics json.RawMessage, err error)

// ModuleTarget is an in-process module handler selected by (moduleId, moduleVersion,
// targetName, targetVersion) for definitions with the "module" runtime.
type ModuleTarget struct {
	Kind     string // must match the definition's expected target kind
	Disabled bool
	Handler  StaticHandler
}

// ModuleResolver looks up a registered ModuleTarget.
type ModuleResolver func(moduleID, moduleVersion, targetName, targetVersion string) (ModuleTarget, bool)

// RecoveryHook attempts to rematerialize a bundle binding from secondary metadata (e.g. a git
// tag) when the primary registry lookup fails with bundle-not-found/acquire-failed. Returning a
// non-nil *bundle.Binding means recovery produced a different binding that subsequent steps
// should use.
type RecoveryHook func(ctx context.Context, original bundle.Binding) (*bundle.Binding, error)

// RunContext is handed to every handler, sandboxed or static.
type RunContext struct {
	Definition    metadata.JobDefinition
	Run           metadata.JobRun
	Parameters    json.RawMessage
	update        func(patch map[string]any) error
	resolveSecret sandbox.SecretResolver
	logger        *logrus.Entry
}

func (rc *RunContext) Update(patch map[string]any) error { return rc.update(patch) }
func (rc *RunContext) Heartbeat() error                  { return rc.update(map[string]any{"heartbeat": true}) }
func (rc *RunContext) ResolveSecret(ctx context.Context, ref string) (string, bool, error) {
	if rc.resolveSecret == nil {
		return "", false, nil
	}
	return rc.resolveSecret(ctx, ref)
}
func (rc *RunContext) Logger(msg string, meta map[string]any) {
	if rc.logger != nil {
		rc.logger.WithFields(meta).Info(msg)
	}
}

// Runtime dispatches JobRuns. Every collaborator is a field on this struct, so tests construct
// it with an in-memory store and a sandbox double registered in the sandbox registry.
type Runtime struct {
	Store         metadata.Store
	Queue         queue.Queue
	Bundles       *bundle.Registry
	BundleCache   *bundle.Cache
	Sandboxes     *sandbox.Registry
	Modules       ModuleResolver
	Statics       map[string]StaticHandler
	Recovery      RecoveryHook
	ResolveSecret sandbox.SecretResolver
	Logger        *logrus.Entry
	Metrics       *platformmetrics.Metrics

	// FallbackAllowed decides whether a legacy static fallback handler may be used for slug
	// after bundle recovery fails; see config.Bundles.FallbackAllowed.
	FallbackAllowed func(slug string) bool
	// LegacyFallback maps a slug to a static handler used only when recovery fails and
	// FallbackAllowed(slug) is true.
	LegacyFallback map[string]StaticHandler

	// RepositoryQueueName is the domain-specific queue the pre-registered repository-ingest/
	// repository-build slugs enqueue onto instead of invoking a sandbox.
	RepositoryQueueName string
}

// Dispatch implements the dispatch flow for a single pending run.
func (rt *Runtime) Dispatch(ctx context.Context, runID string) error {
	run, err := rt.Store.Runs().Get(ctx, runID)
	if err != nil {
		return err
	}

	def, err := rt.Store.Definitions().Get(ctx, run.DefinitionSlug)
	if err != nil {
		rt.completeFailed(ctx, run, "definition-missing", apherr.New(apherr.KindDefinitionMissing, "job definition not found"))
		return nil
	}

	if handled, err := rt.dispatchRepositorySpecial(ctx, def, run); handled {
		return err
	}

	now := time.Now().UTC()
	run, err = rt.Store.Runs().Update(ctx, run.ID, &run.UpdatedAt, func(r *JobRunAlias) {
		r.Status = metadata.RunRunning
		r.StartedAt = &now
	})
	if err != nil {
		return err
	}

	effectiveParams := mergeParameters(def.DefaultParameters, run.Parameters)
	effectiveTimeout := resolveTimeout(run.Context, def.TimeoutMs)

	binding, hasBinding, err := bundle.ParseBinding(def.EntryPoint)
	if err != nil {
		rt.completeFailed(ctx, run, "invalid-entry-point", err)
		return nil
	}
	if override := overrideFromContext(run.Context); override != nil {
		binding = *override
		hasBinding = true
	}

	logger := rt.Logger.WithFields(logrus.Fields{"runID": run.ID, "jobSlug": def.Slug})
	rc := &RunContext{
		Definition: def, Run: run, Parameters: effectiveParams,
		update:        rt.updateFn(ctx, run.ID),
		resolveSecret: rt.auditedResolveSecret(def.Slug, run.ID),
		logger:        logger,
	}

	switch {
	case def.Runtime == metadata.RuntimeModule:
		rt.dispatchModule(ctx, def, run, rc)
		return nil
	case hasBinding:
		rt.dispatchSandboxed(ctx, def, run, rc, binding, effectiveParams, effectiveTimeout)
		return nil
	default:
		if h, ok := rt.Statics[def.Slug]; ok {
			rt.runStatic(ctx, def, run, rc, h)
			return nil
		}
		rt.completeFailed(ctx, run, "no-handler", apherr.New(apherr.KindExecution, "no static handler registered for slug"))
		return nil
	}
}

// JobRunAlias avoids an import cycle purely for Store.Runs().Update's mutate callback signature;
// it is metadata.JobRun by another name used only inside this file's closures.
type JobRunAlias = metadata.JobRun

func mergeParameters(defaults, submitted json.RawMessage) json.RawMessage {
	if len(submitted) == 0 {
		return defaults
	}
	var base map[string]any
	if len(defaults) > 0 {
		_ = json.Unmarshal(defaults, &base)
	}
	if base == nil {
		base = map[string]any{}
	}
	var over map[string]any
	if err := json.Unmarshal(submitted, &over); err == nil {
		for k, v := range over {
			base[k] = v
		}
	}
	merged, _ := json.Marshal(base)
	return merged
}

// resolveTimeout picks the effective timeout: a run-level timeoutMs in the run context beats
// the definition's TimeoutMs; absent both, zero means no watchdog.
func resolveTimeout(runContext json.RawMessage, defTimeout *int64) int64 {
	if len(runContext) > 0 {
		var wrapper struct {
			TimeoutMs *int64 `json:"timeoutMs"`
		}
		if err := json.Unmarshal(runContext, &wrapper); err == nil && wrapper.TimeoutMs != nil {
			return *wrapper.TimeoutMs
		}
	}
	if defTimeout != nil {
		return *defTimeout
	}
	return 0
}

// overrideFromContext reads a workflow-provided bundle override from run.Context; an override,
// when present, always wins over the definition-declared binding.
func overrideFromContext(ctx json.RawMessage) *bundle.Binding {
	if len(ctx) == 0 {
		return nil
	}
	var wrapper struct {
		BundleOverride *string `json:"bundleOverride"`
	}
	if err := json.Unmarshal(ctx, &wrapper); err != nil || wrapper.BundleOverride == nil {
		return nil
	}
	b, ok, err := bundle.ParseBinding(*wrapper.BundleOverride)
	if err != nil || !ok {
		return nil
	}
	return &b
}

func (rt *Runtime) updateFn(ctx context.Context, runID string) func(map[string]any) error {
	return func(patch map[string]any) error {
		now := time.Now().UTC()
		_, err := rt.Store.Runs().Update(ctx, runID, nil, func(r *metadata.JobRun) {
			r.LastHeartbeatAt = &now
			if v, ok := patch["result"]; ok {
				if raw, err := json.Marshal(v); err == nil {
					r.Result = raw
				}
			}
			if v, ok := patch["metrics"]; ok {
				if raw, err := json.Marshal(v); err == nil {
					r.Metrics = raw
				}
			}
		})
		return err
	}
}

func (rt *Runtime) auditedResolveSecret(jobSlug, runID string) sandbox.SecretResolver {
	return func(ctx context.Context, reference string) (string, bool, error) {
		if rt.ResolveSecret == nil {
			return "", false, nil
		}
		val, ok, err := rt.ResolveSecret(ctx, reference)
		rt.Logger.WithFields(logrus.Fields{"runID": runID, "jobSlug": jobSlug, "reference": reference}).
			Info("secret resolved")
		return val, ok, err
	}
}

func (rt *Runtime) runStatic(ctx context.Context, def metadata.JobDefinition, run metadata.JobRun, rc *RunContext, h StaticHandler) {
	result, metrics, err := h(ctx, rc)
	if err != nil {
		rt.handleFailure(ctx, def, run, err)
		return
	}
	rt.completeSucceeded(ctx, run, result, metrics, nil)
}

func (rt *Runtime) dispatchModule(ctx context.Context, def metadata.JobDefinition, run metadata.JobRun, rc *RunContext) {
	var binding struct {
		ModuleID      string `json:"moduleId"`
		ModuleVersion string `json:"moduleVersion"`
		TargetName    string `json:"targetName"`
		TargetVersion string `json:"targetVersion"`
		TargetKind    string `json:"targetKind"`
	}
	if err := json.Unmarshal([]byte(def.EntryPoint), &binding); err != nil {
		rt.completeFailed(ctx, run, "invalid-module-binding", apherr.Wrap(apherr.KindValidation, err))
		return
	}
	if rt.Modules == nil {
		rt.completeFailed(ctx, run, "module-resolver-unavailable", apherr.New(apherr.KindExecution, "no module resolver configured"))
		return
	}
	target, ok := rt.Modules(binding.ModuleID, binding.ModuleVersion, binding.TargetName, binding.TargetVersion)
	if !ok || target.Disabled || (binding.TargetKind != "" && target.Kind != binding.TargetKind) {
		rt.completeFailed(ctx, run, "module-target-invalid", apherr.New(apherr.KindValidation, "module disabled or target kind mismatch"))
		return
	}
	rt.runStatic(ctx, def, run, rc, target.Handler)
}

func (rt *Runtime) dispatchRepositorySpecial(ctx context.Context, def metadata.JobDefinition, run metadata.JobRun) (bool, error) {
	var params map[string]any
	_ = json.Unmarshal(run.Parameters, &params)

	switch def.Slug {
	case "repository-ingest":
		if _, ok := params["repositoryId"]; !ok {
			rt.completeFailed(ctx, run, "missing-parameter", apherr.New(apherr.KindMissingParameter, "repositoryId is required"))
			return true, nil
		}
	case "repository-build":
		if _, ok := params["buildId"]; !ok {
			rt.completeFailed(ctx, run, "missing-parameter", apherr.New(apherr.KindMissingParameter, "buildId is required"))
			return true, nil
		}
		if _, ok := params["repositoryId"]; !ok {
			rt.completeFailed(ctx, run, "missing-parameter", apherr.New(apherr.KindMissingParameter, "repositoryId is derivable from buildId but was not supplied"))
			return true, nil
		}
	default:
		return false, nil
	}

	payload, _ := json.Marshal(run)
	queueName := rt.RepositoryQueueName
	if queueName == "" {
		queueName = "repository"
	}
	_, err := rt.Queue.Enqueue(ctx, queueName, payload, queue.EnqueueOptions{JobID: run.ID})
	return true, err
}

// NextAttemptDelay computes the retry scheduler formula:
// now + clamp(initialDelayMs × factor^(attempt-1), ≤ maxDelayMs) with jitter.
func NextAttemptDelay(policy metadata.RetryPolicy, attempt int) time.Duration {
	if policy.Strategy == metadata.RetryNone || attempt < 1 {
		return 0
	}
	factor := 1.0
	if policy.Strategy == metadata.RetryExponential {
		factor = math.Pow(2, float64(attempt-1))
	}
	delay := float64(policy.InitialDelayMs) * factor
	if policy.MaxDelayMs != nil && delay > float64(*policy.MaxDelayMs) {
		delay = float64(*policy.MaxDelayMs)
	}
	jitterRatio := policy.JitterRatio
	if jitterRatio > 0 {
		jitter := delay * jitterRatio * rand.Float64()
		delay = delay - (delay*jitterRatio)/2 + jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay) * time.Millisecond
}

func (rt *Runtime) handleFailure(ctx context.Context, def metadata.JobDefinition, run metadata.JobRun, err error) {
	kind := apherr.KindOf(err)
	if kind == apherr.KindCancelled {
		rt.completeCanceled(ctx, run, err.Error())
		return
	}
	if kind == apherr.KindTimeout {
		rt.completeExpired(ctx, run)
		return
	}

	retryable := apherr.Retryable(err)
	maxAttempts := 1
	var policy metadata.RetryPolicy
	if def.RetryPolicy != nil {
		policy = *def.RetryPolicy
		if policy.MaxAttempts != nil {
			maxAttempts = *policy.MaxAttempts
		}
	}

	nextAttempt := run.Attempt + 1
	if retryable && policy.Strategy != metadata.RetryNone && nextAttempt < maxAttempts {
		delay := NextAttemptDelay(policy, nextAttempt)
		now := time.Now().UTC()
		_, updErr := rt.Store.Runs().Update(ctx, run.ID, nil, func(r *metadata.JobRun) {
			r.Status = metadata.RunPending
			r.Attempt = nextAttempt
			r.RetryCount++
			r.ScheduledAt = now.Add(delay)
		})
		if updErr != nil {
			rt.Logger.WithError(updErr).Error("failed to schedule retry")
		}
		return
	}

	rt.completeFailed(ctx, run, string(apherr.KindOf(err)), err)
}

func (rt *Runtime) completeSucceeded(ctx context.Context, run metadata.JobRun, result, metrics json.RawMessage, runContext json.RawMessage) {
	now := time.Now().UTC()
	_, err := rt.Store.Runs().Update(ctx, run.ID, nil, func(r *metadata.JobRun) {
		r.Status = metadata.RunSucceeded
		r.CompletedAt = &now
		if len(result) > 0 {
			r.Result = result
		}
		if len(metrics) > 0 {
			r.Metrics = metrics
		}
		if len(runContext) > 0 {
			r.Context = runContext
		}
	})
	if err != nil {
		rt.Logger.WithError(err).Error("failed to record run success")
	}
	if rt.Metrics != nil {
		rt.Metrics.JobRunOutcomes.WithLabelValues(run.DefinitionSlug, string(metadata.RunSucceeded)).Inc()
	}
}

func (rt *Runtime) completeFailed(ctx context.Context, run metadata.JobRun, reason string, err error) {
	now := time.Now().UTC()
	msg := err.Error()
	_, uErr := rt.Store.Runs().Update(ctx, run.ID, nil, func(r *metadata.JobRun) {
		r.Status = metadata.RunFailed
		r.CompletedAt = &now
		r.FailureReason = &reason
		r.ErrorMessage = &msg
	})
	if uErr != nil {
		rt.Logger.WithError(uErr).Error("failed to record run failure")
	}
	if rt.Metrics != nil {
		rt.Metrics.JobRunOutcomes.WithLabelValues(run.DefinitionSlug, string(metadata.RunFailed)).Inc()
	}
}

func (rt *Runtime) completeExpired(ctx context.Context, run metadata.JobRun) {
	now := time.Now().UTC()
	_, err := rt.Store.Runs().Update(ctx, run.ID, nil, func(r *metadata.JobRun) {
		r.Status = metadata.RunExpired
		r.CompletedAt = &now
	})
	if err != nil {
		rt.Logger.WithError(err).Error("failed to record run expiry")
	}
	if rt.Metrics != nil {
		rt.Metrics.JobRunOutcomes.WithLabelValues(run.DefinitionSlug, string(metadata.RunExpired)).Inc()
	}
}

func (rt *Runtime) completeCanceled(ctx context.Context, run metadata.JobRun, reason string) {
	now := time.Now().UTC()
	cancelMetrics, _ := json.Marshal(map[string]int{"cancelledSteps": 1})
	_, err := rt.Store.Runs().Update(ctx, run.ID, nil, func(r *metadata.JobRun) {
		r.Status = metadata.RunCanceled
		r.CompletedAt = &now
		r.ErrorMessage = &reason
		r.Metrics = cancelMetrics
	})
	if err != nil {
		rt.Logger.WithError(err).Error("failed to record run cancellation")
	}
	if rt.Metrics != nil {
		rt.Metrics.JobRunOutcomes.WithLabelValues(run.DefinitionSlug, string(metadata.RunCanceled)).Inc()
	}
}

// Cancel marks run canceled and records the operator-supplied reason. In-progress sandbox
// execution is expected to observe ctx cancellation independently; this method only updates
// the authoritative record.
func (rt *Runtime) Cancel(ctx context.Context, runID, reason string) error {
	run, err := rt.Store.Runs().Get(ctx, runID)
	if err != nil {
		return err
	}
	if isTerminal(run.Status) {
		return nil
	}
	rt.completeCanceled(ctx, run, reason)
	return nil
}

func isTerminal(s metadata.RunStatus) bool {
	switch s {
	case metadata.RunSucceeded, metadata.RunFailed, metadata.RunCanceled, metadata.RunExpired:
		return true
	default:
		return false
	}
}
