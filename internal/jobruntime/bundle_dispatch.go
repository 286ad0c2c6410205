package jobruntime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/bundle"
	"github.com/apphub-core/platform/internal/metadata"
)

// dispatchSandboxed resolves binding's BundleVersion (recovering on bundle-not-found/
// acquire-failed), acquires it, selects a sandbox, executes, and completes the run.
func (rt *Runtime) dispatchSandboxed(
	ctx context.Context,
	def metadata.JobDefinition,
	run metadata.JobRun,
	rc *RunContext,
	binding bundle.Binding,
	parameters json.RawMessage,
	timeoutMs int64,
) {
	resolved, err := rt.resolveWithRecovery(ctx, binding, def.Slug)
	if err != nil {
		rt.handleFailure(ctx, def, run, err)
		return
	}
	if resolved.useFallback {
		if h, ok := rt.LegacyFallback[def.Slug]; ok {
			rt.runStatic(ctx, def, run, rc, h)
			return
		}
		rt.handleFailure(ctx, def, run, apherr.New(apherr.KindBundleNotFound, "bundle recovery and legacy fallback both unavailable"))
		return
	}
	effective := resolved.binding

	acquired, err := rt.BundleCache.Acquire(ctx, resolved.version)
	if err != nil {
		rt.handleFailure(ctx, def, run, err)
		return
	}
	defer acquired.Release()

	executor := rt.Sandboxes.Resolve(def, &effective)
	if executor == nil {
		rt.handleFailure(ctx, def, run, apherr.New(apherr.KindExecution, "no sandbox executor registered for runtime"))
		return
	}

	start := time.Now()
	telemetry, err := executor.Execute(ctx, acquired, def, run, parameters, timeoutMs, effective.Export, rc.Logger, rc.Update, rc.resolveSecret)
	if rt.Metrics != nil {
		rt.Metrics.SandboxDuration.WithLabelValues(string(def.Runtime)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		rt.handleFailure(ctx, def, run, err)
		return
	}

	var runContext json.RawMessage
	if resolved.recovered {
		runContext, _ = json.Marshal(map[string]any{
			"bundleFallback": map[string]string{
				"requested": binding.Slug + "@" + binding.Version,
				"resolved":  effective.Slug + "@" + effective.Version,
			},
		})
	}

	metrics, _ := json.Marshal(telemetry.ResourceUsage)
	rt.completeSucceeded(ctx, run, telemetry.Result, metrics, runContext)
}

// resolvedBundle is the outcome of resolveWithRecovery: either a usable (binding, version)
// pair, with recovered set when the recovery hook produced it, or a signal to use the legacy
// static fallback handler.
type resolvedBundle struct {
	binding     bundle.Binding
	version     metadata.BundleVersion
	recovered   bool
	useFallback bool
}

// resolveWithRecovery resolves binding with recovery: on bundle-not-found/acquire-failed,
// invoke the recovery hook; if it yields a different binding, re-resolve with it; if recovery
// fails and a legacy fallback is registered and not disabled for this slug, signal fallback.
func (rt *Runtime) resolveWithRecovery(ctx context.Context, binding bundle.Binding, jobSlug string) (resolvedBundle, error) {
	bv, err := rt.Bundles.Resolve(ctx, binding.Slug, binding.Version)
	if err == nil {
		return resolvedBundle{binding: binding, version: bv}, nil
	}
	kind := apherr.KindOf(err)
	if kind != apherr.KindBundleNotFound && kind != apherr.KindAcquireFailed {
		return resolvedBundle{}, err
	}
	if rt.Recovery == nil {
		return rt.maybeFallback(jobSlug)
	}

	newBinding, recErr := rt.Recovery(ctx, binding)
	if recErr != nil || newBinding == nil {
		return rt.maybeFallback(jobSlug)
	}

	bv, err = rt.Bundles.Resolve(ctx, newBinding.Slug, newBinding.Version)
	if err != nil {
		return rt.maybeFallback(jobSlug)
	}
	return resolvedBundle{binding: *newBinding, version: bv, recovered: true}, nil
}

// maybeFallback gates the legacy static fallback on the job's slug: per-slug configuration
// overrides the global disable default.
func (rt *Runtime) maybeFallback(jobSlug string) (resolvedBundle, error) {
	if rt.FallbackAllowed != nil && rt.FallbackAllowed(jobSlug) {
		if _, ok := rt.LegacyFallback[jobSlug]; ok {
			return resolvedBundle{useFallback: true}, nil
		}
	}
	return resolvedBundle{}, apherr.New(apherr.KindBundleNotFound, "bundle not found and no fallback available")
}
