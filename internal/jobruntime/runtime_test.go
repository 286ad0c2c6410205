package jobruntime

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/bundle"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/objectstore"
	"github.com/apphub-core/platform/internal/platformlog"
	"github.com/apphub-core/platform/internal/queue"
	"github.com/apphub-core/platform/internal/sandbox"
)

// echoExecutor is a sandbox double that returns a fixed result for any bundle-backed run.
type echoExecutor struct {
	executed int
}

func (e *echoExecutor) Name() string { return "echo-test" }
func (e *echoExecutor) CanHandle(def metadata.JobDefinition, binding *bundle.Binding) bool {
	return binding != nil
}
func (e *echoExecutor) Execute(
	ctx context.Context,
	acquired *bundle.AcquiredBundle,
	def metadata.JobDefinition,
	run metadata.JobRun,
	parameters json.RawMessage,
	timeoutMs int64,
	exportName string,
	logger sandbox.Logger,
	update sandbox.Update,
	resolveSecret sandbox.SecretResolver,
) (sandbox.Telemetry, error) {
	e.executed++
	return sandbox.Telemetry{
		TaskID: run.ID,
		Result: json.RawMessage(`{"echo":true}`),
	}, nil
}

type harness struct {
	store    metadata.Store
	registry *bundle.Registry
	cache    *bundle.Cache
	executor *echoExecutor
	runtime  *Runtime
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := metadata.NewMemoryStore()
	objects, err := objectstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	registry := bundle.NewRegistry(store.Bundles(), objects)
	cacheDir := t.TempDir()
	cache, err := bundle.NewCache(objects, filepath.Join(cacheDir, "ledger.db"), filepath.Join(cacheDir, "extract"), time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	executor := &echoExecutor{}
	sandboxes := sandbox.NewRegistry()
	sandboxes.Register(executor)

	log := platformlog.New(platformlog.Config{Level: "error", Format: "text", Service: "test"})
	rt := &Runtime{
		Store:       store,
		Queue:       queue.NewInlineQueue(log),
		Bundles:     registry,
		BundleCache: cache,
		Sandboxes:   sandboxes,
		Statics:     map[string]StaticHandler{},
		Logger:      log,
	}
	return &harness{store: store, registry: registry, cache: cache, executor: executor, runtime: rt}
}

func archiveBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func (h *harness) publishBundle(t *testing.T, slug, version string) metadata.BundleVersion {
	t.Helper()
	archive := archiveBytes(t, map[string]string{
		"manifest.json": `{"entry":"main.lua","runtime":"inproc-lua"}`,
		"main.lua":      `return {}`,
	})
	bv, err := h.registry.Publish(context.Background(), bundle.PublishInput{
		Slug: slug, Version: version,
		Manifest: json.RawMessage(`{"entry":"main.lua","runtime":"inproc-lua"}`),
	}, bytes.NewReader(archive))
	require.NoError(t, err)
	return bv
}

func (h *harness) createRun(t *testing.T, def metadata.JobDefinition, params string) metadata.JobRun {
	t.Helper()
	ctx := context.Background()
	_, err := h.store.Definitions().Upsert(ctx, def)
	require.NoError(t, err)
	run, err := h.store.Runs().Create(ctx, metadata.JobRun{
		ID:             uuid.NewString(),
		DefinitionSlug: def.Slug,
		Status:         metadata.RunPending,
		Parameters:     json.RawMessage(params),
		ScheduledAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	return run
}

func TestDispatchFailsWhenDefinitionMissing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run, err := h.store.Runs().Create(ctx, metadata.JobRun{
		ID: uuid.NewString(), DefinitionSlug: "never-registered", Status: metadata.RunPending,
		Parameters: json.RawMessage(`{}`), ScheduledAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, h.runtime.Dispatch(ctx, run.ID))

	final, err := h.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.RunFailed, final.Status)
	require.Equal(t, "definition-missing", *final.FailureReason)
}

func TestDispatchStaticHandler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.runtime.Statics["report"] = func(ctx context.Context, rc *RunContext) (json.RawMessage, json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil, nil
	}
	run := h.createRun(t, metadata.JobDefinition{Slug: "report", Runtime: metadata.RuntimeInproc, EntryPoint: "static"}, `{}`)

	require.NoError(t, h.runtime.Dispatch(ctx, run.ID))

	final, err := h.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.RunSucceeded, final.Status)
	require.JSONEq(t, `{"ok":true}`, string(final.Result))
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
}

func TestDispatchExecutesPublishedBundle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publishBundle(t, "echo", "1.0.0")
	run := h.createRun(t, metadata.JobDefinition{
		Slug: "echo-job", Runtime: metadata.RuntimeInterpreter, EntryPoint: "bundle:echo@1.0.0",
	}, `{}`)

	require.NoError(t, h.runtime.Dispatch(ctx, run.ID))

	final, err := h.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.RunSucceeded, final.Status)
	require.Equal(t, 1, h.executor.executed)
	require.Empty(t, final.Context, "no bundleFallback context without recovery")
}

func TestDispatchBundleRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.publishBundle(t, "echo", "1.0.0")

	// The bound version was lost from the registry; the recovery hook rematerializes the
	// binding from secondary metadata.
	h.runtime.Recovery = func(ctx context.Context, original bundle.Binding) (*bundle.Binding, error) {
		return &bundle.Binding{Slug: "echo", Version: "1.0.0", Export: original.Export}, nil
	}
	run := h.createRun(t, metadata.JobDefinition{
		Slug: "echo-job", Runtime: metadata.RuntimeInterpreter, EntryPoint: "bundle:echo@1.0.1",
	}, `{}`)

	require.NoError(t, h.runtime.Dispatch(ctx, run.ID))

	final, err := h.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.RunSucceeded, final.Status)

	var runContext struct {
		BundleFallback map[string]string `json:"bundleFallback"`
	}
	require.NoError(t, json.Unmarshal(final.Context, &runContext))
	require.Equal(t, "echo@1.0.1", runContext.BundleFallback["requested"])
	require.Equal(t, "echo@1.0.0", runContext.BundleFallback["resolved"])
}

func TestDispatchLegacyFallbackWhenRecoveryFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	fallbackRan := false
	h.runtime.FallbackAllowed = func(slug string) bool { return slug == "ghost-job" }
	h.runtime.LegacyFallback = map[string]StaticHandler{
		"ghost-job": func(ctx context.Context, rc *RunContext) (json.RawMessage, json.RawMessage, error) {
			fallbackRan = true
			return json.RawMessage(`{"fallback":true}`), nil, nil
		},
	}
	run := h.createRun(t, metadata.JobDefinition{
		Slug: "ghost-job", Runtime: metadata.RuntimeInterpreter, EntryPoint: "bundle:ghost@9.9.9",
	}, `{}`)

	require.NoError(t, h.runtime.Dispatch(ctx, run.ID))
	require.True(t, fallbackRan)

	final, err := h.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.RunSucceeded, final.Status)
	require.JSONEq(t, `{"fallback":true}`, string(final.Result))
}

func TestDispatchFailsWhenFallbackDisabledForSlug(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.runtime.FallbackAllowed = func(slug string) bool { return false }
	h.runtime.LegacyFallback = map[string]StaticHandler{
		"ghost-job": func(ctx context.Context, rc *RunContext) (json.RawMessage, json.RawMessage, error) {
			return json.RawMessage(`{"fallback":true}`), nil, nil
		},
	}
	run := h.createRun(t, metadata.JobDefinition{
		Slug: "ghost-job", Runtime: metadata.RuntimeInterpreter, EntryPoint: "bundle:ghost@9.9.9",
	}, `{}`)

	require.NoError(t, h.runtime.Dispatch(ctx, run.ID))

	final, err := h.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.RunFailed, final.Status)
}

func TestCancelIsTerminalAndRecordsMetrics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.createRun(t, metadata.JobDefinition{Slug: "long", Runtime: metadata.RuntimeInproc}, `{}`)

	now := time.Now().UTC()
	run, err := h.store.Runs().Update(ctx, run.ID, nil, func(r *metadata.JobRun) {
		r.Status = metadata.RunRunning
		r.StartedAt = &now
	})
	require.NoError(t, err)

	require.NoError(t, h.runtime.Cancel(ctx, run.ID, "operator requested"))

	canceled, err := h.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.RunCanceled, canceled.Status)
	require.Equal(t, "operator requested", *canceled.ErrorMessage)

	var m map[string]int
	require.NoError(t, json.Unmarshal(canceled.Metrics, &m))
	require.Equal(t, 1, m["cancelledSteps"])

	// Cancellation completeness: no further transitions after acknowledgement.
	require.NoError(t, h.runtime.Cancel(ctx, run.ID, "second cancel"))
	after, err := h.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.RunCanceled, after.Status)
	require.Equal(t, "operator requested", *after.ErrorMessage)
	require.True(t, after.UpdatedAt.Equal(canceled.UpdatedAt))
}

func TestRepositorySpecialJobsRequireParameters(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run := h.createRun(t, metadata.JobDefinition{Slug: "repository-ingest", Runtime: metadata.RuntimeInproc}, `{}`)
	require.NoError(t, h.runtime.Dispatch(ctx, run.ID))

	final, err := h.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.RunFailed, final.Status)
	require.Equal(t, "missing-parameter", *final.FailureReason)
}

func TestRepositorySpecialJobsEnqueueToDomainQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var enqueued []queue.Job
	require.NoError(t, h.runtime.Queue.RegisterWorker("repository", 1, func(ctx context.Context, job queue.Job) error {
		enqueued = append(enqueued, job)
		return nil
	}))

	run := h.createRun(t, metadata.JobDefinition{Slug: "repository-ingest", Runtime: metadata.RuntimeInproc},
		`{"repositoryId":"repo-1"}`)
	require.NoError(t, h.runtime.Dispatch(ctx, run.ID))
	require.Len(t, enqueued, 1)
	require.Equal(t, run.ID, enqueued[0].ID)
}

func TestHandleFailureSchedulesRetryWithBackoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	maxAttempts := 3
	h.runtime.Statics["flaky"] = func(ctx context.Context, rc *RunContext) (json.RawMessage, json.RawMessage, error) {
		return nil, nil, apherr.New(apherr.KindUnavailable, "dependency down")
	}
	run := h.createRun(t, metadata.JobDefinition{
		Slug: "flaky", Runtime: metadata.RuntimeInproc,
		RetryPolicy: &metadata.RetryPolicy{
			Strategy: metadata.RetryFixed, InitialDelayMs: 50, MaxAttempts: &maxAttempts,
		},
	}, `{}`)

	require.NoError(t, h.runtime.Dispatch(ctx, run.ID))

	after, err := h.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.RunPending, after.Status, "retryable failure before maxAttempts requeues")
	require.Equal(t, 1, after.Attempt)
	require.Equal(t, 1, after.RetryCount)
	require.True(t, after.ScheduledAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestHandleFailureTerminalAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	maxAttempts := 1
	h.runtime.Statics["flaky"] = func(ctx context.Context, rc *RunContext) (json.RawMessage, json.RawMessage, error) {
		return nil, nil, apherr.New(apherr.KindUnavailable, "dependency down")
	}
	run := h.createRun(t, metadata.JobDefinition{
		Slug: "flaky", Runtime: metadata.RuntimeInproc,
		RetryPolicy: &metadata.RetryPolicy{Strategy: metadata.RetryFixed, InitialDelayMs: 50, MaxAttempts: &maxAttempts},
	}, `{}`)

	require.NoError(t, h.runtime.Dispatch(ctx, run.ID))

	after, err := h.store.Runs().Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, metadata.RunFailed, after.Status)
}

func TestNextAttemptDelay(t *testing.T) {
	fixed := metadata.RetryPolicy{Strategy: metadata.RetryFixed, InitialDelayMs: 100}
	require.Equal(t, 100*time.Millisecond, NextAttemptDelay(fixed, 1))
	require.Equal(t, 100*time.Millisecond, NextAttemptDelay(fixed, 5))

	maxDelay := int64(300)
	exp := metadata.RetryPolicy{Strategy: metadata.RetryExponential, InitialDelayMs: 100, MaxDelayMs: &maxDelay}
	require.Equal(t, 100*time.Millisecond, NextAttemptDelay(exp, 1))
	require.Equal(t, 200*time.Millisecond, NextAttemptDelay(exp, 2))
	require.Equal(t, 300*time.Millisecond, NextAttemptDelay(exp, 3), "clamped at maxDelayMs")

	none := metadata.RetryPolicy{Strategy: metadata.RetryNone, InitialDelayMs: 100}
	require.Equal(t, time.Duration(0), NextAttemptDelay(none, 1))
}

func TestMergeParameters(t *testing.T) {
	merged := mergeParameters(json.RawMessage(`{"a":1,"b":2}`), json.RawMessage(`{"b":3,"c":4}`))
	var m map[string]float64
	require.NoError(t, json.Unmarshal(merged, &m))
	require.Equal(t, map[string]float64{"a": 1, "b": 3, "c": 4}, m)
}
