package interpreter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/bundle"
	"github.com/apphub-core/platform/internal/metadata"
)

func writeBundleDir(t *testing.T, manifest, entry string) *bundle.AcquiredBundle {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(entry), 0o644))
	return &bundle.AcquiredBundle{Dir: dir}
}

func execute(t *testing.T, acquired *bundle.AcquiredBundle, params string) (jsonResult json.RawMessage, logs int, err error) {
	t.Helper()
	s := New()
	telemetry, err := s.Execute(
		context.Background(),
		acquired,
		metadata.JobDefinition{Slug: "lua-test", Runtime: metadata.RuntimeInterpreter},
		metadata.JobRun{ID: "run-1"},
		json.RawMessage(params),
		5000,
		"default",
		nil, nil, nil,
	)
	return telemetry.Result, len(telemetry.Logs), err
}

func TestLuaExecutionReturnsResult(t *testing.T) {
	acquired := writeBundleDir(t,
		`{"entry":"main.lua","runtime":"inproc-lua"}`,
		`set_result({ok = true, doubled = params.n * 2})`)

	result, _, err := execute(t, acquired, `{"n": 21}`)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(result, &out))
	require.Equal(t, true, out["ok"])
	require.Equal(t, 42.0, out["doubled"])
}

func TestLuaLogsAreBuffered(t *testing.T) {
	acquired := writeBundleDir(t,
		`{"entry":"main.lua","runtime":"inproc-lua"}`,
		`log("first") log("second")`)

	_, logCount, err := execute(t, acquired, `{}`)
	require.NoError(t, err)
	require.Equal(t, 2, logCount)
}

func TestLuaDeniedCapabilityIsStructuredNotAuthorized(t *testing.T) {
	acquired := writeBundleDir(t,
		`{"entry":"main.lua","runtime":"inproc-lua","capabilities":[]}`,
		`fs_read("/etc/passwd")`)

	_, _, err := execute(t, acquired, `{}`)
	require.Equal(t, apherr.KindNotAuthorized, apherr.KindOf(err))

	e, ok := apherr.As(err)
	require.True(t, ok)
	require.Equal(t, "fs", e.Properties["capability"])
}

func TestLuaAuthorizedCapabilityRuns(t *testing.T) {
	acquired := writeBundleDir(t,
		`{"entry":"main.lua","runtime":"inproc-lua","capabilities":["fs"]}`,
		`fs_read("/tmp/somewhere") set_result({read = true})`)

	result, _, err := execute(t, acquired, `{}`)
	require.NoError(t, err)
	require.Contains(t, string(result), "read")
}

func TestLuaRuntimeErrorIsExecutionKind(t *testing.T) {
	acquired := writeBundleDir(t,
		`{"entry":"main.lua","runtime":"inproc-lua"}`,
		`error("boom")`)

	_, _, err := execute(t, acquired, `{}`)
	require.Equal(t, apherr.KindExecution, apherr.KindOf(err))
}
