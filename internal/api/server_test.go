package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/apphub-core/platform/internal/config"
	"github.com/apphub-core/platform/internal/dataset"
	"github.com/apphub-core/platform/internal/ingest"
	"github.com/apphub-core/platform/internal/jobruntime"
	"github.com/apphub-core/platform/internal/lifecycle"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/objectstore"
	"github.com/apphub-core/platform/internal/platformlog"
	"github.com/apphub-core/platform/internal/query"
	"github.com/apphub-core/platform/internal/queue"
	"github.com/apphub-core/platform/internal/sandbox"
)

func testConfig() config.Config {
	cfg := config.Config{}
	cfg.IAM.AdminScope = "apphub:admin"
	cfg.IAM.DefaultReadScope = "apphub:read"
	cfg.IAM.DefaultWriteScope = "apphub:write"
	cfg.Docker.ImageAllowlist = []string{"registry.example.com/*"}
	return cfg
}

func newTestServer(t *testing.T) (*echo.Echo, *Server) {
	t.Helper()
	store := metadata.NewMemoryStore()
	objects, err := objectstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	log := platformlog.New(platformlog.Config{Level: "error", Format: "text", Service: "test"})

	dsEngine := dataset.NewEngine(store, nil, nil)
	pipeline := ingest.NewPipeline(store, objects, dsEngine, nil)
	queryEngine := query.NewEngine(store, dsEngine, objects)
	lcEngine := lifecycle.NewEngine(store, dsEngine, objects, log, nil, nil, pipeline, nil)

	s := &Server{
		Config:    testConfig(),
		Logger:    log,
		Store:     store,
		Queue:     queue.NewInlineQueue(log),
		Runtime:   &jobruntime.Runtime{Store: store, Queue: queue.NewInlineQueue(log), Sandboxes: sandbox.NewRegistry(), Statics: map[string]jobruntime.StaticHandler{}, Logger: log},
		Dataset:   dsEngine,
		Ingest:    pipeline,
		Lifecycle: lcEngine,
		Query:     queryEngine,
		SQL:       query.NewSQLCatalog(store),
	}
	return NewServer(s), s
}

func doJSON(e *echo.Echo, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

const ingestBody = `{
	"schema": {"fields": [{"name":"timestamp","type":"timestamp"},{"name":"v","type":"double"}]},
	"partition": {"key": [{"name":"date","value":"2024-01-01"}], "timeRange": {"start":"2024-01-01T00:00:00Z","end":"2024-01-01T23:59:59Z"}},
	"rows": [{"timestamp":"2024-01-01T00:00:00Z","v":1.5}]
}`

func TestIngestRequiresWriteScope(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(e, http.MethodPost, "/datasets/demo/ingest", ingestBody, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "not-authorized", body["kind"])
}

func TestIngestThenQueryRoundTrip(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(e, http.MethodPost, "/datasets/demo/ingest", ingestBody,
		map[string]string{"X-IAM-Scopes": "apphub:write"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(e, http.MethodPost, "/datasets/demo/query",
		`{"timeRange":{"start":"2024-01-01T00:00:00Z","end":"2024-01-02T00:00:00Z"},"timestampColumn":"timestamp","columns":["timestamp","v"]}`,
		map[string]string{"X-IAM-Scopes": "apphub:read"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result query.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, query.ModeRaw, result.Mode)
	require.Len(t, result.Rows, 1)
	require.Equal(t, 1.5, result.Rows[0][1])
}

func TestIngestIdempotencyKeyHeader(t *testing.T) {
	e, _ := newTestServer(t)
	headers := map[string]string{"X-IAM-Scopes": "apphub:write", "Idempotency-Key": "k-1"}

	first := doJSON(e, http.MethodPost, "/datasets/demo/ingest", ingestBody, headers)
	require.Equal(t, http.StatusCreated, first.Code)
	second := doJSON(e, http.MethodPost, "/datasets/demo/ingest", ingestBody, headers)
	require.Equal(t, http.StatusCreated, second.Code)

	var r1, r2 ingest.Result
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &r1))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &r2))
	require.Equal(t, r1.PartitionID, r2.PartitionID)
}

func TestDatasetScopedIAMOverridesDefault(t *testing.T) {
	e, s := newTestServer(t)

	// The dataset's metadata.iam scopes replace the global default.
	meta := json.RawMessage(`{"iam":{"readScopes":["team:metrics-read"],"writeScopes":["team:metrics-write"]}}`)
	_, err := dataset.GetOrCreate(t.Context(), s.Store, "guarded", "columnar", "")
	require.NoError(t, err)
	ds, err := s.Store.Datasets().GetBySlug(t.Context(), "guarded")
	require.NoError(t, err)
	_, err = s.Store.Datasets().Update(t.Context(), ds.ID, ds.UpdatedAt, func(d *metadata.Dataset) {
		d.Metadata = meta
	})
	require.NoError(t, err)

	// The global default write scope is not enough.
	rec := doJSON(e, http.MethodPost, "/datasets/guarded/ingest", ingestBody,
		map[string]string{"X-IAM-Scopes": "apphub:write"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(e, http.MethodPost, "/datasets/guarded/ingest", ingestBody,
		map[string]string{"X-IAM-Scopes": "team:metrics-write"})
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestAdminEndpointsRequireAdminScope(t *testing.T) {
	e, _ := newTestServer(t)

	for _, path := range []string{"/admin/lifecycle/status", "/admin/datasets"} {
		rec := doJSON(e, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusForbidden, rec.Code, path)

		rec = doJSON(e, http.MethodGet, path, "", map[string]string{"X-IAM-Scopes": "apphub:admin"})
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestContainerJobCreationFailsFastOnPolicyViolation(t *testing.T) {
	e, s := newTestServer(t)

	rec := doJSON(e, http.MethodPost, "/jobs",
		`{"slug":"bad-container","runtime":"container","metadata":{"docker":{"image":"other.registry/app:latest"}}}`,
		map[string]string{"X-IAM-Scopes": "apphub:admin"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "validation", body["kind"])

	// No definition stored, so no run can ever be created for it.
	_, err := s.Store.Definitions().Get(t.Context(), "bad-container")
	require.Error(t, err)
}

func TestSQLReadRejectsNonSelect(t *testing.T) {
	e, _ := newTestServer(t)
	rec := doJSON(e, http.MethodPost, "/sql/read", `{"sql":"DELETE FROM demo"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSQLExecRequiresAdminScope(t *testing.T) {
	e, _ := newTestServer(t)
	rec := doJSON(e, http.MethodPost, "/sql/exec", `{"sql":"SELECT 1"}`, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSavedQueryCRUD(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(e, http.MethodPut, "/sql/saved/q1", `{"name":"demo count","statement":"SELECT count(*) FROM demo"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(e, http.MethodGet, "/sql/saved/q1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var q SavedQuery
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	require.Equal(t, "demo count", q.Name)

	rec = doJSON(e, http.MethodDelete, "/sql/saved/q1", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(e, http.MethodGet, "/sql/saved/q1", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	e, _ := newTestServer(t)

	rec := doJSON(e, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(e, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ready readyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	require.True(t, ready.Ready)
	require.True(t, ready.Queue.Inline)
}

func TestJobRunLifecycleOverHTTP(t *testing.T) {
	e, s := newTestServer(t)
	s.Runtime.Statics["report"] = func(ctx context.Context, rc *jobruntime.RunContext) (json.RawMessage, json.RawMessage, error) {
		return json.RawMessage(`{"done":true}`), nil, nil
	}

	rec := doJSON(e, http.MethodPost, "/jobs", `{"slug":"report","runtime":"inproc","entryPoint":"static"}`,
		map[string]string{"X-IAM-Scopes": "apphub:admin"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(e, http.MethodPost, "/jobs/report/run", `{}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run metadata.JobRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Equal(t, metadata.RunSucceeded, run.Status)
}
