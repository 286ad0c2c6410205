package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/metadata"
)

// mergeJSONMetadata shallow-merges patch keys into the dataset's existing metadata document.
func mergeJSONMetadata(existing json.RawMessage, patch map[string]any) (json.RawMessage, error) {
	merged := map[string]any{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &merged); err != nil {
			return nil, err
		}
	}
	for k, v := range patch {
		merged[k] = v
	}
	return json.Marshal(merged)
}

type lifecycleRunRequest struct {
	DatasetID  string                            `json:"datasetId"`
	Operations []metadata.LifecycleOperationKind `json:"operations"`
	Trigger    metadata.TriggerSource            `json:"triggerSource,omitempty"`
}

// handleLifecycleRun implements POST /admin/lifecycle/run: runs the requested
// operations against one dataset immediately, synchronously on the calling goroutine.
func (s *Server) handleLifecycleRun(c echo.Context) error {
	var req lifecycleRunRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apherr.Wrap(apherr.KindValidation, err))
	}
	if req.DatasetID == "" {
		return writeError(c, apherr.New(apherr.KindValidation, "datasetId is required"))
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = metadata.TriggerAPI
	}

	ops := make([]metadata.LifecycleOperation, len(req.Operations))
	for i, k := range req.Operations {
		ops[i] = metadata.LifecycleOperation{Kind: k, Status: metadata.RunPending}
	}

	run := metadata.LifecycleJobRun{
		ID:            uuid.NewString(),
		JobKind:       "admin-triggered",
		DatasetID:     &req.DatasetID,
		Operations:    ops,
		TriggerSource: trigger,
		Status:        metadata.RunPending,
	}
	created, err := s.Store.Lifecycle().Create(c.Request().Context(), run)
	if err != nil {
		return writeError(c, err)
	}

	result, err := s.Lifecycle.Run(c.Request().Context(), created)
	if err != nil {
		return c.JSON(http.StatusOK, result)
	}
	return c.JSON(http.StatusOK, result)
}

// handleLifecycleStatus implements GET /admin/lifecycle/status: the global
// metrics contract (jobsStarted/Completed/Failed/Skipped, lastRunAt/lastErrorAt, chunk samples).
func (s *Server) handleLifecycleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Lifecycle.Metrics())
}

type lifecycleRescheduleRequest struct {
	IntervalMs int64 `json:"intervalMs"`
	JitterMs   int64 `json:"jitterMs"`
}

// handleLifecycleReschedule implements POST /admin/lifecycle/reschedule: adjusts the scheduler's
// polling interval/jitter for subsequent runs. The scheduler reads these through Server so the
// change takes effect on its next tick without a restart.
func (s *Server) handleLifecycleReschedule(c echo.Context) error {
	var req lifecycleRescheduleRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apherr.Wrap(apherr.KindValidation, err))
	}
	if s.Scheduler == nil {
		return writeError(c, apherr.New(apherr.KindUnavailable, "lifecycle scheduler not running"))
	}
	if req.IntervalMs > 0 {
		s.Scheduler.Interval = time.Duration(req.IntervalMs) * time.Millisecond
	}
	if req.JitterMs > 0 {
		s.Scheduler.Jitter = time.Duration(req.JitterMs) * time.Millisecond
	}
	return c.JSON(http.StatusOK, map[string]any{
		"intervalMs": s.Scheduler.Interval.Milliseconds(),
		"jitterMs":   s.Scheduler.Jitter.Milliseconds(),
	})
}

// handleAdminDatasetsList implements GET /admin/datasets.
func (s *Server) handleAdminDatasetsList(c echo.Context) error {
	page, err := s.Store.Datasets().List(c.Request().Context(), c.QueryParam("cursor"), 100)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

type createDatasetRequest struct {
	Slug                 string `json:"slug"`
	Name                 string `json:"name"`
	WriteFormat          string `json:"writeFormat"`
	DefaultStorageTarget string `json:"defaultStorageTargetId,omitempty"`
}

// handleAdminDatasetsCreate implements POST /admin/datasets.
func (s *Server) handleAdminDatasetsCreate(c echo.Context) error {
	var req createDatasetRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apherr.Wrap(apherr.KindValidation, err))
	}
	if req.Slug == "" {
		return writeError(c, apherr.New(apherr.KindValidation, "slug is required"))
	}
	writeFormat := req.WriteFormat
	if writeFormat == "" {
		writeFormat = "columnar"
	}
	now := time.Now().UTC()
	var target *string
	if req.DefaultStorageTarget != "" {
		target = &req.DefaultStorageTarget
	}
	ds, err := s.Store.Datasets().Create(c.Request().Context(), metadata.Dataset{
		ID:                     uuid.NewString(),
		Slug:                   req.Slug,
		Name:                   req.Name,
		Status:                 metadata.DatasetActive,
		WriteFormat:            writeFormat,
		DefaultStorageTargetID: target,
		Metadata:               []byte(`{}`),
		CreatedAt:              now,
		UpdatedAt:              now,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, ds)
}

type patchDatasetRequest struct {
	Name     *string        `json:"name,omitempty"`
	Status   *string        `json:"status,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	IfMatch  time.Time      `json:"ifMatch"`
}

// handleAdminDatasetsPatch implements PATCH /admin/datasets/{id} with the optimistic
// concurrency: ifMatch must equal the row's current UpdatedAt.
func (s *Server) handleAdminDatasetsPatch(c echo.Context) error {
	var req patchDatasetRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apherr.Wrap(apherr.KindValidation, err))
	}
	ds, err := s.Store.Datasets().Update(c.Request().Context(), c.Param("id"), req.IfMatch, func(d *metadata.Dataset) {
		if req.Name != nil {
			d.Name = *req.Name
		}
		if req.Status != nil {
			d.Status = metadata.DatasetStatus(*req.Status)
		}
		if req.Metadata != nil {
			merged, _ := mergeJSONMetadata(d.Metadata, req.Metadata)
			d.Metadata = merged
		}
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, ds)
}

// handleAdminDatasetsArchive implements POST /admin/datasets/{id}/archive: the same transition to
// inactive that dataset.Archive performs, requiring the current UpdatedAt as ifMatch via the
// request body.
func (s *Server) handleAdminDatasetsArchive(c echo.Context) error {
	var req struct {
		IfMatch time.Time `json:"ifMatch"`
	}
	if err := c.Bind(&req); err != nil {
		return writeError(c, apherr.Wrap(apherr.KindValidation, err))
	}
	ds, err := s.Store.Datasets().Update(c.Request().Context(), c.Param("id"), req.IfMatch, func(d *metadata.Dataset) {
		d.Status = metadata.DatasetInactive
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, ds)
}

// handleAdminDatasetManifests implements the manifest subresource of GET /admin/datasets/{id}.
func (s *Server) handleAdminDatasetManifests(c echo.Context) error {
	manifests, err := s.Store.Manifests().ListByDataset(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, manifests)
}

// handleAdminDatasetAudit implements the audit subresource of GET /admin/datasets/{id}.
func (s *Server) handleAdminDatasetAudit(c echo.Context) error {
	id := c.Param("id")
	runs, err := s.Store.Lifecycle().ListRecent(c.Request().Context(), id, 100)
	if err != nil {
		return writeError(c, err)
	}
	entries, err := s.Store.Audit().ListLifecycle(c.Request().Context(), id, 100)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs, "entries": entries})
}
