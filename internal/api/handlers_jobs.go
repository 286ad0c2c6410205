package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/bundle"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/queue"
	"github.com/apphub-core/platform/internal/sandbox/container"
)

// JobRunQueueName is the queue RegisterWorker is bound to in cmd/apphubd, wrapping
// Runtime.Dispatch so the same dispatch flow backs both inline and queued triggering.
const JobRunQueueName = "job-runs"

// handleJobsList implements GET /jobs.
func (s *Server) handleJobsList(c echo.Context) error {
	page, err := s.Store.Definitions().List(c.Request().Context(), c.QueryParam("cursor"), 100)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

// handleJobsCreate implements POST /jobs: upsert-by-slug "Upsert-definition".
func (s *Server) handleJobsCreate(c echo.Context) error {
	if !hasScope(callerScopes(c), s.Config.IAM.AdminScope) {
		return writeError(c, apherr.New(apherr.KindNotAuthorized, "job definition management requires admin scope"))
	}
	var def metadata.JobDefinition
	if err := c.Bind(&def); err != nil {
		return writeError(c, apherr.Wrap(apherr.KindValidation, err))
	}
	if def.Slug == "" {
		return writeError(c, apherr.New(apherr.KindValidation, "slug is required"))
	}
	if def.Runtime == metadata.RuntimeContainer {
		var wrapper struct {
			Docker container.RunMetadata `json:"docker"`
		}
		if len(def.Metadata) > 0 {
			_ = json.Unmarshal(def.Metadata, &wrapper)
		}
		if err := container.Validate(wrapper.Docker, s.Config.Docker); err != nil {
			// Fail-fast at creation: surfaced as a validation failure so no run is ever created
			// for a definition the runtime would reject.
			props := map[string]any{}
			if e, ok := apherr.As(err); ok {
				props = e.Properties
			}
			return writeError(c, apherr.New(apherr.KindValidation, "container metadata violates runtime policy").WithProperties(props))
		}
	}
	stored, err := s.Store.Definitions().Upsert(c.Request().Context(), def)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, stored)
}

// handleJobRunsList implements GET /jobs/{slug}/run: lists past runs of the definition.
func (s *Server) handleJobRunsList(c echo.Context) error {
	page, err := s.Store.Runs().ListByDefinition(c.Request().Context(), c.Param("slug"), c.QueryParam("cursor"), 100)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, page)
}

type jobRunRequest struct {
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	MaxAttempts *int            `json:"maxAttempts,omitempty"`
}

// handleJobRunCreate implements POST /jobs/{slug}/run: creates a pending JobRun and
// either dispatches it inline on the request goroutine or hands it to the durable queue,
// mirroring the ingest endpoint's ?mode=queued switch.
func (s *Server) handleJobRunCreate(c echo.Context) error {
	slug := c.Param("slug")
	if _, err := s.Store.Definitions().Get(c.Request().Context(), slug); err != nil {
		return writeError(c, err)
	}

	var req jobRunRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apherr.Wrap(apherr.KindValidation, err))
	}
	params := req.Parameters
	if params == nil {
		params = json.RawMessage(`{}`)
	}

	run, err := s.Store.Runs().Create(c.Request().Context(), metadata.JobRun{
		ID:             uuid.NewString(),
		DefinitionSlug: slug,
		Status:         metadata.RunPending,
		Parameters:     params,
		MaxAttempts:    req.MaxAttempts,
		ScheduledAt:    time.Now().UTC(),
	})
	if err != nil {
		return writeError(c, err)
	}

	if c.QueryParam("mode") == "queued" {
		payload, _ := json.Marshal(map[string]string{"runId": run.ID})
		opts := queue.EnqueueOptions{JobID: run.ID, RemoveOnComplete: true}
		if _, err := s.Queue.Enqueue(c.Request().Context(), JobRunQueueName, payload, opts); err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusAccepted, run)
	}

	if err := s.Runtime.Dispatch(c.Request().Context(), run.ID); err != nil {
		return writeError(c, err)
	}
	final, err := s.Store.Runs().Get(c.Request().Context(), run.ID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, final)
}

type pythonSnippetRequest struct {
	Code       string          `json:"code"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	TimeoutMs  int64           `json:"timeoutMs,omitempty"`
}

type pythonSnippetResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exitCode"`
}

func (s *Server) handlePythonSnippet(c echo.Context) error {
	if !hasScope(callerScopes(c), s.Config.IAM.AdminScope) {
		return writeError(c, apherr.New(apherr.KindNotAuthorized, "python snippet execution requires admin scope"))
	}
	var req pythonSnippetRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apherr.Wrap(apherr.KindValidation, err))
	}
	if req.Code == "" {
		return writeError(c, apherr.New(apherr.KindValidation, "code is required"))
	}

	result, err := runPythonSnippet(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// handlePythonSnippetPreview implements POST /jobs/python-snippet/preview: syntax-checks the
// snippet via py_compile without running it, so editors can surface errors before submission.
func (s *Server) handlePythonSnippetPreview(c echo.Context) error {
	var req pythonSnippetRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apherr.Wrap(apherr.KindValidation, err))
	}
	if req.Code == "" {
		return writeError(c, apherr.New(apherr.KindValidation, "code is required"))
	}

	dir, err := os.MkdirTemp("", "apphub-snippet-*")
	if err != nil {
		return writeError(c, apherr.Wrap(apherr.KindExecution, err))
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "snippet.py")
	if err := os.WriteFile(path, []byte(req.Code), 0o600); err != nil {
		return writeError(c, apherr.Wrap(apherr.KindExecution, err))
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, "python3", "-m", "py_compile", path)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	out := pythonSnippetResult{Stderr: stderr.String()}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			out.ExitCode = exitErr.ExitCode()
		} else {
			return writeError(c, apherr.Wrap(apherr.KindExecution, runErr))
		}
	}
	return c.JSON(http.StatusOK, out)
}

func runPythonSnippet(ctx context.Context, req pythonSnippetRequest) (pythonSnippetResult, error) {
	timeout := 30 * time.Second
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir, err := os.MkdirTemp("", "apphub-snippet-*")
	if err != nil {
		return pythonSnippetResult{}, apherr.Wrap(apherr.KindExecution, err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "snippet.py")
	if err := os.WriteFile(path, []byte(req.Code), 0o600); err != nil {
		return pythonSnippetResult{}, apherr.Wrap(apherr.KindExecution, err)
	}

	cmd := exec.CommandContext(runCtx, "python3", path)
	if len(req.Parameters) > 0 {
		cmd.Env = append(os.Environ(), "JOB_PARAMETERS="+string(req.Parameters))
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	result := pythonSnippetResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, apherr.Wrap(apherr.KindExecution, runErr)
	}
	return result, nil
}

// handleBundleVersionsList implements GET /jobs/bundles/{slug}.
func (s *Server) handleBundleVersionsList(c echo.Context) error {
	versions, err := s.Store.Bundles().ListVersions(c.Request().Context(), c.Param("slug"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, versions)
}

type bundlePublishRequest struct {
	Version         string          `json:"version"`
	ArtifactPath    string          `json:"artifactPath"`
	Manifest        json.RawMessage `json:"manifest,omitempty"`
	CapabilityFlags []string        `json:"capabilityFlags,omitempty"`
}

// handleBundlePublish implements POST /jobs/bundles/{slug}: publish a new version
// from the artifact file at ArtifactPath on the server's local filesystem.
func (s *Server) handleBundlePublish(c echo.Context) error {
	if !hasScope(callerScopes(c), s.Config.IAM.AdminScope) {
		return writeError(c, apherr.New(apherr.KindNotAuthorized, "bundle publish requires admin scope"))
	}
	slug := c.Param("slug")
	var req bundlePublishRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apherr.Wrap(apherr.KindValidation, err))
	}
	if req.ArtifactPath == "" {
		return writeError(c, apherr.New(apherr.KindValidation, "artifactPath is required"))
	}

	f, err := os.Open(req.ArtifactPath)
	if err != nil {
		return writeError(c, apherr.Wrap(apherr.KindValidation, err))
	}
	defer f.Close()

	bv, err := s.Bundles.Publish(c.Request().Context(), bundle.PublishInput{
		Slug:            slug,
		Version:         req.Version,
		Manifest:        req.Manifest,
		CapabilityFlags: req.CapabilityFlags,
	}, f)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, bv)
}
