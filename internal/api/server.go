package api

import (
	"database/sql"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/apphub-core/platform/internal/bundle"
	"github.com/apphub-core/platform/internal/config"
	"github.com/apphub-core/platform/internal/dataset"
	"github.com/apphub-core/platform/internal/ingest"
	"github.com/apphub-core/platform/internal/jobruntime"
	"github.com/apphub-core/platform/internal/lifecycle"
	"github.com/apphub-core/platform/internal/metadata"
	"github.com/apphub-core/platform/internal/platformmetrics"
	"github.com/apphub-core/platform/internal/query"
	"github.com/apphub-core/platform/internal/queue"
)

// Server bundles every collaborator interface the HTTP handlers need, composed via a dependency
// struct rather than a dynamic handler registry.
type Server struct {
	Config    config.Config
	Logger    *logrus.Entry
	Store     metadata.Store
	Queue     queue.Queue
	Bundles   *bundle.Registry
	Cache     *bundle.Cache
	Runtime   *jobruntime.Runtime
	Dataset   *dataset.Engine
	Ingest    *ingest.Pipeline
	Lifecycle *lifecycle.Engine
	Query     *query.Engine
	SQL       *query.SQLCatalog
	Metrics   *platformmetrics.Metrics

	// Scheduler is the lifecycle scheduler's live configuration, shared by reference so
	// POST /admin/lifecycle/reschedule takes effect on the next tick.
	Scheduler *lifecycle.SchedulerConfig

	// RawDB, when non-nil, backs /sql/exec's arbitrary relational statements. It is
	// nil in inline/in-memory-store deployments, where /sql/exec responds "unavailable".
	RawDB *sql.DB

	// Columnar, when non-nil, backs /sql/read instead of RawDB so read statements run against
	// the columnar engine; absent, reads fall back to the relational side.
	Columnar *query.ColumnarClient

	savedMu sync.RWMutex
	saved   map[string]SavedQuery
}

type SavedQuery struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Statement string `json:"statement"`
}

// NewServer wires every HTTP route onto a fresh echo.Echo.
func NewServer(s *Server) *echo.Echo {
	if s.saved == nil {
		s.saved = make(map[string]SavedQuery)
	}
	e := echo.New()
	e.HideBanner = true
	e.Use(iamMiddleware())
	e.Use(requestLogger(s))
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		if !c.Response().Committed {
			_ = writeError(c, err)
		}
	}

	e.GET("/health", s.handleHealth)
	e.GET("/ready", s.handleReady)
	if s.Config.MetricsEnabled {
		metricsGroup := e.Group("/metrics")
		metricsGroup.Use(requireScope(s.Config.IAM.MetricsScope))
		metricsGroup.GET("", echo.WrapHandler(promhttp.Handler()))
	}

	var limiter *perCallerLimiter
	if s.Config.RateLimit.RequestsPerSecond > 0 {
		limiter = newPerCallerLimiter(s.Config.RateLimit.RequestsPerSecond, s.Config.RateLimit.Burst)
	}

	data := e.Group("")
	if limiter != nil {
		data.Use(limiter.middleware())
	}
	data.POST("/datasets/:slug/ingest", s.handleIngest)
	data.POST("/datasets/:slug/query", s.handleQuery)

	e.POST("/sql/read", s.handleSQLRead)
	e.POST("/sql/exec", s.handleSQLExec)
	e.GET("/sql/saved", s.handleSavedList)
	e.GET("/sql/saved/:id", s.handleSavedGet)
	e.PUT("/sql/saved/:id", s.handleSavedPut)
	e.DELETE("/sql/saved/:id", s.handleSavedDelete)

	admin := e.Group("/admin")
	admin.Use(jwtScopeMiddleware(s.Config.IAM.JWTSecret))
	admin.Use(requireScope(s.Config.IAM.AdminScope))
	admin.POST("/lifecycle/run", s.handleLifecycleRun)
	admin.GET("/lifecycle/status", s.handleLifecycleStatus)
	admin.GET("/lifecycle/status/stream", s.handleLifecycleStatusStream)
	admin.POST("/lifecycle/reschedule", s.handleLifecycleReschedule)
	admin.GET("/datasets", s.handleAdminDatasetsList)
	admin.POST("/datasets", s.handleAdminDatasetsCreate)
	admin.PATCH("/datasets/:id", s.handleAdminDatasetsPatch)
	admin.POST("/datasets/:id/archive", s.handleAdminDatasetsArchive)
	admin.GET("/datasets/:id/manifests", s.handleAdminDatasetManifests)
	admin.GET("/datasets/:id/audit", s.handleAdminDatasetAudit)

	e.GET("/jobs", s.handleJobsList)
	e.POST("/jobs", s.handleJobsCreate)
	e.GET("/jobs/:slug/run", s.handleJobRunsList)
	e.POST("/jobs/:slug/run", s.handleJobRunCreate)
	e.POST("/jobs/python-snippet", s.handlePythonSnippet)
	e.POST("/jobs/python-snippet/preview", s.handlePythonSnippetPreview)
	e.GET("/jobs/bundles/:slug", s.handleBundleVersionsList)
	e.POST("/jobs/bundles/:slug", s.handleBundlePublish)

	return e
}
