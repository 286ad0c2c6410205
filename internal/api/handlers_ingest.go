package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/dataset"
	"github.com/apphub-core/platform/internal/ingest"
	"github.com/apphub-core/platform/internal/metadata"
)

type ingestMode struct {
	Queued bool `json:"-"`
}

// handleIngest implements POST /datasets/{slug}/ingest: authorize the write
// scope, accept the Idempotency-Key header as body.idempotencyKey's HTTP-level alias, and run
// inline, or queued when the request carries the ?mode=queued query parameter.
func (s *Server) handleIngest(c echo.Context) error {
	slug := c.Param("slug")
	var body ingest.Body
	if err := c.Bind(&body); err != nil {
		return writeError(c, apherr.Wrap(apherr.KindValidation, err))
	}
	if key := c.Request().Header.Get(headerIdemKey); key != "" && body.IdempotencyKey == "" {
		body.IdempotencyKey = key
	}

	if err := s.authorizeDataset(c, slug, "write"); err != nil {
		return writeError(c, err)
	}

	queued := c.QueryParam("mode") == "queued"
	if queued {
		jobID, err := s.Ingest.Enqueue(c.Request().Context(), s.Queue, slug, body)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(http.StatusAccepted, map[string]any{"jobId": jobID, "queued": true})
	}

	result, err := s.Ingest.Ingest(c.Request().Context(), slug, body)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

// authorizeDataset implements / : resolve the dataset's IAM scopes (falling
// back to the configured default) and require the caller present one of them.
func (s *Server) authorizeDataset(c echo.Context, slug, action string) error {
	ds, err := s.Store.Datasets().GetBySlug(c.Request().Context(), slug)
	var scopesOf metadata.IAMScopes
	defaultScope := s.Config.IAM.DefaultReadScope
	if action == "write" {
		defaultScope = s.Config.IAM.DefaultWriteScope
	}
	required := []string(nil)
	if err == nil {
		scopesOf = dataset.IAMScopesOf(ds)
		if action == "write" {
			required = scopesOf.WriteScopes
		} else {
			required = scopesOf.ReadScopes
		}
	} else if apherr.KindOf(err) != apherr.KindNotFound {
		return err
	}

	allowed := dataset.AuthorizeScope(callerScopes(c), required, defaultScope)
	if ds.ID != "" {
		s.auditAccess(c, ds.ID, action, allowed)
	}
	if !allowed {
		return apherr.New(apherr.KindNotAuthorized, "caller lacks required scope for dataset "+slug)
	}
	return nil
}

func (s *Server) auditAccess(c echo.Context, datasetID, action string, allowed bool) {
	_ = s.Store.Audit().AppendAccess(c.Request().Context(), metadata.DatasetAccessAuditEvent{
		ID:        requestID(c),
		DatasetID: datasetID,
		Actor:     callerUser(c),
		Action:    action,
		Allowed:   allowed,
	})
}
