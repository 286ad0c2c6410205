package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/query"
)

// handleQuery implements POST /datasets/{slug}/query.
func (s *Server) handleQuery(c echo.Context) error {
	slug := c.Param("slug")
	if err := s.authorizeDataset(c, slug, "read"); err != nil {
		return writeError(c, err)
	}

	var req query.Request
	if err := c.Bind(&req); err != nil {
		return writeError(c, apherr.Wrap(apherr.KindValidation, err))
	}
	req.DatasetSlug = slug

	result, err := s.Query.Query(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}
