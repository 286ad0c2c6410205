package api

import (
	"context"
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/apphub-core/platform/internal/apherr"
	"github.com/apphub-core/platform/internal/query"
)

type sqlReadRequest struct {
	SQL   string   `json:"sql"`
	Slugs []string `json:"slugs,omitempty"`
}

type sqlReadResult struct {
	Rows      []map[string]any `json:"rows"`
	Truncated bool             `json:"truncated"`
}

// handleSQLRead implements POST /sql/read: a single SELECT/WITH statement,
// dataset-slug rewriting via SQLCatalog, streamed as JSON/CSV/plain-text per Accept.
func (s *Server) handleSQLRead(c echo.Context) error {
	var req sqlReadRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apherr.Wrap(apherr.KindValidation, err))
	}
	for _, slug := range req.Slugs {
		if err := s.authorizeDataset(c, slug, "read"); err != nil {
			return writeError(c, err)
		}
	}

	rewritten, err := query.RewriteReadStatement(c.Request().Context(), s.SQL, req.Slugs, req.SQL)
	if err != nil {
		return writeError(c, err)
	}

	var rows []map[string]any
	var truncated bool
	if s.Columnar != nil {
		rows, _, truncated, err = s.Columnar.Read(c.Request().Context(), rewritten, sqlReadLimit, statementTimeout(c))
	} else {
		rows, truncated, err = s.executeRawSQL(c, rewritten)
	}
	if err != nil {
		return writeError(c, err)
	}

	accept := c.Request().Header.Get(echo.HeaderAccept)
	switch {
	case strings.Contains(accept, "text/csv"):
		return writeCSV(c, rows)
	case strings.Contains(accept, "text/plain"):
		return writePlain(c, rows)
	default:
		return c.JSON(http.StatusOK, sqlReadResult{Rows: rows, Truncated: truncated})
	}
}

// handleSQLExec implements POST /sql/exec: arbitrary relational statements,
// authorized separately from the read endpoint (requires the admin scope since it accepts
// writes).
func (s *Server) handleSQLExec(c echo.Context) error {
	if !hasScope(callerScopes(c), s.Config.IAM.AdminScope) {
		return writeError(c, apherr.New(apherr.KindNotAuthorized, "sql exec requires admin scope"))
	}
	var req sqlReadRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, apherr.Wrap(apherr.KindValidation, err))
	}
	rows, _, err := s.executeRawSQL(c, req.SQL)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, sqlReadResult{Rows: rows})
}

const sqlReadLimit = 10_000

// statementTimeout reads the X-Statement-Timeout-Ms header carried on relational reads.
func statementTimeout(c echo.Context) time.Duration {
	v := c.Request().Header.Get("X-Statement-Timeout-Ms")
	if v == "" {
		return 0
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Server) executeRawSQL(c echo.Context, stmt string) ([]map[string]any, bool, error) {
	if s.RawDB == nil {
		return nil, false, apherr.New(apherr.KindUnavailable, "relational exec backend is not configured")
	}
	ctx := c.Request().Context()
	if t := statementTimeout(c); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	rows, err := s.RawDB.QueryContext(ctx, stmt)
	if err != nil {
		return nil, false, apherr.Wrap(apherr.KindExecution, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, false, apherr.Wrap(apherr.KindExecution, err)
	}

	var out []map[string]any
	truncated := false
	for rows.Next() {
		if len(out) >= sqlReadLimit {
			truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, false, apherr.Wrap(apherr.KindExecution, err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, truncated, rows.Err()
}

func writeCSV(c echo.Context, rows []map[string]any) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().WriteHeader(http.StatusOK)
	w := csv.NewWriter(c.Response())
	defer w.Flush()
	if len(rows) == 0 {
		return nil
	}
	header := columnsOf(rows)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		record := make([]string, len(header))
		for i, col := range header {
			record[i] = fmt.Sprintf("%v", row[col])
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func writePlain(c echo.Context, rows []map[string]any) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/plain")
	c.Response().WriteHeader(http.StatusOK)
	header := columnsOf(rows)
	for _, row := range rows {
		parts := make([]string, len(header))
		for i, col := range header {
			parts[i] = fmt.Sprintf("%v", row[col])
		}
		if _, err := fmt.Fprintln(c.Response(), strings.Join(parts, "\t")); err != nil {
			return err
		}
	}
	return nil
}

func columnsOf(rows []map[string]any) []string {
	if len(rows) == 0 {
		return nil
	}
	cols := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		cols = append(cols, k)
	}
	return cols
}

// --- Saved SQL query CRUD (GET/PUT/DELETE /sql/saved[/{id}]) ---

func (s *Server) handleSavedList(c echo.Context) error {
	s.savedMu.RLock()
	defer s.savedMu.RUnlock()
	out := make([]SavedQuery, 0, len(s.saved))
	for _, q := range s.saved {
		out = append(out, q)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleSavedGet(c echo.Context) error {
	id := c.Param("id")
	s.savedMu.RLock()
	q, ok := s.saved[id]
	s.savedMu.RUnlock()
	if !ok {
		return writeError(c, apherr.New(apherr.KindNotFound, "saved query not found"))
	}
	return c.JSON(http.StatusOK, q)
}

func (s *Server) handleSavedPut(c echo.Context) error {
	id := c.Param("id")
	var body SavedQuery
	if err := c.Bind(&body); err != nil {
		return writeError(c, apherr.Wrap(apherr.KindValidation, err))
	}
	body.ID = id
	if body.ID == "" {
		body.ID = uuid.NewString()
	}
	s.savedMu.Lock()
	s.saved[body.ID] = body
	s.savedMu.Unlock()
	return c.JSON(http.StatusOK, body)
}

func (s *Server) handleSavedDelete(c echo.Context) error {
	id := c.Param("id")
	s.savedMu.Lock()
	delete(s.saved, id)
	s.savedMu.Unlock()
	return c.NoContent(http.StatusNoContent)
}
