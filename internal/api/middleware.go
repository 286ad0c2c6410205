// Package api implements the HTTP surface: health/readiness/metrics, dataset ingest/query,
// SQL read/exec, saved-query CRUD, admin lifecycle and dataset administration, and job
// definitions/runs, all behind the scope-based IAM authorization model.
package api

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/apphub-core/platform/internal/apherr"
)

const (
	headerScopes  = "X-IAM-Scopes"
	headerUser    = "X-IAM-User"
	headerIdemKey = "Idempotency-Key"
	ctxKeyScopes  = "iam_scopes"
	ctxKeyUser    = "iam_user"
	ctxKeyReqID   = "request_id"
)

// scopesFrom reads the comma-separated X-IAM-Scopes header into a slice.
func scopesFrom(c echo.Context) []string {
	raw := c.Request().Header.Get(headerScopes)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// iamMiddleware stamps caller scopes/user id and a per-request correlation id onto the echo
// context, used throughout the dataset/job/admin handlers for scope enforcement and audit
// actor attribution.
func iamMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Request().Header.Get(echo.HeaderXRequestID)
			if reqID == "" {
				reqID = uuid.NewString()
			}
			c.Set(ctxKeyReqID, reqID)
			c.Set(ctxKeyScopes, scopesFrom(c))
			c.Set(ctxKeyUser, c.Request().Header.Get(headerUser))
			c.Response().Header().Set(echo.HeaderXRequestID, reqID)
			return next(c)
		}
	}
}

func callerScopes(c echo.Context) []string {
	if v, ok := c.Get(ctxKeyScopes).([]string); ok {
		return v
	}
	return nil
}

func callerUser(c echo.Context) string {
	if v, ok := c.Get(ctxKeyUser).(string); ok {
		return v
	}
	return ""
}

func requestID(c echo.Context) string {
	if v, ok := c.Get(ctxKeyReqID).(string); ok {
		return v
	}
	return ""
}

func hasScope(scopes []string, required string) bool {
	for _, s := range scopes {
		if s == required {
			return true
		}
	}
	return false
}

// requireScope builds middleware that rejects requests lacking scope with not-authorized.
func requireScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if scope == "" {
				return next(c)
			}
			if !hasScope(callerScopes(c), scope) {
				return writeError(c, apherr.New(apherr.KindNotAuthorized, "missing required scope "+scope))
			}
			return next(c)
		}
	}
}

func requestLogger(s *Server) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := s.Logger.WithFields(map[string]any{
				"uri":       v.URI,
				"status":    v.Status,
				"latencyMs": v.Latency.Milliseconds(),
				"requestId": requestID(c),
			})
			if v.Error != nil {
				entry.WithError(v.Error).Warn("request completed with error")
			} else {
				entry.Info("request completed")
			}
			return nil
		},
	})
}

// kindStatus maps error kinds to HTTP status codes.
func kindStatus(k apherr.Kind) int {
	switch k {
	case apherr.KindValidation, apherr.KindMissingParameter, apherr.KindSchemaIncompat, apherr.KindInvalidCursor, apherr.KindDockerPolicy:
		return http.StatusBadRequest
	case apherr.KindNotAuthorized:
		return http.StatusForbidden
	case apherr.KindNotFound, apherr.KindBundleNotFound, apherr.KindDefinitionMissing:
		return http.StatusNotFound
	case apherr.KindConcurrentUpdate:
		return http.StatusPreconditionFailed
	case apherr.KindDuplicate:
		return http.StatusConflict
	case apherr.KindUnavailable, apherr.KindAcquireFailed:
		return http.StatusServiceUnavailable
	case apherr.KindCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the user-visible failure shape: a machine-readable kind, a human
// message, and an optional properties map carrying actionable fields.
type errorBody struct {
	Kind       string         `json:"kind"`
	Message    string         `json:"message"`
	Properties map[string]any `json:"properties,omitempty"`
}

// writeError translates err into the HTTP response shape, switching on Kind rather than
// matching error message strings.
func writeError(c echo.Context, err error) error {
	if e, ok := apherr.As(err); ok {
		return c.JSON(kindStatus(e.Kind), errorBody{Kind: string(e.Kind), Message: e.Message, Properties: e.Properties})
	}
	return c.JSON(http.StatusInternalServerError, errorBody{Kind: string(apherr.KindExecution), Message: err.Error()})
}
