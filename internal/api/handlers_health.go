package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

type readyResponse struct {
	Ready bool        `json:"ready"`
	Queue queueHealth `json:"queue"`
}

type queueHealth struct {
	Ready     bool   `json:"ready"`
	Inline    bool   `json:"inline"`
	LastError string `json:"lastError,omitempty"`
}

// handleReady reports readiness from the queue's observable health (ready, inline,
// lastError). No lifecycle scheduler or streaming feature state is included.
func (s *Server) handleReady(c echo.Context) error {
	h := s.Queue.Health()
	qh := queueHealth{Ready: h.Ready, Inline: h.Inline, LastError: h.LastError}
	return c.JSON(http.StatusOK, readyResponse{Ready: h.Ready, Queue: qh})
}
