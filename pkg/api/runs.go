package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caphub/caphub/pkg/models"
)

// submitRun handles POST /api/cap/runs.
func (s *Server) submitRun(c *gin.Context) {
	var req models.SubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	run, err := s.deps.Runs.Submit(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, run)
}

// listRuns handles GET /api/cap/runs.
func (s *Server) listRuns(c *gin.Context) {
	filters := models.RunFilters{
		AgentID:  c.Query("agent_id"),
		ThreadID: c.Query("thread_id"),
		Status:   c.Query("status"),
		Limit:    intQuery(c, "limit", 50),
		Offset:   intQuery(c, "offset", 0),
	}
	resp, err := s.deps.Runs.List(c.Request.Context(), filters)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}

// getRun handles GET /api/cap/runs/:id.
func (s *Server) getRun(c *gin.Context) {
	run, err := s.deps.Runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, run)
}

// cancelRun handles POST /api/cap/runs/:id/cancel.
func (s *Server) cancelRun(c *gin.Context) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}
	run, err := s.deps.Runs.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, run)
}
