package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caphub/caphub/pkg/models"
)

// listInterrupts handles GET /api/cap/interrupts.
func (s *Server) listInterrupts(c *gin.Context) {
	filters := models.InterruptFilters{
		RunID:    c.Query("run_id"),
		AgentID:  c.Query("agent_id"),
		ThreadID: c.Query("thread_id"),
		Status:   c.Query("status"),
		Type:     c.Query("type"),
		Priority: c.Query("priority"),
		Limit:    intQuery(c, "limit", 50),
		Offset:   intQuery(c, "offset", 0),
	}
	resp, err := s.deps.Interrupts.List(c.Request.Context(), filters)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}

// getInterrupt handles GET /api/cap/interrupts/:id. Fetching a pending
// interrupt through the API marks it viewed.
func (s *Server) getInterrupt(c *gin.Context) {
	intr, err := s.deps.Interrupts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if intr.Status == models.InterruptStatusPending || intr.Status == models.InterruptStatusNotified {
		if viewed, err := s.deps.Interrupts.MarkViewed(c.Request.Context(), intr.ID); err == nil {
			intr = viewed
		}
	}
	respond(c, http.StatusOK, intr)
}

// resolveInterrupt handles POST /api/cap/interrupts/:id/resolve.
func (s *Server) resolveInterrupt(c *gin.Context) {
	var response models.InterruptResponse
	if err := c.ShouldBindJSON(&response); err != nil {
		bindError(c, err)
		return
	}
	intr, err := s.deps.Interrupts.Resolve(c.Request.Context(), c.Param("id"), response)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, intr)
}
