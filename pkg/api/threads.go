package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caphub/caphub/pkg/models"
)

// createThread handles POST /api/cap/threads.
func (s *Server) createThread(c *gin.Context) {
	var req models.CreateThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	thread, err := s.deps.Threads.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, thread)
}

// listThreads handles GET /api/cap/threads.
func (s *Server) listThreads(c *gin.Context) {
	filters := models.ThreadFilters{
		AgentID: c.Query("agent_id"),
		Status:  models.ThreadStatus(c.Query("status")),
		Limit:   intQuery(c, "limit", 50),
		Offset:  intQuery(c, "offset", 0),
	}
	threads, total, err := s.deps.Threads.List(c.Request.Context(), filters)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, models.ThreadListResponse{
		Threads:    threads,
		TotalCount: total,
		Limit:      filters.Limit,
		Offset:     filters.Offset,
	})
}

// getThread handles GET /api/cap/threads/:id.
func (s *Server) getThread(c *gin.Context) {
	thread, err := s.deps.Threads.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, thread)
}

// updateThread handles PUT /api/cap/threads/:id. Only status transitions are
// mutable after creation.
func (s *Server) updateThread(c *gin.Context) {
	var req struct {
		Status models.ThreadStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	thread, err := s.deps.Threads.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, thread)
}

// listMessages handles GET /api/cap/threads/:id/messages.
func (s *Server) listMessages(c *gin.Context) {
	filters := models.MessageFilters{
		AfterSeq:   int64(intQuery(c, "after_seq", 0)),
		Limit:      intQuery(c, "limit", 100),
		Reverse:    c.Query("order") == "desc",
		PinnedOnly: c.Query("pinned") == "true",
	}
	msgs, err := s.deps.Threads.ListMessages(c.Request.Context(), c.Param("id"), filters)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// appendMessages handles POST /api/cap/threads/:id/messages. The body is
// either a single message object or {"messages": [...]}.
func (s *Server) appendMessages(c *gin.Context) {
	var batch struct {
		Messages []models.AppendMessage `json:"messages"`
	}
	if err := c.ShouldBindBodyWithJSON(&batch); err != nil || len(batch.Messages) == 0 {
		var single models.AppendMessage
		if err := c.ShouldBindBodyWithJSON(&single); err != nil {
			bindError(c, err)
			return
		}
		batch.Messages = []models.AppendMessage{single}
	}
	msgs, err := s.deps.Threads.Append(c.Request.Context(), c.Param("id"), batch.Messages)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"messages": msgs, "count": len(msgs)})
}

// closeThread handles POST /api/cap/threads/:id/close.
func (s *Server) closeThread(c *gin.Context) {
	var req struct {
		Summary    string `json:"summary,omitempty"`
		Resolution string `json:"resolution,omitempty"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}
	thread, err := s.deps.Threads.Close(c.Request.Context(), c.Param("id"), req.Summary, req.Resolution)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, thread)
}
