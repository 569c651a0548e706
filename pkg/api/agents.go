package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/caphub/caphub/pkg/models"
)

// listAgents handles GET /api/cap/agents.
func (s *Server) listAgents(c *gin.Context) {
	filters := models.AgentFilters{
		System: c.Query("system"),
		Type:   c.Query("type"),
		Status: c.Query("status"),
		Limit:  intQuery(c, "limit", 50),
		Offset: intQuery(c, "offset", 0),
	}
	agents, total, err := s.deps.Registry.List(c.Request.Context(), filters)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, models.AgentListResponse{
		Agents:     agents,
		TotalCount: total,
		Limit:      filters.Limit,
		Offset:     filters.Offset,
	})
}

// registerAgent handles POST /api/cap/agents.
func (s *Server) registerAgent(c *gin.Context) {
	var spec models.AgentSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		bindError(c, err)
		return
	}
	agent, err := s.deps.Registry.Register(c.Request.Context(), spec)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, agent)
}

// getAgent handles GET /api/cap/agents/:id.
func (s *Server) getAgent(c *gin.Context) {
	agent, err := s.deps.Registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, agent)
}

// updateAgent handles PUT /api/cap/agents/:id.
func (s *Server) updateAgent(c *gin.Context) {
	var patch models.AgentPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		bindError(c, err)
		return
	}
	agent, err := s.deps.Registry.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, agent)
}

// deleteAgent handles DELETE /api/cap/agents/:id.
func (s *Server) deleteAgent(c *gin.Context) {
	if err := s.deps.Registry.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": true})
}

// agentHealth handles GET /api/cap/agents/:id/health.
func (s *Server) agentHealth(c *gin.Context) {
	health, err := s.deps.Registry.Health(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, health)
}

// discoverAgents handles POST /api/cap/agents/discover.
func (s *Server) discoverAgents(c *gin.Context) {
	var criteria models.DiscoverCriteria
	if err := c.ShouldBindJSON(&criteria); err != nil {
		bindError(c, err)
		return
	}
	agents, err := s.deps.Registry.Discover(c.Request.Context(), criteria)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// intQuery parses an integer query parameter with a fallback.
func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
