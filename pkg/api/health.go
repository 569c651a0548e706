package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caphub/caphub/pkg/version"
)

// healthz reports liveness plus a shallow readiness probe of the backends.
// Storage failure degrades the response to 503; the queue and bus numbers
// are informational.
func (s *Server) healthz(c *gin.Context) {
	status := http.StatusOK
	overall := "ok"
	checks := gin.H{"storage": "ok"}

	if err := s.deps.Store.Ping(c.Request.Context()); err != nil {
		status = http.StatusServiceUnavailable
		overall = "degraded"
		checks["storage"] = err.Error()
	}

	if s.deps.Queue != nil {
		if depth, err := s.deps.Queue.Depth(c.Request.Context()); err != nil {
			checks["queue"] = err.Error()
		} else {
			checks["queue_depth"] = depth
		}
	}
	if s.deps.Bus != nil {
		checks["subscribers"] = s.deps.Bus.ActiveSubscribers()
		checks["dropped_events"] = s.deps.Bus.Dropped()
	}

	c.JSON(status, gin.H{
		"status":  overall,
		"version": version.Full(),
		"checks":  checks,
	})
}
