// Package api serves the hub's HTTP surface: the /api/cap resource routes,
// the per-run SSE stream, and the operational endpoints (/healthz, /metrics).
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/caphub/caphub/pkg/config"
	"github.com/caphub/caphub/pkg/events"
	"github.com/caphub/caphub/pkg/executor"
	"github.com/caphub/caphub/pkg/interrupts"
	"github.com/caphub/caphub/pkg/metrics"
	"github.com/caphub/caphub/pkg/queue"
	"github.com/caphub/caphub/pkg/registry"
	"github.com/caphub/caphub/pkg/storage"
	"github.com/caphub/caphub/pkg/threads"
)

// Deps bundles everything the HTTP layer serves.
type Deps struct {
	Registry   *registry.Service
	Threads    *threads.Service
	Runs       *executor.Service
	Interrupts *interrupts.Service
	Bus        *events.Bus
	Catchup    *events.Catchup
	Store      storage.Store
	Queue      queue.Queue
}

// Server is the hub's HTTP server.
type Server struct {
	cfg  *config.ServerConfig
	deps Deps
	http *http.Server
}

// NewServer wires the routes and middleware into a ready-to-start server.
func NewServer(cfg *config.ServerConfig, deps Deps) *Server {
	if cfg == nil {
		cfg = config.DefaultServerConfig()
	}
	s := &Server{cfg: cfg, deps: deps}
	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Router(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout.Std(),
	}
	return s
}

// Router builds the gin engine. Exposed so tests can drive the API without
// a listener.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins:  s.cfg.AllowedOrigins,
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", "Authorization", "Last-Event-ID"},
		ExposeHeaders: []string{"Content-Type"},
	}))

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	cap := r.Group("/api/cap")
	{
		cap.GET("/agents", s.listAgents)
		cap.POST("/agents", s.registerAgent)
		cap.GET("/agents/:id", s.getAgent)
		cap.PUT("/agents/:id", s.updateAgent)
		cap.DELETE("/agents/:id", s.deleteAgent)
		cap.GET("/agents/:id/health", s.agentHealth)
		cap.POST("/agents/discover", s.discoverAgents)

		cap.POST("/threads", s.createThread)
		cap.GET("/threads", s.listThreads)
		cap.GET("/threads/:id", s.getThread)
		cap.PUT("/threads/:id", s.updateThread)
		cap.GET("/threads/:id/messages", s.listMessages)
		cap.POST("/threads/:id/messages", s.appendMessages)
		cap.POST("/threads/:id/close", s.closeThread)

		cap.POST("/runs", s.submitRun)
		cap.GET("/runs", s.listRuns)
		cap.GET("/runs/:id", s.getRun)
		cap.POST("/runs/:id/cancel", s.cancelRun)
		cap.GET("/runs/:id/stream", s.streamRun)

		cap.GET("/interrupts", s.listInterrupts)
		cap.GET("/interrupts/:id", s.getInterrupt)
		cap.POST("/interrupts/:id/resolve", s.resolveInterrupt)
	}

	return r
}

// Start runs the listener until Shutdown. ErrServerClosed is the normal
// shutdown signal, not an error.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the configured budget.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout.Std())
	defer cancel()
	return s.http.Shutdown(ctx)
}

// requestLogger logs one line per request, skipping the high-churn
// operational probes.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/healthz" || path == "/metrics" {
			c.Next()
			return
		}
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"client_ip", c.ClientIP())
	}
}
