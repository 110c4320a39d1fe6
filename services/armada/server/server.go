// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the orchestration core over HTTP: agent
// lifecycle, discovery, health, and metrics export.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/armada/pkg/logging"
	"github.com/AleutianAI/armada/services/armada/agent"
	"github.com/AleutianAI/armada/services/armada/health"
	"github.com/AleutianAI/armada/services/armada/metrics"
	"github.com/AleutianAI/armada/services/armada/pool"
	"github.com/AleutianAI/armada/services/armada/registry"
	"github.com/AleutianAI/armada/services/armada/restart"
	"github.com/AleutianAI/armada/services/armada/runner"
	"github.com/AleutianAI/armada/services/armada/supervisor"
)

// ModuleFactory builds a fresh agent instance plus its initial state for
// one module name. The server uses it to serve agent-start requests.
type ModuleFactory func() (agent.Agent, any)

// Config configures the HTTP server.
type Config struct {
	Host string
	Port int
}

// Deps are the server's collaborators.
type Deps struct {
	Logger     *logging.Logger
	Registry   *registry.Registry
	Supervisor *supervisor.Supervisor
	Monitor    *health.Monitor
	Aggregator *metrics.Aggregator

	// Pool is the shared runner pool; nil disables the pool endpoints.
	Pool *pool.Pool

	// Modules maps module names to factories for POST /v1/agents.
	Modules map[string]ModuleFactory
}

// Server is the HTTP surface of the orchestration core.
type Server struct {
	cfg    Config
	deps   Deps
	logger *logging.Logger
	router *gin.Engine
}

// New creates the server and registers all routes.
func New(cfg Config, deps Deps) *Server {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port <= 0 {
		cfg.Port = 12410
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "server"),
	}
	s.initRouter()
	return s
}

// Router returns the configured engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) initRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("armada-service"))

	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/metrics/armada", s.handleMetricsPrometheus)
	router.GET("/metrics/statsd", s.handleMetricsStatsD)

	v1 := router.Group("/v1")
	{
		v1.GET("/agents", s.handleListAgents)
		v1.POST("/agents", s.handleStartAgent)
		v1.GET("/agents/:id", s.handleGetAgent)
		v1.DELETE("/agents/:id", s.handleStopAgent)
		v1.POST("/agents/:id/actions", s.handleExecuteAction)
		v1.PUT("/agents/:id/policy", s.handleSetPolicy)
		v1.POST("/restart", s.handleRollingRestart)

		if s.deps.Pool != nil {
			v1.GET("/pool", s.handlePoolStats)
			v1.POST("/pool/actions", s.handlePoolExecute)
		}
	}

	s.router = router
}

// ===== handlers =====

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMetricsPrometheus(c *gin.Context) {
	snap := s.deps.Aggregator.SnapshotNow()
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8",
		[]byte(metrics.RenderPrometheus(snap)))
}

func (s *Server) handleMetricsStatsD(c *gin.Context) {
	snap := s.deps.Aggregator.SnapshotNow()
	c.Data(http.StatusOK, "text/plain; charset=utf-8",
		[]byte(metrics.RenderStatsD(snap)))
}

// agentView is the JSON shape of one agent.
type agentView struct {
	ID           string            `json:"id"`
	Module       string            `json:"module"`
	Tags         []string          `json:"tags,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Node         string            `json:"node,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	Load         float64           `json:"load"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Health       string            `json:"health,omitempty"`
	Circuit      string            `json:"circuit,omitempty"`
}

func (s *Server) view(h registry.Handle) agentView {
	v := agentView{
		ID:           h.ID,
		Module:       h.Module,
		Tags:         h.Tags,
		Capabilities: h.Capabilities,
		Node:         h.Node,
		RegisteredAt: h.RegisteredAt,
		Load:         h.Load,
		Metadata:     h.Metadata,
	}
	if s.deps.Monitor != nil {
		if st, ok := s.deps.Monitor.Status(h.ID); ok {
			v.Health = st.String()
		}
		if cs, ok := s.deps.Monitor.CircuitState(h.ID); ok {
			v.Circuit = cs.String()
		}
	}
	return v
}

func (s *Server) handleListAgents(c *gin.Context) {
	var handles []registry.Handle
	switch {
	case c.Query("tag") != "":
		handles = s.deps.Registry.FindByTag(c.Query("tag"))
	case c.Query("capability") != "":
		handles = s.deps.Registry.FindByCapability(c.Query("capability"))
	case c.Query("module") != "":
		handles = s.deps.Registry.FindByModule(c.Query("module"))
	default:
		handles = s.deps.Registry.All()
	}

	out := make([]agentView, 0, len(handles))
	for _, h := range handles {
		out = append(out, s.view(h))
	}
	c.JSON(http.StatusOK, gin.H{"agents": out, "count": len(out)})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	id := c.Param("id")
	h, ok := s.deps.Registry.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	resp := gin.H{"agent": s.view(h)}
	if r, ok := s.deps.Supervisor.Runner(id); ok {
		st := r.Stats()
		resp["stats"] = gin.H{
			"executed": st.Executed,
			"failed":   st.Failed,
			"pending":  st.Pending,
			"uptime":   st.Uptime.String(),
		}
	}
	if agg, ok := s.deps.Aggregator.AgentStats(id); ok {
		resp["metrics"] = agg
	}
	c.JSON(http.StatusOK, resp)
}

type startAgentRequest struct {
	ID           string            `json:"id"`
	Module       string            `json:"module" binding:"required"`
	Tags         []string          `json:"tags"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata"`
	Policy       string            `json:"policy"`
}

func (s *Server) handleStartAgent(c *gin.Context) {
	var req startAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	factory, ok := s.deps.Modules[req.Module]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown module %q", req.Module)})
		return
	}
	ag, state := factory()

	r, err := s.deps.Supervisor.StartAgent(c.Request.Context(), supervisor.AgentSpec{
		ID:           req.ID,
		Agent:        ag,
		InitialState: state,
		Tags:         req.Tags,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
		Policy:       supervisor.RestartPolicy(req.Policy),
	})
	if err != nil {
		var be *restart.BackoffError
		switch {
		case errors.As(err, &be):
			c.Header("Retry-After", fmt.Sprintf("%d", int(be.Remaining.Seconds())+1))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		case errors.Is(err, registry.ErrAlreadyRegistered):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": r.ID(), "module": r.Module()})
}

func (s *Server) handleStopAgent(c *gin.Context) {
	id := c.Param("id")
	res, err := s.deps.Supervisor.StopAgent(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, supervisor.ErrUnknownAgent) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          id,
		"forced":      res.Forced,
		"state_saved": res.StateSaved,
		"elapsed":     res.Elapsed.String(),
	})
}

type executeActionRequest struct {
	Action string       `json:"action" binding:"required"`
	Params agent.Params `json:"params"`
}

func (s *Server) handleExecuteAction(c *gin.Context) {
	id := c.Param("id")
	r, ok := s.deps.Supervisor.Runner(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}

	var req executeActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := r.ExecuteAction(c.Request.Context(), req.Action, req.Params)
	if err != nil {
		switch {
		case errors.Is(err, runner.ErrDraining), errors.Is(err, runner.ErrTerminated):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, runner.ErrMailboxFull):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

type setPolicyRequest struct {
	Policy string `json:"policy" binding:"required"`
}

func (s *Server) handleSetPolicy(c *gin.Context) {
	var req setPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch supervisor.RestartPolicy(req.Policy) {
	case supervisor.RestartAlways, supervisor.RestartOnFailure, supervisor.RestartNever:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown policy %q", req.Policy)})
		return
	}

	if err := s.deps.Supervisor.SetPolicy(c.Param("id"), supervisor.RestartPolicy(req.Policy)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "policy": req.Policy})
}

func (s *Server) handlePoolStats(c *gin.Context) {
	st := s.deps.Pool.Stats()
	c.JSON(http.StatusOK, gin.H{
		"total":     st.Total,
		"available": st.Available,
		"busy":      st.Busy,
		"queued":    st.Queued,
	})
}

// handlePoolExecute routes one action through the shared pool.
func (s *Server) handlePoolExecute(c *gin.Context) {
	var req executeActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.deps.Pool.Execute(c.Request.Context(), req.Action, req.Params)
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrQueueFull), errors.Is(err, pool.ErrAtMaxSize),
			errors.Is(err, pool.ErrNoneAvailable), errors.Is(err, runner.ErrMailboxFull):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		case errors.Is(err, pool.ErrClosed), errors.Is(err, runner.ErrDraining),
			errors.Is(err, runner.ErrTerminated):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

type rollingRestartRequest struct {
	Tag       string `json:"tag"`
	Module    string `json:"module"`
	BatchSize int    `json:"batch_size"`
	DelayMs   int    `json:"delay_ms"`
}

func (s *Server) handleRollingRestart(c *gin.Context) {
	var req rollingRestartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filter := func(h registry.Handle) bool {
		if req.Module != "" && h.Module != req.Module {
			return false
		}
		if req.Tag != "" {
			for _, tag := range h.Tags {
				if tag == req.Tag {
					return true
				}
			}
			return false
		}
		return true
	}

	err := s.deps.Supervisor.RollingRestart(c.Request.Context(), filter, req.BatchSize,
		time.Duration(req.DelayMs)*time.Millisecond)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}
