// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes a dispatcher over HTTP.
//
// Remote producers POST actions, which are enqueued exactly like local
// ones. Observers read the published snapshot and history, or follow the
// patch stream over a WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/flowstate/services/flowstate/action"
	"github.com/AleutianAI/flowstate/services/flowstate/dispatch"
	"github.com/AleutianAI/flowstate/services/flowstate/store"
	"github.com/AleutianAI/flowstate/services/flowstate/telemetry"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

var (
	// ErrProjectsDisabled rejects project actions when no ProjectDir is
	// configured.
	ErrProjectsDisabled = errors.New("project actions are disabled over http")

	// ErrOutsideProjectDir rejects project paths that escape ProjectDir.
	ErrOutsideProjectDir = errors.New("project path outside the project directory")
)

// Dispatcher is the part of *dispatch.Dispatcher the server uses.
type Dispatcher interface {
	Enqueue(a action.Action) bool
	CanApply(a action.Action) bool
	Snapshot() *store.Store
	HistoryIndex() int
	History() (int, []dispatch.RecordSummary)
	QueueDepth() int64
	SetInteracting(on bool)
	SubscribeUpdates(buffer int) (<-chan dispatch.Update, func())
}

// Config configures a Server.
type Config struct {
	// Addr is the listen address for Run.
	Addr string

	// ActionsPerSecond limits actions accepted by POST /v1/actions across
	// all clients. Zero disables the limit.
	ActionsPerSecond float64
	Burst            int

	// ShutdownTimeout bounds graceful shutdown in Run.
	ShutdownTimeout time.Duration

	// ServiceName names the otelgin server spans.
	ServiceName string

	// UpdateBuffer is the per-client patch stream buffer.
	UpdateBuffer int

	// ProjectDir confines the paths of OpenProject and SaveProject posted
	// over HTTP. Relative paths resolve against it. Empty rejects both.
	ProjectDir string

	// AllowedOrigins lists browser origins, such as
	// "http://localhost:5173", that may open the patch stream besides the
	// server's own host.
	AllowedOrigins []string

	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler
}

// Server serves the HTTP API for one dispatcher.
//
// Thread Safety: Safe for concurrent use. Handlers only enqueue and read
// published state.
type Server struct {
	cfg        Config
	d          Dispatcher
	logger     *slog.Logger
	metrics    *telemetry.Metrics
	limiter    *rate.Limiter
	engine     *gin.Engine
	upgrader   websocket.Upgrader
	projectDir string
	origins    map[string]struct{}
}

// New builds the router.
//
// Example:
//
//	srv := server.New(d, server.Config{Addr: ":7420", MetricsHandler: telemetry.MetricsHandler()})
//	go srv.Run(ctx)
func New(d Dispatcher, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopMetrics()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "flowstate"
	}
	if cfg.UpdateBuffer < 1 {
		cfg.UpdateBuffer = 256
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		d:       d,
		logger:  cfg.Logger.With(slog.String("component", "server")),
		metrics: cfg.Metrics,
		limiter: rate.NewLimiter(rate.Inf, 0),
		origins: make(map[string]struct{}, len(cfg.AllowedOrigins)),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     s.checkOrigin,
	}
	for _, o := range cfg.AllowedOrigins {
		s.origins[strings.ToLower(strings.TrimSuffix(o, "/"))] = struct{}{}
	}
	if cfg.ProjectDir != "" {
		dir, err := filepath.Abs(cfg.ProjectDir)
		if err != nil {
			dir = filepath.Clean(cfg.ProjectDir)
		}
		s.projectDir = dir
	}
	if cfg.ActionsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.ActionsPerSecond), burst)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	RegisterRoutes(router.Group("/v1"), s)
	if cfg.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(cfg.MetricsHandler))
	}
	s.engine = router
	return s
}

// RegisterRoutes registers the /v1 endpoints.
//
// Endpoints:
//
//	GET  /v1/health            - Liveness with queue depth and history size
//	GET  /v1/state             - Whole store as a state snapshot document
//	GET  /v1/state/value?path= - One path, any category
//	POST /v1/actions           - Enqueue actions
//	POST /v1/actions/can_apply - Evaluate CanApply for one action
//	POST /v1/interaction       - Start or end a continuous interaction
//	GET  /v1/history           - Cursor and record summaries
//	GET  /v1/patches           - WebSocket patch stream
func RegisterRoutes(rg *gin.RouterGroup, s *Server) {
	rg.GET("/health", s.HandleHealth)

	state := rg.Group("/state")
	{
		state.GET("", s.HandleGetState)
		state.GET("/value", s.HandleGetValue)
	}

	actions := rg.Group("/actions", requireJSON())
	{
		actions.POST("", s.HandlePostActions)
		actions.POST("/can_apply", s.HandleCanApply)
	}
	rg.POST("/interaction", requireJSON(), s.HandleInteraction)

	rg.GET("/history", s.HandleHistory)
	rg.GET("/patches", s.HandlePatches)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on Config.Addr until ctx is done, then shuts down gracefully.
//
// Outputs:
//   - error: nil after a clean shutdown, otherwise the listen or shutdown
//     error.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// requireJSON refuses request bodies that are not application/json, so a
// cross-site form or text/plain POST never reaches a handler.
func requireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.ContentType() != binding.MIMEJSON {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, ErrorResponse{
				Error: "content type must be application/json",
				Code:  CodeUnsupportedMedia,
			})
			return
		}
		c.Next()
	}
}

// checkOrigin accepts clients that send no Origin, the server's own host,
// and the configured origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	_, ok := s.origins[strings.ToLower(strings.TrimSuffix(origin, "/"))]
	return ok
}

// confine rewrites the path of a project action to an absolute path inside
// ProjectDir. Other actions pass through.
func (s *Server) confine(a action.Action) (action.Action, error) {
	switch a := a.(type) {
	case action.OpenProject:
		p, err := s.projectPath(a.Path)
		return action.OpenProject{Path: p}, err
	case action.SaveProject:
		p, err := s.projectPath(a.Path)
		return action.SaveProject{Path: p}, err
	}
	return a, nil
}

func (s *Server) projectPath(name string) (string, error) {
	if s.projectDir == "" {
		return "", ErrProjectsDisabled
	}
	full := name
	if !filepath.IsAbs(full) {
		full = filepath.Join(s.projectDir, full)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(s.projectDir, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideProjectDir, name)
	}
	return full, nil
}
