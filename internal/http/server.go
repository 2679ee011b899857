// Package http provides the HTTP API for inspecting and steering workflows.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/patchflow/internal/controller"
	"github.com/fyrsmithlabs/patchflow/internal/logging"
	"github.com/fyrsmithlabs/patchflow/internal/store"
	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

// Workflows is the controller surface the API exposes.
type Workflows interface {
	Report(ctx context.Context, id string) (*controller.Report, error)
	Resume(ctx context.Context, id string) (*workflow.State, error)
	Approve(ctx context.Context, id string, d workflow.ApprovalDecision) (*workflow.State, error)
	Abort(ctx context.Context, id string) (*workflow.State, error)
}

// Server provides HTTP endpoints for patchflow.
type Server struct {
	echo      *echo.Echo
	workflows Workflows
	states    StateLister
	logger    *logging.Logger
	config    *Config

	// background tracks workflows resumed by POST .../resume.
	background sync.WaitGroup
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Gatherer backs GET /metrics. Defaults to the Prometheus default
	// registry.
	Gatherer prometheus.Gatherer
	// Meter records request metrics. Optional.
	Meter metric.Meter
	// States backs GET /api/v1/status. Optional.
	States StateLister
}

// NewServer creates a new HTTP server.
func NewServer(workflows Workflows, logger *logging.Logger, cfg *Config) (*Server, error) {
	if workflows == nil {
		return nil, fmt.Errorf("workflows cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(c.Request().Context(), reqID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil {
				// Let echo write the response so the status is final.
				c.Error(err)
			}

			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})
	if cfg.Meter != nil {
		e.Use(NewHTTPMetrics(cfg.Meter, logger).MetricsMiddleware())
	}

	s := &Server{
		echo:      e,
		workflows: workflows,
		states:    cfg.States,
		logger:    logger,
		config:    cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/workflows/:id", s.handleReport)
	v1.POST("/workflows/:id/approve", s.handleApprove)
	v1.POST("/workflows/:id/abort", s.handleAbort)
	v1.POST("/workflows/:id/resume", s.handleResume)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	counts, err := CountByStatus(c.Request().Context(), s.states)
	if err != nil {
		s.logger.Warn(c.Request().Context(), "failed to count workflows", zap.Error(err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, "workflow store unavailable")
	}
	return c.JSON(http.StatusOK, StatusResponse{Status: "ok", Workflows: counts})
}

// handleReport returns the workflow state with its artifacts.
func (s *Server) handleReport(c echo.Context) error {
	rep, err := s.workflows.Report(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, rep)
}

// handleApprove records an approval decision.
func (s *Server) handleApprove(c echo.Context) error {
	var req ApproveRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid approve request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Approved == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "approved field is required")
	}

	d := workflow.ApprovalDecision{
		Approved: *req.Approved,
		Actor:    req.Actor,
		Reason:   req.Reason,
		Attempt:  req.Attempt,
	}
	if req.Phase != "" {
		phase, err := workflow.ParsePhase(req.Phase)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		d.Phase = phase
	}

	st, err := s.workflows.Approve(c.Request().Context(), c.Param("id"), d)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// handleAbort fails the workflow with UserAbort.
func (s *Server) handleAbort(c echo.Context) error {
	st, err := s.workflows.Abort(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, st)
}

// handleResume continues the workflow in the background. Driving a workflow
// outlives the request, so the response only confirms it exists.
func (s *Server) handleResume(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	rep, err := s.workflows.Report(ctx, id)
	if err != nil {
		return s.httpError(c, err)
	}
	if rep.State.Terminal() {
		return c.JSON(http.StatusOK, rep.State)
	}

	bg := context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := s.workflows.Resume(bg, id); err != nil {
			s.logger.Warn(bg, "background resume failed", zap.String("workflow_id", id), zap.Error(err))
		}
	}()
	return c.JSON(http.StatusAccepted, rep.State)
}

// httpError maps controller and store errors to HTTP statuses.
func (s *Server) httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "workflow not found")
	case errors.Is(err, controller.ErrTerminal),
		errors.Is(err, controller.ErrNotWaiting),
		errors.Is(err, controller.ErrStaleApproval),
		errors.Is(err, controller.ErrAborted),
		errors.Is(err, store.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	s.logger.Error(c.Request().Context(), "request failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server and waits for background
// resumes until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	err := s.echo.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("waiting for background resumes: %w", ctx.Err()))
	}
	return err
}
