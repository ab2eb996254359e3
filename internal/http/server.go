// Package http provides the REST API for cogflow.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/cogflow/internal/engine"
	"github.com/fyrsmithlabs/cogflow/internal/escalation"
	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"github.com/fyrsmithlabs/cogflow/internal/services"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

// Server provides HTTP endpoints for cogflow.
type Server struct {
	echo     *echo.Echo
	services services.Registry
	logger   *logging.Logger
	config   *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host    string
	Port    int
	Version string
}

// NewServer creates a new HTTP server.
func NewServer(reg services.Registry, logger *logging.Logger, cfg *Config) (*Server, error) {
	if reg == nil || reg.Tasks() == nil {
		return nil, fmt.Errorf("task manager cannot be nil")
	}
	if reg.Escalations() == nil {
		return nil, fmt.Errorf("escalation coordinator cannot be nil")
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
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(otel.Meter(httpInstrumentationName), logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithCorrelationID(c.Request().Context(), requestID)
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil {
				// Let echo write the error so the logged status is final.
				c.Error(err)
			}
			logger.Info(ctx, "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID),
			)
			return nil
		}
	})

	s := &Server{
		echo:     e,
		services: reg,
		logger:   logger,
		config:   cfg,
	}

	// Register routes
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)

	v1.POST("/tasks", s.handleSubmitTask)
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.POST("/tasks/:id/cancel", s.handleCancelTask)
	v1.POST("/tasks/:id/resume", s.handleResumeTask)
	v1.GET("/tasks/:id/audit", s.handleTaskAudit)

	v1.GET("/escalations", s.handleListEscalations)
	v1.POST("/escalations/:id/response", s.handleRespond)
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:             "ok",
		Version:            s.config.Version,
		Tasks:              CountTasks(s.services.Tasks().List()),
		PendingEscalations: len(s.services.Escalations().Pending()),
	})
}

func (s *Server) handleSubmitTask(c echo.Context) error {
	var req engine.SubmitRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid submit request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	snap, err := s.services.Tasks().Submit(c.Request().Context(), req)
	if err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusAccepted, snap)
}

func (s *Server) handleListTasks(c echo.Context) error {
	tasks := s.services.Tasks().List()
	return c.JSON(http.StatusOK, TaskListResponse{Tasks: tasks, Count: len(tasks)})
}

func (s *Server) handleGetTask(c echo.Context) error {
	snap, err := s.services.Tasks().Get(c.Param("id"))
	if err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleCancelTask(c echo.Context) error {
	id := c.Param("id")
	if err := s.services.Tasks().Cancel(c.Request().Context(), id); err != nil {
		return taskError(err)
	}
	snap, err := s.services.Tasks().Get(id)
	if err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusAccepted, snap)
}

func (s *Server) handleResumeTask(c echo.Context) error {
	snap, err := s.services.Tasks().Resume(c.Request().Context(), c.Param("id"))
	if err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusAccepted, snap)
}

func (s *Server) handleTaskAudit(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.services.Tasks().Get(id); err != nil {
		return taskError(err)
	}
	recorder := s.services.Audit()
	if recorder == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "audit trail is not available")
	}
	entries, err := recorder.ForTask(c.Request().Context(), id)
	if err != nil {
		s.logger.Error(c.Request().Context(), "reading audit trail", zap.String("task_id", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "reading audit trail failed")
	}
	return c.JSON(http.StatusOK, AuditResponse{TaskID: id, Entries: entries, Count: len(entries)})
}

func (s *Server) handleListEscalations(c echo.Context) error {
	pending := s.services.Escalations().Pending()
	return c.JSON(http.StatusOK, EscalationListResponse{Escalations: pending, Count: len(pending)})
}

func (s *Server) handleRespond(c echo.Context) error {
	id := c.Param("id")
	var resp escalation.HumanResponse
	if err := c.Bind(&resp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := resp.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	coord := s.services.Escalations()
	if _, ok := coord.Get(id); !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("escalation %s not found", id))
	}
	delivered := coord.SubmitResponse(c.Request().Context(), id, resp)
	return c.JSON(http.StatusOK, RespondResponse{EscalationID: id, Delivered: delivered})
}

// taskError maps manager errors to HTTP statuses.
func taskError(err error) error {
	switch {
	case errors.Is(err, engine.ErrTaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrInvalidTask):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrTaskFinished), errors.Is(err, engine.ErrTaskNotPaused):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrShuttingDown):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// Handler exposes the router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
