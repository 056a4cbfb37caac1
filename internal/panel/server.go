// Package panel serves the REST API, the live event stream and the
// operational endpoints over echo.
package panel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/service"
	"github.com/rendis/stepflow/internal/streaming"
)

// JobLister reports maintenance job state. Satisfied by *scheduler.Scheduler.
type JobLister interface {
	Jobs() []scheduler.JobStatus
}

// ActionLister reports the registered action types. Satisfied by *actions.Registry.
type ActionLister interface {
	List() []actions.ActionInfo
}

// Deps holds the dependencies for the panel server. Service and Hub are
// required; the rest are mounted only when set.
type Deps struct {
	Service     *service.Service
	Hub         streaming.EventHub
	Metrics     http.Handler
	MCP         http.Handler
	Jobs        JobLister
	Actions     ActionLister
	Logger      *slog.Logger
	ServiceName string
}

// Server is the HTTP front of the engine.
type Server struct {
	deps Deps
	echo *echo.Echo
	http *http.Server
}

// New builds the echo instance and registers every route.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ServiceName == "" {
		deps.ServiceName = "stepflow"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(deps.Logger)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware(deps.ServiceName))
	e.Use(requestLogger(deps.Logger))

	s := &Server{deps: deps, echo: e}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}
	if s.deps.MCP != nil {
		e.Any("/mcp", echo.WrapHandler(s.deps.MCP))
		e.Any("/mcp/*", echo.WrapHandler(s.deps.MCP))
	}

	api := e.Group("/api/v1")

	api.GET("/workflows", s.listWorkflows)
	api.POST("/workflows", s.createWorkflow)
	api.POST("/workflows/validate", s.validateWorkflow)
	api.GET("/workflows/:id", s.getWorkflow)
	api.PATCH("/workflows/:id", s.updateWorkflow)
	api.DELETE("/workflows/:id", s.deleteWorkflow)
	api.POST("/workflows/:id/execute", s.executeWorkflow)
	api.GET("/workflows/:id/executions", s.listWorkflowExecutions)
	api.GET("/workflows/:id/diagram", s.workflowDiagram)

	api.GET("/executions", s.listExecutions)
	api.DELETE("/executions", s.clearOldExecutions)
	api.GET("/executions/:id", s.getExecution)
	api.POST("/executions/:id/cancel", s.cancelExecution)

	api.GET("/templates", s.listTemplates)
	api.POST("/templates", s.createTemplate)
	api.GET("/templates/:id", s.getTemplate)
	api.PATCH("/templates/:id", s.updateTemplate)
	api.DELETE("/templates/:id", s.deleteTemplate)
	api.POST("/templates/:id/instantiate", s.instantiateTemplate)

	api.GET("/stats", s.workflowStats)
	api.GET("/health", s.workflowHealth)
	api.GET("/jobs", s.listJobs)
	api.GET("/actions", s.listActions)

	api.GET("/events", s.streamEvents)
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.deps.Logger.Info("panel listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			logger.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	})
}
