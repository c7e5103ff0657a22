// Package api exposes workflows, runs, schedules, webhooks, usage and
// credentials over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

// HeaderUserID carries the caller's user id. Authentication happens in
// front of this service.
const HeaderUserID = "X-User-ID"

// Runner is the engine surface the API drives. *engine.Engine satisfies it.
type Runner interface {
	Start(ctx context.Context, def schema.WorkflowDefinition, req engine.StartRequest) (*engine.RunResult, error)
	Submit(ctx context.Context, def schema.WorkflowDefinition, req engine.StartRequest) (string, error)
	Resume(ctx context.Context, runID string, sig schema.Signal) (*engine.RunResult, error)
	ResumeByKey(ctx context.Context, key string, payload map[string]any) (*engine.RunResult, error)
	Cancel(ctx context.Context, runID, reason string) error
	Status(ctx context.Context, runID string) (*engine.RunReport, error)
	Metrics() map[string]any
}

// Validator checks definitions and trigger payloads.
// *validation.WorkflowValidator satisfies it.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
	ValidatePayload(def *schema.WorkflowDefinition, payload map[string]any) error
}

// Scheduler persists cron schedules. *scheduler.Scheduler satisfies it.
type Scheduler interface {
	Create(ctx context.Context, sch *store.Schedule) error
}

// Credentials manages per-user OAuth connections.
// *credentials.Service satisfies it.
type Credentials interface {
	Providers() []string
	Connected(ctx context.Context, userID string) ([]string, error)
	AuthCodeURL(provider, state string) (string, error)
	Exchange(ctx context.Context, userID, provider, code string) error
	Delete(ctx context.Context, userID, provider string) error
}

// WebhookDeliverer sends one event to one subscription.
// *webhooks.Dispatcher satisfies it.
type WebhookDeliverer interface {
	Deliver(ctx context.Context, sub *store.Subscription, ev streaming.RunEvent) store.DeliveryResult
}

// Deps holds the collaborators of the HTTP server. Scheduler, Credentials,
// Hub and Webhooks are optional; their routes are left out when nil.
type Deps struct {
	Store       store.Store
	Runner      Runner
	Validator   Validator
	Scheduler   Scheduler
	Credentials Credentials
	Hub         streaming.Hub
	Webhooks    WebhookDeliverer
	Logger      *slog.Logger
	Version     string
}

// Server serves the REST API.
type Server struct {
	deps   Deps
	logger *slog.Logger
	states *stateStore
	now    func() time.Time
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Server{
		deps:   deps,
		logger: deps.Logger.With("component", "api"),
		states: newStateStore(10 * time.Minute),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Echo builds the echo instance with every route mounted.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = jsonSerializer{}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(otelecho.Middleware("chainflow"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
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
			s.logger.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	}))

	e.GET("/health", s.handleHealth)

	v1 := e.Group("/api/v1")
	v1.POST("/validate", s.handleValidate)

	v1.GET("/workflows", s.handleListWorkflows)
	v1.POST("/workflows", s.handleCreateWorkflow)
	v1.GET("/workflows/:id", s.handleGetWorkflow)
	v1.GET("/workflows/:id/diagram", s.handleWorkflowDiagram)
	v1.PUT("/workflows/:id", s.handleUpdateWorkflow)
	v1.DELETE("/workflows/:id", s.handleDeleteWorkflow)
	v1.POST("/workflows/:id/execute", s.handleExecute)
	v1.POST("/hooks/:id", s.handleWebhook)

	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/diagram", s.handleRunDiagram)
	v1.POST("/runs/:id/resume", s.handleResume)
	v1.POST("/runs/:id/cancel", s.handleCancel)
	v1.POST("/events/:key", s.handleEvent)
	if s.deps.Hub != nil {
		v1.GET("/runs/:id/events", s.handleRunEvents)
	}

	v1.GET("/webhooks", s.handleListWebhooks)
	v1.POST("/webhooks", s.handleCreateWebhook)
	v1.GET("/webhooks/:id", s.handleGetWebhook)
	v1.PUT("/webhooks/:id", s.handleUpdateWebhook)
	v1.DELETE("/webhooks/:id", s.handleDeleteWebhook)
	if s.deps.Webhooks != nil {
		v1.POST("/webhooks/:id/test", s.handleTestWebhook)
	}

	v1.GET("/analytics/usage", s.handleUsage)

	if s.deps.Scheduler != nil {
		v1.GET("/schedules", s.handleListSchedules)
		v1.POST("/schedules", s.handleCreateSchedule)
		v1.PATCH("/schedules/:id", s.handleUpdateSchedule)
		v1.DELETE("/schedules/:id", s.handleDeleteSchedule)
	}

	if s.deps.Credentials != nil {
		v1.GET("/credentials", s.handleListCredentials)
		v1.GET("/credentials/:provider/authorize", s.handleAuthorize)
		v1.GET("/credentials/:provider/callback", s.handleCallback)
		v1.DELETE("/credentials/:provider", s.handleDeleteCredential)
	}
	return e
}

// Handler returns the API as an http.Handler.
func (s *Server) Handler() http.Handler { return s.Echo() }

func (s *Server) handleHealth(c echo.Context) error {
	body := map[string]any{
		"status":    "ok",
		"service":   "chainflow",
		"version":   s.deps.Version,
		"timestamp": s.now(),
	}
	if s.deps.Runner != nil {
		body["engine"] = s.deps.Runner.Metrics()
	}
	return c.JSON(http.StatusOK, body)
}

func userID(c echo.Context) string {
	return c.Request().Header.Get(HeaderUserID)
}
