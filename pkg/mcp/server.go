// Package mcp exposes the run engine as Model Context Protocol tools, so
// agents can define workflows, start runs and answer waits.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/chainflow/internal/engine"
	"github.com/rendis/chainflow/internal/store"
	"github.com/rendis/chainflow/internal/streaming"
	"github.com/rendis/chainflow/pkg/schema"
)

// Runner is the engine surface the tools drive. *engine.Engine satisfies it.
type Runner interface {
	Start(ctx context.Context, def schema.WorkflowDefinition, req engine.StartRequest) (*engine.RunResult, error)
	Submit(ctx context.Context, def schema.WorkflowDefinition, req engine.StartRequest) (string, error)
	Resume(ctx context.Context, runID string, sig schema.Signal) (*engine.RunResult, error)
	ResumeByKey(ctx context.Context, key string, payload map[string]any) (*engine.RunResult, error)
	Cancel(ctx context.Context, runID, reason string) error
	Status(ctx context.Context, runID string) (*engine.RunReport, error)
}

// Validator checks definitions and trigger payloads.
type Validator interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationResult
	ValidatePayload(def *schema.WorkflowDefinition, payload map[string]any) error
}

// ServerDeps holds the dependencies for creating a Server. Hub is optional;
// without it no run notifications are pushed.
type ServerDeps struct {
	Runner    Runner
	Validator Validator
	Store     store.Store
	Hub       streaming.Hub
	Logger    *slog.Logger
	Version   string
}

// Server wraps an MCP server with chainflow tool handlers.
type Server struct {
	runner    Runner
	validator Validator
	store     store.Store
	hub       streaming.Hub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *RunNotifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		runner:    deps.Runner,
		validator: deps.Validator,
		store:     deps.Store,
		hub:       deps.Hub,
		logger:    logger.With("component", "mcp"),
		sessions:  NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"chainflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Chainflow runs node graphs of triggers, provider calls and control flow. "+
			"Use chainflow.define to validate and save a workflow, chainflow.run to start it, chainflow.status to read a run's history, "+
			"chainflow.resume to answer a waiting node, chainflow.cancel to stop a run, chainflow.query to list workflows, runs or waits, and chainflow.diagram to draw a workflow or run."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewRunNotifier(mcpSrv, s.sessions, s.logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Run events are forwarded to the session while it lasts.
func (s *Server) Serve(ctx context.Context) error {
	stop := s.forward(ctx)
	defer stop()
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns the SSE transport rooted at basePath, for mounting
// next to the REST API. Forwarding of run events stops when ctx ends.
func (s *Server) HTTPHandler(ctx context.Context, basePath string) http.Handler {
	s.forward(ctx)
	return server.NewSSEServer(s.mcpServer, server.WithStaticBasePath(basePath))
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) forward(ctx context.Context) func() {
	if s.hub == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	events, unsubscribe, err := s.hub.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		s.logger.WarnContext(ctx, "run events unavailable", "error", err)
		cancel()
		return func() {}
	}
	go func() {
		defer unsubscribe()
		s.notifier.Forward(ctx, events)
	}()
	return cancel
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("chainflow.define",
		mcp.WithDescription("Validate and save a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition with nodes and edges")),
		mcp.WithString("user_id", mcp.Description("Owner of the workflow")),
		mcp.WithBoolean("dry_run", mcp.Description("Only validate, do not save")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("chainflow.run",
		mcp.WithDescription("Start a run of a saved or inline workflow"),
		mcp.WithString("workflow_id", mcp.Description("ID of a saved workflow")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition, used when workflow_id is empty")),
		mcp.WithObject("payload", mcp.Description("Trigger payload")),
		mcp.WithString("user_id", mcp.Description("User the run acts for")),
		mcp.WithBoolean("wait", mcp.Description("Drive the run until it finishes or suspends (default true)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("chainflow.status",
		mcp.WithDescription("Get a run with its node records and waits"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("chainflow.resume",
		mcp.WithDescription("Resume a waiting run by run ID or by resume key"),
		mcp.WithString("run_id", mcp.Description("ID of the waiting run")),
		mcp.WithString("resume_key", mcp.Description("Resume key of a wait_for_event node, used when run_id is empty")),
		mcp.WithString("signal_type", mcp.Enum("event", "decision"), mcp.Description("Signal type when resuming by run_id (default event)")),
		mcp.WithString("node_id", mcp.Description("Waiting node to resume")),
		mcp.WithString("decision", mcp.Enum("approve", "reject", "edit"), mcp.Description("Approval decision")),
		mcp.WithObject("payload", mcp.Description("Event payload")),
		mcp.WithObject("edits", mcp.Description("Fields merged into the approved data on an edit decision")),
		mcp.WithString("comment", mcp.Description("Reviewer comment")),
		mcp.WithString("actor", mcp.Description("Who resumes the run")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("chainflow.cancel",
		mcp.WithDescription("Cancel a pending, running or waiting run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("reason", mcp.Description("Cancellation reason")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("chainflow.query",
		mcp.WithDescription("List workflows, runs or pending waits"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "runs", "waits"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (user_id, workflow_id, run_id, status, limit)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("chainflow.diagram",
		mcp.WithDescription("Draw a workflow graph. With run_id, nodes carry their latest run status"),
		mcp.WithString("run_id", mcp.Description("ID of a run to draw with status overlay")),
		mcp.WithString("workflow_id", mcp.Description("ID of a saved workflow")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "ascii", "svg", "png"),
			mcp.Description("Output format (default mermaid); png is returned as image content"),
		),
	)
}
