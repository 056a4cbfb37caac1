// Package mcp exposes the engine's operations as Model Context Protocol tools.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/service"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Service *service.Service
	Logger  *slog.Logger
	Version string
}

// Server wraps an MCP server with stepflow tool handlers.
type Server struct {
	svc       *service.Service
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
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
		svc:      deps.Service,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"stepflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Stepflow runs declarative workflows. Create or instantiate a workflow, set its status to active, then call stepflow.execute. Use stepflow.execution.get to inspect a run and stepflow.diagram to visualise a workflow with its latest execution."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEHandler serves the SSE transport under basePath (basePath+"/sse" and
// basePath+"/message").
func (s *Server) SSEHandler(basePath string) http.Handler {
	return server.NewSSEServer(s.mcpServer, server.WithStaticBasePath(basePath))
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the actor to session mapping used for notifications.
func (s *Server) Sessions() *SessionRegistry { return s.sessions }

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: workflowCreateTool(), Handler: s.handleWorkflowCreate},
		{Tool: workflowGetTool(), Handler: s.handleWorkflowGet},
		{Tool: workflowListTool(), Handler: s.handleWorkflowList},
		{Tool: workflowUpdateTool(), Handler: s.handleWorkflowUpdate},
		{Tool: workflowDeleteTool(), Handler: s.handleWorkflowDelete},
		{Tool: workflowValidateTool(), Handler: s.handleWorkflowValidate},
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: executionGetTool(), Handler: s.handleExecutionGet},
		{Tool: executionListTool(), Handler: s.handleExecutionList},
		{Tool: executionCancelTool(), Handler: s.handleExecutionCancel},
		{Tool: templateListTool(), Handler: s.handleTemplateList},
		{Tool: templateCreateTool(), Handler: s.handleTemplateCreate},
		{Tool: templateInstantiateTool(), Handler: s.handleTemplateInstantiate},
		{Tool: statsTool(), Handler: s.handleStats},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func workflowCreateTool() mcp.Tool {
	return mcp.NewTool("stepflow.workflow.create",
		mcp.WithDescription("Create a workflow from a definition and return its id"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow object: name, description, status, steps, triggers, variables")),
	)
}

func workflowGetTool() mcp.Tool {
	return mcp.NewTool("stepflow.workflow.get",
		mcp.WithDescription("Get a workflow by id"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow id")),
	)
}

func workflowListTool() mcp.Tool {
	return mcp.NewTool("stepflow.workflow.list",
		mcp.WithDescription("List workflows, optionally by status"),
		mcp.WithString("status", mcp.Enum("draft", "active", "inactive", "archived"), mcp.Description("Only workflows with this status")),
	)
}

func workflowUpdateTool() mcp.Tool {
	return mcp.NewTool("stepflow.workflow.update",
		mcp.WithDescription("Apply a partial update to a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow id")),
		mcp.WithObject("patch", mcp.Required(), mcp.Description("Fields to replace: name, description, status, steps, triggers, variables")),
	)
}

func workflowDeleteTool() mcp.Tool {
	return mcp.NewTool("stepflow.workflow.delete",
		mcp.WithDescription("Delete a workflow. Its executions are kept"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow id")),
	)
}

func workflowValidateTool() mcp.Tool {
	return mcp.NewTool("stepflow.workflow.validate",
		mcp.WithDescription("Validate a workflow definition without storing it"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow object to check")),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool("stepflow.execute",
		mcp.WithDescription("Execute an active workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow id")),
		mcp.WithObject("input", mcp.Description("Input data available to steps as data.*")),
		mcp.WithString("actor", mcp.Description("Who triggered the run; receives a notification when it finishes")),
		mcp.WithBoolean("async", mcp.Description("Return immediately with the running execution")),
	)
}

func executionGetTool() mcp.Tool {
	return mcp.NewTool("stepflow.execution.get",
		mcp.WithDescription("Get an execution by id"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution id")),
	)
}

func executionListTool() mcp.Tool {
	return mcp.NewTool("stepflow.execution.list",
		mcp.WithDescription("List executions, most recent first"),
		mcp.WithString("workflow_id", mcp.Description("Only executions of this workflow")),
		mcp.WithString("status", mcp.Enum("running", "completed", "failed", "cancelled"), mcp.Description("Only executions with this status")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of executions (default 20)")),
	)
}

func executionCancelTool() mcp.Tool {
	return mcp.NewTool("stepflow.execution.cancel",
		mcp.WithDescription("Cancel a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution id")),
	)
}

func templateListTool() mcp.Tool {
	return mcp.NewTool("stepflow.template.list",
		mcp.WithDescription("List workflow templates"),
		mcp.WithString("category", mcp.Description("Only templates in this category")),
	)
}

func templateCreateTool() mcp.Tool {
	return mcp.NewTool("stepflow.template.create",
		mcp.WithDescription("Create a reusable workflow template"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Template object: name, description, category, steps, variables")),
	)
}

func templateInstantiateTool() mcp.Tool {
	return mcp.NewTool("stepflow.template.instantiate",
		mcp.WithDescription("Create a draft workflow from a template"),
		mcp.WithString("template_id", mcp.Required(), mcp.Description("Template id")),
		mcp.WithString("name", mcp.Description("Workflow name (default: template name)")),
		mcp.WithString("owner", mcp.Description("Owner recorded as created_by")),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("stepflow.stats",
		mcp.WithDescription("Aggregate workflow and execution statistics with a health verdict"),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("stepflow.diagram",
		mcp.WithDescription("Render a workflow as a Mermaid flowchart or ASCII art, optionally overlaid with an execution"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow id")),
		mcp.WithString("execution_id", mcp.Description("Execution to overlay; \"latest\" uses the most recent one")),
		mcp.WithString("format", mcp.Enum("mermaid", "ascii"), mcp.Description("Output format (default mermaid)")),
	)
}
