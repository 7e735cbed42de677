package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/crewflow/internal/catalog"
	"github.com/rendis/crewflow/internal/engine"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine  *engine.Engine
	Catalog *catalog.Catalog
	Logger  *slog.Logger
	Version string
}

// Server wraps an MCP server with crewflow tool handlers.
type Server struct {
	engine    *engine.Engine
	catalog   *catalog.Catalog
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  *CompletionNotifier
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
		engine:   deps.Engine,
		catalog:  deps.Catalog,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"crewflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Crewflow runs multi-agent workflows built from a catalog of workflow types. "+
			"Use crewflow.list_types to discover types, crewflow.execute to start one, crewflow.status and "+
			"crewflow.events to follow progress, and crewflow.stop to cancel."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewCompletionNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
// Completion notifications are pushed to the session that started each workflow.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.engine != nil {
		go func() {
			if err := s.notifier.Watch(ctx, s.engine.Bus()); err != nil {
				s.logger.Warn("completion notifier stopped", "error", err)
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: stopTool(), Handler: s.handleStop},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: listTypesTool(), Handler: s.handleListTypes},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("crewflow.execute",
		mcp.WithDescription("Start a workflow of a catalog type"),
		mcp.WithString("workflow_type", mcp.Required(), mcp.Description("Workflow type from crewflow.list_types")),
		mcp.WithString("description", mcp.Required(), mcp.Description("What the crew should build or review")),
		mcp.WithString("language", mcp.Description("Target programming language")),
		mcp.WithBoolean("wait", mcp.Description("Block until the workflow finishes and return its final snapshot")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("crewflow.status",
		mcp.WithDescription("Get the current snapshot of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func stopTool() mcp.Tool {
	return mcp.NewTool("crewflow.stop",
		mcp.WithDescription("Cancel a running workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to cancel")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("crewflow.events",
		mcp.WithDescription("List the events of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithNumber("since", mcp.Description("Only events with a greater sequence number")),
	)
}

func listTypesTool() mcp.Tool {
	return mcp.NewTool("crewflow.list_types",
		mcp.WithDescription("List the workflow types of the catalog"),
	)
}
