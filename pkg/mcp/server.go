package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stewardai/steward/internal/engine"
	"github.com/stewardai/steward/internal/memory"
	"github.com/stewardai/steward/internal/store"
	"github.com/stewardai/steward/pkg/schema"
)

// Orchestrator is the slice of the engine the MCP tools need.
// Satisfied by *engine.Engine.
type Orchestrator interface {
	Run(ctx context.Context, query, sessionID string, deepSearch bool) (*engine.Result, error)
	ResolveIntervention(sessionID string, action schema.InterventionAction) error
	Awaiting(sessionID string) (*schema.AgentError, bool)
	Cancel(sessionID string) int
	Snapshot(sessionID string) *memory.Snapshot
}

// StewardServerDeps holds the dependencies for creating a StewardServer.
type StewardServerDeps struct {
	Engine Orchestrator
	Store  store.Store
	Logger *slog.Logger
}

// StewardServer wraps an MCP server with the workflow tool handlers.
type StewardServer struct {
	engine    Orchestrator
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewStewardServer creates a StewardServer with all tools registered.
func NewStewardServer(deps StewardServerDeps) *StewardServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StewardServer{
		engine: deps.Engine,
		store:  deps.Store,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"steward",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Steward orchestrates multi-step agentic workflows. Use steward.run to answer a query (deep_search=true plans and executes steps, false replies directly), steward.status to inspect a session, steward.resolve to answer a pending retry/skip/abort intervention, steward.cancel to stop a session, and steward.history to read a session's transcript."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *StewardServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StewardServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *StewardServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resolveTool(), Handler: s.handleResolve},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: historyTool(), Handler: s.handleHistory},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("steward.run",
		mcp.WithDescription("Run a workflow for a query and return the final answer"),
		mcp.WithString("query", mcp.Required(), mcp.Description("The user query to answer")),
		mcp.WithString("session_id", mcp.Description("Session to run under (default: a fresh session)")),
		mcp.WithBoolean("deep_search", mcp.Description("Plan and execute steps (default true); false replies in a single turn")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("steward.status",
		mcp.WithDescription("Inspect a session: pending intervention and working-memory summary"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session to inspect")),
	)
}

func resolveTool() mcp.Tool {
	return mcp.NewTool("steward.resolve",
		mcp.WithDescription("Resolve a pending intervention on a failed step"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the awaiting session")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("retry", "skip", "abort"),
			mcp.Description("The decision: retry the step, skip it, or abort the workflow"),
		),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("steward.cancel",
		mcp.WithDescription("Cooperatively cancel a running session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session to cancel")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("steward.history",
		mcp.WithDescription("Read a session's persisted transcript"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the session")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of messages (default 50)")),
	)
}
