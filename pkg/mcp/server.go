// Package mcp exposes the control plane to AI agents over the Model Context
// Protocol.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/crewline/crewline/internal/agents"
	"github.com/crewline/crewline/internal/engine"
	"github.com/crewline/crewline/internal/ledger"
	"github.com/crewline/crewline/internal/pool"
	"github.com/crewline/crewline/internal/scheduler"
	"github.com/crewline/crewline/internal/store"
	"github.com/crewline/crewline/internal/validation"
)

// CrewlineServerDeps holds the dependencies for creating a CrewlineServer.
type CrewlineServerDeps struct {
	Engine    *engine.Engine
	Pool      *pool.Pool
	Ledger    *ledger.Ledger
	Catalog   *agents.Catalog
	Scheduler *scheduler.Scheduler
	Store     store.Store
	Validator *validation.JSONSchemaValidator
	Logger    *slog.Logger
}

// CrewlineServer wraps an MCP server with crewline-specific tool handlers.
type CrewlineServer struct {
	engine    *engine.Engine
	pool      *pool.Pool
	ledger    *ledger.Ledger
	catalog   *agents.Catalog
	scheduler *scheduler.Scheduler
	store     store.Store
	validator *validation.JSONSchemaValidator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewCrewlineServer creates a CrewlineServer with all tools registered.
func NewCrewlineServer(deps CrewlineServerDeps) *CrewlineServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &CrewlineServer{
		engine:    deps.Engine,
		pool:      deps.Pool,
		ledger:    deps.Ledger,
		catalog:   deps.Catalog,
		scheduler: deps.Scheduler,
		store:     deps.Store,
		validator: deps.Validator,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"crewline",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Crewline is a control plane for AI-agent pipelines. Use crewline.define and crewline.publish to register pipeline graphs, crewline.run to execute them, crewline.status, crewline.pause, crewline.resume and crewline.cancel to manage executions, crewline.assign and crewline.release to manage agent assignments, crewline.credits for the workspace credit ledger, crewline.schedule for cron-triggered runs, and crewline.query to list resources."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *CrewlineServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CrewlineServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *CrewlineServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: publishTool(), Handler: s.handlePublish},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: pauseTool(), Handler: s.handlePause},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: agentTool(), Handler: s.handleAgent},
		{Tool: assignTool(), Handler: s.handleAssign},
		{Tool: releaseTool(), Handler: s.handleRelease},
		{Tool: creditsTool(), Handler: s.handleCredits},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}
