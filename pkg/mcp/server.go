// Package mcp exposes the secret store as Model Context Protocol tools over
// stdio. Every call runs as the single principal the server is configured
// with and goes through the same authorization and audit path as HTTP.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/tokaysec/internal/service"
	"github.com/rendis/tokaysec/pkg/schema"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Service   *service.Service
	Principal string
	// Notifier delivers watch events; defaults to MCP notifications.
	Notifier Notifier
	Logger   *slog.Logger
}

// Server wraps an MCP server with tokaysec tool handlers.
type Server struct {
	svc       *service.Service
	principal string
	notifier  Notifier
	watches   *WatchRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		svc:       deps.Service,
		principal: deps.Principal,
		watches:   NewWatchRegistry(),
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"tokaysec",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("tokaysec stores versioned, encrypted secrets grouped by namespace and project. Use tokaysec.put to write a secret, tokaysec.get to read it, tokaysec.list to see what a project holds, tokaysec.delete to tombstone one, tokaysec.rotate to roll the data key, tokaysec.audit to query the audit trail and tokaysec.watch to follow it live."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv

	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = NewMCPNotifier(mcpSrv)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	defer s.watches.StopAll()
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: putTool(), Handler: s.handlePut},
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: deleteTool(), Handler: s.handleDelete},
		{Tool: rotateTool(), Handler: s.handleRotate},
		{Tool: auditTool(), Handler: s.handleAudit},
		{Tool: watchTool(), Handler: s.handleWatch},
	}
}

// --- Tool definitions ---

func putTool() mcp.Tool {
	return mcp.NewTool("tokaysec.put",
		mcp.WithDescription("Store a new version of a secret"),
		mcp.WithString("namespace", mcp.Required(), mcp.Description("Namespace name or id")),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name or id")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Secret name (2-50 characters)")),
		mcp.WithString("value", mcp.Required(), mcp.Description("Secret value")),
		mcp.WithString("encoding", mcp.Enum(encodingUTF8, encodingBase64), mcp.Description("Encoding of value (default: utf8)")),
		mcp.WithString("description", mcp.Description("Human readable description")),
		mcp.WithString("type", mcp.Description("Secret type (default: key-value)")),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("tokaysec.get",
		mcp.WithDescription("Read a secret value"),
		mcp.WithString("namespace", mcp.Required(), mcp.Description("Namespace name or id")),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name or id")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Secret name")),
		mcp.WithString("version", mcp.Description("Version number (default: latest)")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("tokaysec.list",
		mcp.WithDescription("List secret metadata of a project"),
		mcp.WithString("namespace", mcp.Required(), mcp.Description("Namespace name or id")),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name or id")),
	)
}

func deleteTool() mcp.Tool {
	return mcp.NewTool("tokaysec.delete",
		mcp.WithDescription("Tombstone a secret"),
		mcp.WithString("namespace", mcp.Required(), mcp.Description("Namespace name or id")),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project name or id")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Secret name")),
	)
}

func rotateTool() mcp.Tool {
	return mcp.NewTool("tokaysec.rotate",
		mcp.WithDescription("Rotate the data encryption key of a namespace or project"),
		mcp.WithString("namespace", mcp.Required(), mcp.Description("Namespace name or id")),
		mcp.WithString("project", mcp.Description("Project name or id (required with the project key policy)")),
	)
}

func auditTool() mcp.Tool {
	return mcp.NewTool("tokaysec.audit",
		mcp.WithDescription("Query the audit trail"),
		mcp.WithString("principal", mcp.Description("Only entries of this principal")),
		mcp.WithString("operation", mcp.Description("Only entries of this operation")),
		mcp.WithString("outcome", mcp.Enum(schema.OutcomeAllowed, schema.OutcomeDenied, schema.OutcomeError), mcp.Description("Only entries with this outcome")),
		mcp.WithString("jq", mcp.Description("jq program applied to the array of entries")),
		mcp.WithString("limit", mcp.Description("Maximum number of entries (default: 100)")),
	)
}

func watchTool() mcp.Tool {
	return mcp.NewTool("tokaysec.watch",
		mcp.WithDescription("Follow audit events as notifications on this session"),
		mcp.WithString("namespace", mcp.Description("Only events of this namespace")),
		mcp.WithString("types", mcp.Description("Comma-separated event types")),
		mcp.WithString("outcomes", mcp.Description("Comma-separated outcomes")),
		mcp.WithString("stop", mcp.Enum("true", "false"), mcp.Description("Stop the running watch of this session")),
	)
}
