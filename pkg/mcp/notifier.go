package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/server"
)

// Notifier pushes notifications to a connected session.
type Notifier interface {
	Notify(ctx context.Context, sessionID string, payload map[string]any) error
}

// MCPNotifier implements Notifier with MCP log message notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
}

// NewMCPNotifier creates a notifier bound to mcpServer.
func NewMCPNotifier(mcpServer *server.MCPServer) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer}
}

// Notify sends payload to the session. A vanished session yields
// server.ErrSessionNotFound.
func (n *MCPNotifier) Notify(_ context.Context, sessionID string, payload map[string]any) error {
	return n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
}
