package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// runEventMethod is the notification method used for run progress.
const runEventMethod = "notifications/message"

// ClientNotifier pushes notifications to the clients watching a pipeline.
type ClientNotifier interface {
	Notify(ctx context.Context, pipelineID string, payload map[string]any) error
}

// MCPNotifier implements ClientNotifier over MCP server push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to every session watching pipelineID.
// Best-effort: sessions that went away are forgotten, not reported.
func (n *MCPNotifier) Notify(_ context.Context, pipelineID string, payload map[string]any) error {
	var errs []error
	for _, sid := range n.sessions.SessionsFor(pipelineID) {
		err := n.mcpServer.SendNotificationToSpecificClient(sid, runEventMethod, payload)
		if errors.Is(err, server.ErrSessionNotFound) {
			n.sessions.Remove(sid)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
