package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/homeos/internal/streaming"
	"github.com/rendis/homeos/pkg/schema"
)

// notifiedEvents are pushed to the session watching their workspace.
var notifiedEvents = []string{
	schema.EventApprovalRequested,
	schema.EventApprovalResolved,
	schema.EventApprovalExpired,
	schema.EventApprovalGateClosed,
}

// Notifier pushes approval events to connected MCP clients.
type Notifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	logger    *slog.Logger
}

// NewNotifier creates a notifier for the sessions of s.
func NewNotifier(s *Server) *Notifier {
	return &Notifier{mcpServer: s.mcpServer, sessions: s.sessions, logger: s.logger}
}

// Notify sends a notification to the session watching the workspace.
// Best-effort: returns nil if nobody is connected.
func (n *Notifier) Notify(_ context.Context, workspaceID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(workspaceID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Run forwards approval events from hub until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{Types: notifiedEvents})
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := n.Notify(ctx, ev.WorkspaceID, eventPayload(ev)); err != nil {
				n.logger.WarnContext(ctx, "mcp notification failed", "type", ev.Type, "error", err)
			}
		}
	}
}

func eventPayload(ev streaming.StreamEvent) map[string]any {
	out := map[string]any{
		"level":  "info",
		"logger": "homeos",
		"type":   ev.Type,
	}
	data := map[string]any{"workspaceId": ev.WorkspaceID, "workflowId": ev.WorkflowID, "taskId": ev.TaskID}
	if len(ev.Payload) > 0 {
		var payload any
		if json.Unmarshal(ev.Payload, &payload) == nil {
			data["payload"] = payload
		}
	}
	out["data"] = data
	return out
}
