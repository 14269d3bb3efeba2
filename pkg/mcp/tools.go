package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/internal/workflows"
	"github.com/rendis/homeos/pkg/schema"
)

// handleStart launches a workflow and returns its task and instance.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wfType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}
	workspaceID, err := req.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError("workspace_id is required"), nil
	}
	s.captureSession(ctx, workspaceID)

	input, err := json.Marshal(mcp.ParseStringMap(req, "input", map[string]any{}))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid input: %v", err)), nil
	}

	launched, err := s.launcher.Launch(ctx, workflows.LaunchRequest{
		Type:        schema.WorkflowType(wfType),
		WorkspaceID: workspaceID,
		UserID:      req.GetString("user_id", ""),
		Input:       input,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}
	return marshalResult(launched)
}

// handleStatus returns the persisted state of a workflow.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	wf, err := s.workflows.Status(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	s.captureSession(ctx, wf.WorkspaceID)
	return marshalResult(wf)
}

// handleSignal delivers a user answer to a waiting workflow. Approval
// decisions go through homeos.approve and homeos.deny so they carry a token.
func (s *Server) handleSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	switch name {
	case schema.SignalCandidateSelection, schema.SignalListingApproval, schema.SignalBuyerMessage:
	default:
		return mcp.NewToolResultError(fmt.Sprintf("signal %q cannot be sent from here", name)), nil
	}

	payload := mcp.ParseStringMap(req, "payload", nil)
	if payload == nil {
		return mcp.NewToolResultError("payload is required"), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid payload: %v", err)), nil
	}

	if err := s.workflows.Signal(ctx, workflowID, name, json.RawMessage(raw)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("signal failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"signal":      name,
	})
}

// handleApprove mints a token for the user and resolves the envelope.
func (s *Server) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	envelopeID, err := req.RequireString("envelope_id")
	if err != nil {
		return mcp.NewToolResultError("envelope_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	resp, err := s.approvals.Approve(ctx, envelopeID, userID)
	return decisionResult(resp, err)
}

// handleDeny resolves the envelope as denied.
func (s *Server) handleDeny(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	envelopeID, err := req.RequireString("envelope_id")
	if err != nil {
		return mcp.NewToolResultError("envelope_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	resp, err := s.approvals.Deny(ctx, envelopeID, userID, req.GetString("reason", ""))
	return decisionResult(resp, err)
}

// decisionResult reports a recorded decision. A decision that was recorded
// but not yet delivered is still a success; delivery is retried later.
func decisionResult(resp *schema.ApprovalResponse, err error) (*mcp.CallToolResult, error) {
	switch {
	case err == nil:
		return marshalResult(map[string]any{"decision": resp, "delivered": true})
	case resp != nil && schema.HasCode(err, schema.ErrCodeSignalFailed):
		return marshalResult(map[string]any{"decision": resp, "delivered": false})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("decision failed: %v", err)), nil
	}
}

// handleTasks lists the tasks and pending approvals of a workspace.
func (s *Server) handleTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workspaceID, err := req.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError("workspace_id is required"), nil
	}
	s.captureSession(ctx, workspaceID)

	if taskID := req.GetString("task_id", ""); taskID != "" {
		task, err := s.tasks.Get(ctx, taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("task lookup failed: %v", err)), nil
		}
		if task.WorkspaceID != workspaceID {
			return mcp.NewToolResultError(fmt.Sprintf("task %s is not in workspace %s", taskID, workspaceID)), nil
		}
		return marshalResult(task)
	}

	filter := store.TaskFilter{
		WorkspaceID: workspaceID,
		Limit:       extractInt(req.GetArguments(), "limit", 20),
	}
	if st := req.GetString("status", ""); st != "" {
		status := schema.TaskStatus(st)
		filter.Status = &status
	}
	list, err := s.tasks.List(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task query failed: %v", err)), nil
	}
	pending, err := s.approvals.ListPending(ctx, workspaceID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("approval query failed: %v", err)), nil
	}
	if list == nil {
		list = []*schema.Task{}
	}
	if pending == nil {
		pending = []*schema.ApprovalRequest{}
	}
	return marshalResult(map[string]any{
		"tasks":            list,
		"pendingApprovals": pending,
	})
}

// extractInt reads an integer argument given as a JSON number or string.
func extractInt(args map[string]any, key string, defaultVal int) int {
	v, ok := args[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the workspace to the caller's MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, workspaceID string) {
	if workspaceID == "" {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(workspaceID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
