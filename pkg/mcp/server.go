package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/internal/workflows"
	"github.com/rendis/homeos/pkg/schema"
)

// Launcher starts a workflow together with its task.
type Launcher interface {
	Launch(ctx context.Context, req workflows.LaunchRequest) (*workflows.Launched, error)
}

// Workflows reads and signals running instances.
type Workflows interface {
	Status(ctx context.Context, workflowID string) (*store.WorkflowInstance, error)
	Signal(ctx context.Context, workflowID, name string, payload any) error
}

// Approvals resolves pending approval requests.
type Approvals interface {
	Approve(ctx context.Context, envelopeID, responderID string) (*schema.ApprovalResponse, error)
	Deny(ctx context.Context, envelopeID, responderID, reason string) (*schema.ApprovalResponse, error)
	ListPending(ctx context.Context, workspaceID string) ([]*schema.ApprovalRequest, error)
}

// Tasks answers task queries.
type Tasks interface {
	Get(ctx context.Context, id string) (*schema.Task, error)
	List(ctx context.Context, filter store.TaskFilter) ([]*schema.Task, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Launcher  Launcher
	Workflows Workflows
	Approvals Approvals
	Tasks     Tasks
	Logger    *slog.Logger
}

// Server wraps an MCP server with the homeos operator tools.
type Server struct {
	launcher  Launcher
	workflows Workflows
	approvals Approvals
	tasks     Tasks
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all 6 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		launcher:  deps.Launcher,
		workflows: deps.Workflows,
		approvals: deps.Approvals,
		tasks:     deps.Tasks,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"homeos",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("homeos runs household automations that pause for human approval. Use homeos.start to launch a workflow, homeos.status to follow it, homeos.signal to answer its prompts, homeos.approve or homeos.deny to decide pending approvals, and homeos.tasks to list tasks and pending approvals."),
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

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the workspace to session mapping filled by tool calls.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: signalTool(), Handler: s.handleSignal},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: denyTool(), Handler: s.handleDeny},
		{Tool: tasksTool(), Handler: s.handleTasks},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("homeos.start",
		mcp.WithDescription("Start a household workflow and its task"),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum(
				string(schema.WorkflowChatTurn),
				string(schema.WorkflowReservationCall),
				string(schema.WorkflowMarketplaceSell),
				string(schema.WorkflowHireHelper),
				string(schema.WorkflowDynamicIntegration),
			),
			mcp.Description("Workflow type"),
		),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace the task belongs to")),
		mcp.WithString("user_id", mcp.Description("User on whose behalf the workflow runs")),
		mcp.WithObject("input", mcp.Description("Workflow input")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("homeos.status",
		mcp.WithDescription("Get workflow status and result"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func signalTool() mcp.Tool {
	return mcp.NewTool("homeos.signal",
		mcp.WithDescription("Send a signal to a running workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the target workflow")),
		mcp.WithString("name", mcp.Required(),
			mcp.Enum(schema.SignalCandidateSelection, schema.SignalListingApproval, schema.SignalBuyerMessage),
			mcp.Description("Signal name"),
		),
		mcp.WithObject("payload", mcp.Required(), mcp.Description("Signal payload")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("homeos.approve",
		mcp.WithDescription("Approve a pending action"),
		mcp.WithString("envelope_id", mcp.Required(), mcp.Description("Envelope of the pending approval")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User making the decision")),
	)
}

func denyTool() mcp.Tool {
	return mcp.NewTool("homeos.deny",
		mcp.WithDescription("Deny a pending action"),
		mcp.WithString("envelope_id", mcp.Required(), mcp.Description("Envelope of the pending approval")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User making the decision")),
		mcp.WithString("reason", mcp.Description("Why the action was denied")),
	)
}

func tasksTool() mcp.Tool {
	return mcp.NewTool("homeos.tasks",
		mcp.WithDescription("List tasks and pending approvals of a workspace"),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace to list")),
		mcp.WithString("task_id", mcp.Description("Return only this task")),
		mcp.WithString("status", mcp.Description("Filter by task status")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of tasks (default 20)")),
	)
}
