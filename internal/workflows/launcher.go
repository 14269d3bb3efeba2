package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/internal/tasks"
	"github.com/rendis/homeos/pkg/schema"
)

// Starter starts workflow instances. engine.Runtime and the Temporal client
// adapter both satisfy it.
type Starter interface {
	Start(ctx context.Context, req engine.StartRequest) (*store.WorkflowInstance, error)
}

// LaunchRequest starts a workflow on behalf of a user.
type LaunchRequest struct {
	Type        schema.WorkflowType `json:"type"`
	WorkspaceID string              `json:"workspaceId"`
	UserID      string              `json:"userId"`
	Input       json.RawMessage     `json:"input"`
}

// Launched is the task and instance a launch produced.
type Launched struct {
	Task     *schema.Task           `json:"task"`
	Workflow *store.WorkflowInstance `json:"workflow"`
}

type profile struct {
	title    string
	field    string
	category schema.TaskCategory
	risk     schema.RiskLevel
}

var profiles = map[schema.WorkflowType]profile{
	schema.WorkflowChatTurn:           {title: "Chat", field: "message", category: schema.CategoryChat, risk: schema.RiskLow},
	schema.WorkflowReservationCall:    {title: "Reserve a table", field: "restaurantType", category: schema.CategoryTelephony, risk: schema.RiskHigh},
	schema.WorkflowMarketplaceSell:    {title: "Sell an item", field: "userDescription", category: schema.CategoryMarketplace, risk: schema.RiskHigh},
	schema.WorkflowHireHelper:         {title: "Hire a helper", field: "taskType", category: schema.CategoryHelpers, risk: schema.RiskHigh},
	schema.WorkflowDynamicIntegration: {title: "Add an integration", field: "capabilityRequest", category: schema.CategoryIntegration, risk: schema.RiskMedium},
}

// Launcher pairs every workflow instance with a Task.
type Launcher struct {
	tasks   *tasks.Service
	starter Starter
	logger  *slog.Logger
}

// NewLauncher wires a Launcher.
func NewLauncher(t *tasks.Service, s Starter, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{tasks: t, starter: s, logger: logger}
}

// Launch creates the task, marks it running and starts the workflow with the
// task id. A failed start fails the task.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) (*Launched, error) {
	p, ok := profiles[req.Type]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown workflow type %q", req.Type)
	}
	if req.WorkspaceID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workspaceId is required")
	}

	input, err := withIdentity(req)
	if err != nil {
		return nil, err
	}
	workflowID := uuid.NewString()
	task, err := l.tasks.Create(ctx, tasks.CreateInput{
		WorkspaceID:      req.WorkspaceID,
		Title:            taskTitle(p, input),
		Category:         p.category,
		RiskLevel:        p.risk,
		RequiresApproval: p.risk != schema.RiskLow,
		LinkedWorkflowID: workflowID,
		Details:          map[string]any{"workflowType": req.Type},
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	// Running first so the workflow's own updates start from a valid state.
	if task, err = l.tasks.SetStatus(ctx, task.ID, schema.TaskStatusRunning, ""); err != nil {
		return nil, fmt.Errorf("start task: %w", err)
	}

	wf, err := l.starter.Start(ctx, engine.StartRequest{
		ID:          workflowID,
		Type:        string(req.Type),
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		TaskID:      task.ID,
		Input:       input,
	})
	if err != nil {
		if _, ferr := l.tasks.SetStatus(ctx, task.ID, schema.TaskStatusFailed, "Could not start: "+err.Error()); ferr != nil {
			l.logger.WarnContext(ctx, "task not failed after start error", "task_id", task.ID, "error", ferr)
		}
		return nil, err
	}
	l.logger.InfoContext(ctx, "workflow launched", "workflow_id", wf.ID, "workflow_type", req.Type, "task_id", task.ID)
	return &Launched{Task: task, Workflow: wf}, nil
}

// withIdentity fills workspaceId and userId into an object input.
func withIdentity(req LaunchRequest) (map[string]any, error) {
	input := map[string]any{}
	if len(req.Input) > 0 && string(req.Input) != "null" {
		if err := json.Unmarshal(req.Input, &input); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "input must be a JSON object").WithCause(err)
		}
	}
	input["workspaceId"] = req.WorkspaceID
	if req.UserID != "" {
		input["userId"] = req.UserID
	}
	return input, nil
}

func taskTitle(p profile, input map[string]any) string {
	s, _ := input[p.field].(string)
	if s == "" {
		return p.title
	}
	const max = 60
	if r := []rune(s); len(r) > max {
		s = string(r[:max]) + "…"
	}
	return p.title + ": " + s
}
