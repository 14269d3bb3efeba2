package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/homeos/pkg/schema"
)

// WorkflowInstance is the persisted header of one workflow run.
type WorkflowInstance struct {
	ID          string                `json:"id"`
	Type        string                `json:"type"`
	WorkspaceID string                `json:"workspaceId"`
	UserID      string                `json:"userId,omitempty"`
	TaskID      string                `json:"taskId,omitempty"`
	Status      schema.WorkflowStatus `json:"status"`
	Input       json.RawMessage       `json:"input,omitempty"`
	Output      json.RawMessage       `json:"output,omitempty"`
	Error       json.RawMessage       `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
}

// WorkflowUpdate holds the optional fields to change on an instance.
type WorkflowUpdate struct {
	Status      *schema.WorkflowStatus
	Output      json.RawMessage
	Error       json.RawMessage
	TaskID      *string
	CompletedAt *time.Time
}

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	Statuses    []schema.WorkflowStatus
	WorkspaceID string
	Type        string
	Limit       int
}

// HistoryEvent is an immutable entry of a workflow's event log.
// CommandID is zero for lifecycle events that are not command results.
type HistoryEvent struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflowId"`
	Sequence   int64           `json:"sequence"`
	CommandID  int64           `json:"commandId,omitempty"`
	Type       string          `json:"type"`
	Name       string          `json:"name,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// InboxSignal is a signal delivered to a workflow but not necessarily consumed yet.
type InboxSignal struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflowId"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Timer is a durable await deadline.
type Timer struct {
	WorkflowID string    `json:"workflowId"`
	CommandID  int64     `json:"commandId"`
	FireAt     time.Time `json:"fireAt"`
}

// TaskUpdate holds the optional fields to change on a task.
type TaskUpdate struct {
	Status           *schema.TaskStatus
	ApprovalState    *schema.ApprovalState
	RiskLevel        *schema.RiskLevel
	RequiresApproval *bool
	SummaryForUser   *string
	Details          map[string]any // merged into existing details
	LinkedWorkflowID *string
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	WorkspaceID string
	Status      *schema.TaskStatus
	Limit       int
}

// TaskEventFilter narrows ListTaskEvents.
type TaskEventFilter struct {
	WorkspaceID string
	TaskID      string
	WorkflowID  string
	Type        string
	Limit       int
}

// ApprovalFilter narrows ListApprovals.
type ApprovalFilter struct {
	WorkspaceID string
	WorkflowID  string
	Status      *schema.ApprovalStatus
	Limit       int
}

// IdempotencyStatus is the outcome state of one keyed side effect.
type IdempotencyStatus string

const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// IdempotencyRecord remembers the outcome of a side effect by key.
type IdempotencyRecord struct {
	Key         string            `json:"key"`
	Scope       string            `json:"scope"`
	Name        string            `json:"name"`
	InputHash   string            `json:"inputHash"`
	Status      IdempotencyStatus `json:"status"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}
