package schema

import (
	"encoding/json"
	"time"
)

// TaskStatus is the user-facing lifecycle state of a Task.
type TaskStatus string

const (
	TaskStatusQueued        TaskStatus = "queued"
	TaskStatusRunning       TaskStatus = "running"
	TaskStatusNeedsApproval TaskStatus = "needs_approval"
	TaskStatusBlocked       TaskStatus = "blocked"
	TaskStatusDone          TaskStatus = "done"
	TaskStatusFailed        TaskStatus = "failed"
)

// Terminal reports whether the task can no longer change status.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusFailed
}

// ApprovalState tracks the most recent approval gate of a Task.
type ApprovalState string

const (
	ApprovalStateNone     ApprovalState = "none"
	ApprovalStatePending  ApprovalState = "pending"
	ApprovalStateApproved ApprovalState = "approved"
	ApprovalStateDenied   ApprovalState = "denied"
	ApprovalStateExpired  ApprovalState = "expired"
)

// TaskCategory groups tasks for presentation.
type TaskCategory string

const (
	CategoryChat        TaskCategory = "chat"
	CategoryPlanning    TaskCategory = "planning"
	CategoryTelephony   TaskCategory = "telephony"
	CategoryMarketplace TaskCategory = "marketplace"
	CategoryHelpers     TaskCategory = "helpers"
	CategoryCalendar    TaskCategory = "calendar"
	CategoryGroceries   TaskCategory = "groceries"
	CategoryIntegration TaskCategory = "integration"
	CategoryOther       TaskCategory = "other"
)

// Task is the user-visible record of one automation.
type Task struct {
	ID               string         `json:"id"`
	WorkspaceID      string         `json:"workspaceId"`
	Title            string         `json:"title"`
	Category         TaskCategory   `json:"category"`
	Status           TaskStatus     `json:"status"`
	RiskLevel        RiskLevel      `json:"riskLevel"`
	RequiresApproval bool           `json:"requiresApproval"`
	ApprovalState    ApprovalState  `json:"approvalState"`
	SummaryForUser   string         `json:"summaryForUser,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
	AuditTrail       []TaskEvent    `json:"auditTrail,omitempty"`
	LinkedWorkflowID string         `json:"linkedWorkflowId,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// TaskEvent is one append-only entry of a task's audit trail.
type TaskEvent struct {
	EventID    string          `json:"eventId"`
	TaskID     string          `json:"taskId,omitempty"`
	WorkflowID string          `json:"workflowId,omitempty"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}
