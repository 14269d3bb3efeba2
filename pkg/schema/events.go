package schema

// History event types recorded in a workflow instance's event log.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"

	EventActivityCompleted = "activity_completed"
	EventActivityFailed    = "activity_failed"
	EventSideEffect        = "side_effect"
	EventTimerStarted      = "timer_started"
	EventAwaitResolved     = "await_resolved"
	EventSignalReceived    = "signal_received"
)

// Audit event types appended to a task's trail.
const (
	TaskEventStatusChanged = "task.status_changed"
	TaskEventCreated       = "task.created"

	EventApprovalRequested = "approval.requested"
	EventApprovalResolved  = "approval.resolved"
	EventApprovalExpired   = "approval.expired"

	// EventApprovalGateClosed is the workflow's own verdict on a gate, after
	// token verification. It can differ from approval.resolved.
	EventApprovalGateClosed = "approval.gate_closed"
)

// WorkflowStatus represents the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusWaiting   WorkflowStatus = "waiting"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether no further progress is possible.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}
