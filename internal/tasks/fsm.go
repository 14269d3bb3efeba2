package tasks

import (
	"slices"

	"github.com/rendis/homeos/pkg/schema"
)

// ValidTransitions defines the allowed task status changes.
var ValidTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusQueued:        {schema.TaskStatusRunning, schema.TaskStatusFailed},
	schema.TaskStatusRunning:       {schema.TaskStatusNeedsApproval, schema.TaskStatusBlocked, schema.TaskStatusDone, schema.TaskStatusFailed},
	schema.TaskStatusNeedsApproval: {schema.TaskStatusRunning, schema.TaskStatusDone, schema.TaskStatusFailed},
	schema.TaskStatusBlocked:       {schema.TaskStatusRunning, schema.TaskStatusFailed},
	schema.TaskStatusDone:          {},
	schema.TaskStatusFailed:        {},
}

// IsValidTransition reports whether from -> to is allowed. Staying in the
// same non-terminal status is allowed and records nothing.
func IsValidTransition(from, to schema.TaskStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	return slices.Contains(ValidTransitions[from], to)
}

// checkTransition returns INVALID_TRANSITION when from -> to is not allowed.
func checkTransition(taskID string, from, to schema.TaskStatus) error {
	if IsValidTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "invalid task transition: %s -> %s", from, to).
		WithDetails(map[string]any{"task_id": taskID, "from": string(from), "to": string(to)})
}
