package engine

import (
	"encoding/json"
	"log/slog"
	"time"
)

// WorkflowInfo identifies the instance a workflow body runs as.
type WorkflowInfo struct {
	WorkflowID   string `json:"workflowId"`
	WorkflowType string `json:"workflowType"`
	WorkspaceID  string `json:"workspaceId"`
	UserID       string `json:"userId,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
}

// SignalHandler mutates workflow-local state from a signal payload. It must
// not touch external systems.
type SignalHandler func(payload json.RawMessage)

// ActivityCall is one entry of a parallel fan-out. Output receives the decoded
// result when the call succeeds.
type ActivityCall struct {
	Name   string
	Input  any
	Output any
}

// Context is everything a workflow body may use. Every method is
// replay-safe: results come from the recorded history when one exists.
type Context interface {
	Info() WorkflowInfo
	// Logger drops records while the body is replaying recorded commands.
	Logger() *slog.Logger
	// Now is the workflow's logical time, stable under replay.
	Now() time.Time

	ExecuteActivity(name string, input, output any) error
	// ExecuteActivities runs calls in parallel and returns one error slot per call.
	ExecuteActivities(calls []ActivityCall) []error

	// OnSignal registers the handler for a named signal. Handlers run only
	// inside Await, in delivery order.
	OnSignal(name string, handler SignalHandler)
	// Await blocks until cond holds (true) or timeout elapses (false).
	// A timeout <= 0 waits without a deadline.
	Await(timeout time.Duration, cond func() bool) (bool, error)
	Sleep(d time.Duration) error
	// SideEffect records fn's result once and returns the recorded value on replay.
	SideEffect(fn func() any, output any) error
}
