package engine

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/pkg/schema"
)

// TransitionHook is called before or after an instance status transition.
type TransitionHook func(ctx context.Context, workflowID string, from, to schema.WorkflowStatus) error

// RunStore is the persistence a RunFSM needs.
type RunStore interface {
	UpdateWorkflow(ctx context.Context, id string, update store.WorkflowUpdate) error
	AppendHistory(ctx context.Context, ev *store.HistoryEvent) error
}

type runHookKey struct {
	from, to schema.WorkflowStatus
}

// RunFSM validates workflow instance status transitions, records lifecycle
// history events and persists the new status.
type RunFSM struct {
	mu     sync.Mutex
	store  RunStore
	now    func() time.Time
	before map[runHookKey][]TransitionHook
	after  map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM writing through s.
func NewRunFSM(s RunStore, now func() time.Time) *RunFSM {
	if now == nil {
		now = time.Now
	}
	return &RunFSM{
		store:  s,
		now:    now,
		before: make(map[runHookKey][]TransitionHook),
		after:  make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *RunFSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition is persisted.
func (f *RunFSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves an instance from one status to another. update carries the
// output or error of a terminal transition; its Status is set by Transition.
func (f *RunFSM) Transition(ctx context.Context, workflowID string, from, to schema.WorkflowStatus, update store.WorkflowUpdate) error {
	if !IsValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	key := runHookKey{from, to}
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(ctx, workflowID, from, to); err != nil {
			return err
		}
	}

	now := f.now().UTC().Truncate(time.Millisecond)
	if eventType := lifecycleEventType(from, to); eventType != "" {
		ev := &store.HistoryEvent{WorkflowID: workflowID, Type: eventType, Timestamp: now}
		switch to {
		case schema.WorkflowStatusCompleted:
			ev.Payload = update.Output
		case schema.WorkflowStatusFailed:
			ev.Payload = update.Error
		}
		if err := f.store.AppendHistory(ctx, ev); err != nil {
			return schema.NewError(schema.ErrCodeStore, "record lifecycle event").WithCause(err)
		}
	}

	update.Status = &to
	if to.Terminal() {
		update.CompletedAt = &now
	}
	if err := f.store.UpdateWorkflow(ctx, workflowID, update); err != nil {
		return schema.NewError(schema.ErrCodeStore, "persist workflow status").WithCause(err)
	}

	for _, hook := range after {
		if err := hook(ctx, workflowID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// lifecycleEventType names the history event recorded for a transition.
// Parking in and out of waiting records nothing; the await commands do.
func lifecycleEventType(from, to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		if from == schema.WorkflowStatusPending {
			return schema.EventWorkflowStarted
		}
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	}
	return ""
}

// IsValidRunTransition reports whether from -> to is allowed.
func IsValidRunTransition(from, to schema.WorkflowStatus) bool {
	return slices.Contains(ValidRunTransitions[from], to)
}

// ValidRunTransitions defines the allowed workflow instance transitions.
var ValidRunTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending:   {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled, schema.WorkflowStatusFailed},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusWaiting, schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusWaiting:   {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled, schema.WorkflowStatusFailed},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
	schema.WorkflowStatusCancelled: {},
}
