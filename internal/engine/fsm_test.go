package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/pkg/schema"
)

// mockRunStore records appended events and status updates.
type mockRunStore struct {
	mu        sync.Mutex
	events    []*store.HistoryEvent
	updates   []store.WorkflowUpdate
	appendErr error
}

func (m *mockRunStore) AppendHistory(_ context.Context, ev *store.HistoryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *mockRunStore) UpdateWorkflow(_ context.Context, _ string, u store.WorkflowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, u)
	return nil
}

func (m *mockRunStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

func TestRunFSM_Lifecycle(t *testing.T) {
	st := &mockRunStore{}
	fsm := NewRunFSM(st, nil)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "wf-1", schema.WorkflowStatusPending, schema.WorkflowStatusRunning, store.WorkflowUpdate{}))
	require.NoError(t, fsm.Transition(ctx, "wf-1", schema.WorkflowStatusRunning, schema.WorkflowStatusWaiting, store.WorkflowUpdate{}))
	require.NoError(t, fsm.Transition(ctx, "wf-1", schema.WorkflowStatusWaiting, schema.WorkflowStatusRunning, store.WorkflowUpdate{}))
	out := json.RawMessage(`{"success":true}`)
	require.NoError(t, fsm.Transition(ctx, "wf-1", schema.WorkflowStatusRunning, schema.WorkflowStatusCompleted, store.WorkflowUpdate{Output: out}))

	assert.Equal(t, []string{schema.EventWorkflowStarted, schema.EventWorkflowCompleted}, st.eventTypes())
	assert.JSONEq(t, string(out), string(st.events[1].Payload))

	require.Len(t, st.updates, 4)
	last := st.updates[3]
	assert.Equal(t, schema.WorkflowStatusCompleted, *last.Status)
	assert.NotNil(t, last.CompletedAt)
	assert.Nil(t, st.updates[1].CompletedAt)
}

func TestRunFSM_InvalidTransition(t *testing.T) {
	st := &mockRunStore{}
	fsm := NewRunFSM(st, nil)

	err := fsm.Transition(context.Background(), "wf-1", schema.WorkflowStatusPending, schema.WorkflowStatusCompleted, store.WorkflowUpdate{})
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
	assert.Empty(t, st.eventTypes())
	assert.Empty(t, st.updates)

	for _, terminal := range []schema.WorkflowStatus{schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled} {
		assert.False(t, IsValidRunTransition(terminal, schema.WorkflowStatusRunning), terminal)
	}
}

func TestRunFSM_AppendFailureLeavesStatus(t *testing.T) {
	st := &mockRunStore{appendErr: errors.New("disk full")}
	fsm := NewRunFSM(st, nil)

	err := fsm.Transition(context.Background(), "wf-1", schema.WorkflowStatusRunning, schema.WorkflowStatusFailed, store.WorkflowUpdate{})
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err))
	assert.Empty(t, st.updates)
}

func TestRunFSM_Hooks(t *testing.T) {
	st := &mockRunStore{}
	fsm := NewRunFSM(st, nil)
	ctx := context.Background()

	var order []string
	fsm.OnBefore(schema.WorkflowStatusRunning, schema.WorkflowStatusFailed, func(_ context.Context, id string, from, to schema.WorkflowStatus) error {
		order = append(order, "before:"+id)
		return nil
	})
	fsm.OnAfter(schema.WorkflowStatusRunning, schema.WorkflowStatusFailed, func(_ context.Context, id string, from, to schema.WorkflowStatus) error {
		order = append(order, "after:"+string(to))
		return nil
	})
	require.NoError(t, fsm.Transition(ctx, "wf-9", schema.WorkflowStatusRunning, schema.WorkflowStatusFailed, store.WorkflowUpdate{}))
	assert.Equal(t, []string{"before:wf-9", "after:failed"}, order)

	fsm.OnBefore(schema.WorkflowStatusPending, schema.WorkflowStatusRunning, func(context.Context, string, schema.WorkflowStatus, schema.WorkflowStatus) error {
		return errors.New("vetoed")
	})
	err := fsm.Transition(ctx, "wf-10", schema.WorkflowStatusPending, schema.WorkflowStatusRunning, store.WorkflowUpdate{})
	assert.EqualError(t, err, "vetoed")
	assert.Len(t, st.updates, 1)
}
