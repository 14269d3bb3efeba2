package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/logging"
	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/internal/tasks"
	"github.com/rendis/homeos/pkg/schema"
)

type fakeStarter struct {
	got []engine.StartRequest
	err error
}

func (f *fakeStarter) Start(_ context.Context, req engine.StartRequest) (*store.WorkflowInstance, error) {
	f.got = append(f.got, req)
	if f.err != nil {
		return nil, f.err
	}
	return &store.WorkflowInstance{ID: req.ID, Type: req.Type, WorkspaceID: req.WorkspaceID, TaskID: req.TaskID, Status: schema.WorkflowStatusRunning}, nil
}

func newTaskService(t *testing.T) *tasks.Service {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "launcher.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })
	return tasks.NewService(st, nil, tasks.WithLogger(logging.Discard()))
}

func TestLauncher_CreatesRunningTaskAndStartsWorkflow(t *testing.T) {
	starter := &fakeStarter{}
	svc := newTaskService(t)
	l := NewLauncher(svc, starter, logging.Discard())

	launched, err := l.Launch(context.Background(), LaunchRequest{
		Type:        schema.WorkflowHireHelper,
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		Input:       json.RawMessage(`{"taskType":"furniture_assembly","location":"Palo Alto"}`),
	})
	require.NoError(t, err)

	task := launched.Task
	assert.Equal(t, "Hire a helper: furniture_assembly", task.Title)
	assert.Equal(t, schema.CategoryHelpers, task.Category)
	assert.Equal(t, schema.RiskHigh, task.RiskLevel)
	assert.True(t, task.RequiresApproval)
	assert.Equal(t, schema.TaskStatusRunning, task.Status)

	require.Len(t, starter.got, 1)
	req := starter.got[0]
	assert.Equal(t, task.ID, req.TaskID)
	assert.Equal(t, task.LinkedWorkflowID, req.ID)
	assert.Equal(t, string(schema.WorkflowHireHelper), req.Type)
	in := req.Input.(map[string]any)
	assert.Equal(t, "ws-1", in["workspaceId"])
	assert.Equal(t, "user-1", in["userId"])
	assert.Equal(t, "Palo Alto", in["location"])
}

func TestLauncher_FailedStartFailsTask(t *testing.T) {
	starter := &fakeStarter{err: errors.New("worker unavailable")}
	svc := newTaskService(t)
	l := NewLauncher(svc, starter, logging.Discard())

	_, err := l.Launch(context.Background(), LaunchRequest{Type: schema.WorkflowChatTurn, WorkspaceID: "ws-1", Input: json.RawMessage(`{"message":"hi"}`)})
	require.Error(t, err)

	list, err := svc.List(context.Background(), store.TaskFilter{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, schema.TaskStatusFailed, list[0].Status)
	assert.Contains(t, list[0].SummaryForUser, "worker unavailable")
}

func TestLauncher_RejectsBadRequests(t *testing.T) {
	starter := &fakeStarter{}
	l := NewLauncher(newTaskService(t), starter, logging.Discard())
	ctx := context.Background()

	_, err := l.Launch(ctx, LaunchRequest{Type: "Nope", WorkspaceID: "ws-1"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	_, err = l.Launch(ctx, LaunchRequest{Type: schema.WorkflowChatTurn})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	_, err = l.Launch(ctx, LaunchRequest{Type: schema.WorkflowChatTurn, WorkspaceID: "ws-1", Input: json.RawMessage(`[1]`)})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Empty(t, starter.got)
}

func TestDefinitions_CoverEveryWorkflowType(t *testing.T) {
	reg := NewRegistry()
	for wt := range profiles {
		_, ok := reg.Get(string(wt))
		assert.True(t, ok, wt)
	}
	assert.Len(t, Definitions(), len(profiles))
}
