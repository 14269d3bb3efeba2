package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	commonpb "go.temporal.io/api/common/v1"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/logging"
	"github.com/rendis/homeos/pkg/schema"
)

type greetInput struct {
	Name string `json:"name"`
}

type greetResult struct {
	Greeting string              `json:"greeting"`
	Answer   string              `json:"answer"`
	Info     engine.WorkflowInfo `json:"info"`
}

func greetWorkflow(ctx engine.Context, in greetInput) (greetResult, error) {
	var g struct {
		Text string `json:"text"`
	}
	if err := ctx.ExecuteActivity("greet", in, &g); err != nil {
		return greetResult{}, err
	}

	var answer string
	ctx.OnSignal("answer", func(raw json.RawMessage) {
		var p struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(raw, &p) == nil {
			answer = p.Text
		}
	})
	ok, err := ctx.Await(time.Hour, func() bool { return answer != "" })
	if err != nil {
		return greetResult{}, err
	}
	if !ok {
		return greetResult{}, schema.NewError(schema.ErrCodeTimeout, "no answer")
	}
	return greetResult{Greeting: g.Text, Answer: answer, Info: ctx.Info()}, nil
}

type recordingExecutor struct {
	mu   sync.Mutex
	reqs []engine.ActivityRequest
	err  error
}

func (e *recordingExecutor) Execute(_ context.Context, req engine.ActivityRequest) (json.RawMessage, error) {
	e.mu.Lock()
	e.reqs = append(e.reqs, req)
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	var in greetInput
	if err := json.Unmarshal(req.Input, &in); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"text": "hello " + in.Name})
}

func newEnv(t *testing.T, exec engine.ActivityExecutor) *testsuite.TestWorkflowEnvironment {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	defs := engine.NewRegistry(engine.NewDefinition("GreetWorkflow", greetWorkflow))
	Register(env, defs, exec, []string{"greet"}, Options{Logger: logging.Discard()})
	return env
}

func startArgs() StartArgs {
	return StartArgs{
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		TaskID:      "task-1",
		Input:       json.RawMessage(`{"name":"ada"}`),
	}
}

func TestWorkflow_RunsActivityAndWaitsForSignal(t *testing.T) {
	exec := &recordingExecutor{}
	env := newEnv(t, exec)
	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow("answer", json.RawMessage(`{"text":"yes"}`))
	}, time.Minute)

	env.ExecuteWorkflow("GreetWorkflow", startArgs())

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var raw json.RawMessage
	require.NoError(t, env.GetWorkflowResult(&raw))
	var out greetResult
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "hello ada", out.Greeting)
	assert.Equal(t, "yes", out.Answer)
	assert.Equal(t, "ws-1", out.Info.WorkspaceID)
	assert.Equal(t, "user-1", out.Info.UserID)
	assert.Equal(t, "task-1", out.Info.TaskID)
	assert.Equal(t, "GreetWorkflow", out.Info.WorkflowType)

	require.Len(t, exec.reqs, 1)
	req := exec.reqs[0]
	assert.Equal(t, "greet", req.Name)
	assert.Equal(t, "ws-1", req.Info.WorkspaceID)
	assert.Equal(t, "task-1", req.Info.TaskID)
	assert.Equal(t, out.Info.WorkflowID, req.Info.WorkflowID)
	assert.Contains(t, req.Key, out.Info.WorkflowID+"/")
	assert.Equal(t, req.Key, req.Info.CommandKey)
	assert.Equal(t, 1, req.Info.Attempt)
}

func TestWorkflow_AwaitTimesOut(t *testing.T) {
	env := newEnv(t, &recordingExecutor{})

	env.ExecuteWorkflow("GreetWorkflow", startArgs())

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, schema.ErrCodeTimeout, appErr.Type())
}

func TestWorkflow_ActivityFailureKeepsCause(t *testing.T) {
	exec := &recordingExecutor{err: schema.NewError(schema.ErrCodeCircuitOpen, "breaker open")}
	env := newEnv(t, exec)

	env.ExecuteWorkflow("GreetWorkflow", startArgs())

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	var appErr *temporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, schema.ErrCodeActivity, appErr.Type())
	assert.Contains(t, appErr.Message(), "breaker open")
	assert.Len(t, exec.reqs, 1, "temporal must not retry on top of the proxy")
}

func TestFromTemporal_RecoversCode(t *testing.T) {
	err := fromTemporal(toTemporal(schema.NewError(schema.ErrCodeHashMismatch, "envelope changed")))
	assert.True(t, schema.HasCode(err, schema.ErrCodeHashMismatch))

	err = fromTemporal(toTemporal(errors.New("plain")))
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestStatusFromTemporal(t *testing.T) {
	cases := map[enumspb.WorkflowExecutionStatus]schema.WorkflowStatus{
		enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:     schema.WorkflowStatusRunning,
		enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:   schema.WorkflowStatusCompleted,
		enumspb.WORKFLOW_EXECUTION_STATUS_FAILED:      schema.WorkflowStatusFailed,
		enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:   schema.WorkflowStatusFailed,
		enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED:    schema.WorkflowStatusCancelled,
		enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:  schema.WorkflowStatusCancelled,
		enumspb.WORKFLOW_EXECUTION_STATUS_UNSPECIFIED: schema.WorkflowStatusPending,
	}
	for in, want := range cases {
		assert.Equal(t, want, statusFromTemporal(in), in.String())
	}
}

func TestMemoString(t *testing.T) {
	payload, err := converter.GetDefaultDataConverter().ToPayload("ws-9")
	require.NoError(t, err)
	memo := &commonpb.Memo{Fields: map[string]*commonpb.Payload{"workspaceId": payload}}

	assert.Equal(t, "ws-9", memoString(memo, "workspaceId"))
	assert.Empty(t, memoString(memo, "taskId"))
	assert.Empty(t, memoString(nil, "workspaceId"))
}
