// Package temporal runs homeos workflow bodies on a Temporal cluster: the
// bodies see the same engine.Context they see on the built-in runtime, and
// activities dispatch into the same activity proxy.
package temporal

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/rendis/homeos/internal/engine"
)

// DefaultTaskQueue is the task queue homeos workers poll.
const DefaultTaskQueue = "homeos"

// StartArgs is the Temporal input of every homeos workflow.
type StartArgs struct {
	WorkspaceID string          `json:"workspaceId"`
	UserID      string          `json:"userId,omitempty"`
	TaskID      string          `json:"taskId,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// ActivityArgs is the Temporal input of every homeos activity.
type ActivityArgs struct {
	WorkspaceID string          `json:"workspaceId"`
	TaskID      string          `json:"taskId,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
}

// Registrar is the registration surface shared by worker.Worker and the SDK
// test environment.
type Registrar interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Options tunes how workflow bodies schedule activities.
type Options struct {
	// StartToClose bounds one activity execution, retries included.
	StartToClose time.Duration
	Logger       *slog.Logger
}

func (o Options) activityOptions() workflow.ActivityOptions {
	timeout := o.StartToClose
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	// The activity proxy owns retries, backoff and the circuit breaker, so
	// Temporal makes exactly one attempt.
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	}
}

// Register binds every definition of defs and every named activity of exec.
func Register(r Registrar, defs *engine.Registry, exec engine.ActivityExecutor, activityNames []string, opts Options) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ao := opts.activityOptions()

	for _, name := range defs.Names() {
		def, _ := defs.Get(name)
		r.RegisterWorkflowWithOptions(workflowFunc(def, logger, ao), workflow.RegisterOptions{Name: name})
	}
	for _, name := range activityNames {
		r.RegisterActivityWithOptions(activityFunc(name, exec), activity.RegisterOptions{Name: name})
	}
}

func workflowFunc(def engine.Definition, logger *slog.Logger, ao workflow.ActivityOptions) func(workflow.Context, StartArgs) (json.RawMessage, error) {
	return func(ctx workflow.Context, args StartArgs) (json.RawMessage, error) {
		out, err := def.Run(newContext(ctx, args, logger, ao), args.Input)
		if err != nil {
			return nil, toTemporal(err)
		}
		return out, nil
	}
}

func activityFunc(name string, exec engine.ActivityExecutor) func(context.Context, ActivityArgs) (json.RawMessage, error) {
	return func(ctx context.Context, args ActivityArgs) (json.RawMessage, error) {
		ai := activity.GetInfo(ctx)
		key := ai.WorkflowExecution.ID + "/" + ai.ActivityID
		out, err := exec.Execute(ctx, engine.ActivityRequest{
			Key:   key,
			Name:  name,
			Input: args.Input,
			Info: engine.ActivityInfo{
				WorkflowID:   ai.WorkflowExecution.ID,
				WorkflowType: ai.WorkflowType.Name,
				WorkspaceID:  args.WorkspaceID,
				TaskID:       args.TaskID,
				ActivityName: name,
				CommandKey:   key,
				Attempt:      int(ai.Attempt),
			},
		})
		if err != nil {
			return nil, toTemporal(err)
		}
		return out, nil
	}
}
