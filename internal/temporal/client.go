package temporal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	commonpb "go.temporal.io/api/common/v1"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"

	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/pkg/schema"
)

// Client starts, signals and inspects homeos workflows on a Temporal cluster.
// It satisfies the same starter and workflow surfaces as engine.Runtime.
type Client struct {
	c         client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient wraps a connected Temporal client.
func NewClient(c client.Client, taskQueue string, logger *slog.Logger) *Client {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{c: c, taskQueue: taskQueue, logger: logger}
}

// Start launches a workflow execution whose ID is req.ID.
func (c *Client) Start(ctx context.Context, req engine.StartRequest) (*store.WorkflowInstance, error) {
	opts := client.StartWorkflowOptions{
		ID:        req.ID,
		TaskQueue: c.taskQueue,
		Memo: map[string]interface{}{
			"workspaceId": req.WorkspaceID,
			"userId":      req.UserID,
			"taskId":      req.TaskID,
		},
	}
	run, err := c.c.ExecuteWorkflow(ctx, opts, req.Type, StartArgs{
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		TaskID:      req.TaskID,
		Input:       req.Input,
	})
	if err != nil {
		return nil, mapServiceError(err, req.ID)
	}
	c.logger.Info("temporal workflow started", "workflow_id", run.GetID(), "run_id", run.GetRunID(), "type", req.Type)

	return &store.WorkflowInstance{
		ID:          run.GetID(),
		Type:        req.Type,
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		TaskID:      req.TaskID,
		Status:      schema.WorkflowStatusRunning,
		Input:       req.Input,
	}, nil
}

// Signal delivers a named signal to the latest run of workflowID.
func (c *Client) Signal(ctx context.Context, workflowID, name string, payload any) error {
	raw, err := toRaw(payload)
	if err != nil {
		return err
	}
	if err := c.c.SignalWorkflow(ctx, workflowID, "", name, raw); err != nil {
		return schema.NewErrorf(schema.ErrCodeSignalFailed, "signal %s to %s", name, workflowID).WithCause(mapServiceError(err, workflowID))
	}
	return nil
}

// Status describes the latest run of workflowID. The output is loaded only
// for completed runs.
func (c *Client) Status(ctx context.Context, workflowID string) (*store.WorkflowInstance, error) {
	desc, err := c.c.DescribeWorkflowExecution(ctx, workflowID, "")
	if err != nil {
		return nil, mapServiceError(err, workflowID)
	}
	info := desc.GetWorkflowExecutionInfo()
	if info == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", workflowID)
	}

	wf := &store.WorkflowInstance{
		ID:          workflowID,
		Type:        info.GetType().GetName(),
		WorkspaceID: memoString(info.GetMemo(), "workspaceId"),
		UserID:      memoString(info.GetMemo(), "userId"),
		TaskID:      memoString(info.GetMemo(), "taskId"),
		Status:      statusFromTemporal(info.GetStatus()),
	}
	if t := info.GetStartTime(); t != nil {
		wf.CreatedAt = t.AsTime()
		wf.UpdatedAt = wf.CreatedAt
	}
	if t := info.GetCloseTime(); t != nil {
		closed := t.AsTime()
		wf.CompletedAt = &closed
		wf.UpdatedAt = closed
	}

	switch wf.Status {
	case schema.WorkflowStatusCompleted:
		var out json.RawMessage
		if err := c.c.GetWorkflow(ctx, workflowID, "").Get(ctx, &out); err != nil {
			c.logger.Warn("temporal workflow output unavailable", "workflow_id", workflowID, "error", err)
		} else {
			wf.Output = out
		}
	case schema.WorkflowStatusFailed:
		err := c.c.GetWorkflow(ctx, workflowID, "").Get(ctx, nil)
		if err != nil {
			wf.Error, _ = json.Marshal(fromTemporal(err))
		}
	}
	return wf, nil
}

// Cancel requests cancellation of the latest run of workflowID.
func (c *Client) Cancel(ctx context.Context, workflowID, reason string) error {
	if err := c.c.CancelWorkflow(ctx, workflowID, ""); err != nil {
		return mapServiceError(err, workflowID)
	}
	c.logger.Info("temporal workflow cancel requested", "workflow_id", workflowID, "reason", reason)
	return nil
}

// statusFromTemporal maps Temporal execution states onto workflow statuses.
func statusFromTemporal(s enumspb.WorkflowExecutionStatus) schema.WorkflowStatus {
	switch s {
	case enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING, enumspb.WORKFLOW_EXECUTION_STATUS_CONTINUED_AS_NEW:
		return schema.WorkflowStatusRunning
	case enumspb.WORKFLOW_EXECUTION_STATUS_COMPLETED:
		return schema.WorkflowStatusCompleted
	case enumspb.WORKFLOW_EXECUTION_STATUS_FAILED, enumspb.WORKFLOW_EXECUTION_STATUS_TIMED_OUT:
		return schema.WorkflowStatusFailed
	case enumspb.WORKFLOW_EXECUTION_STATUS_CANCELED, enumspb.WORKFLOW_EXECUTION_STATUS_TERMINATED:
		return schema.WorkflowStatusCancelled
	default:
		return schema.WorkflowStatusPending
	}
}

func memoString(memo *commonpb.Memo, key string) string {
	if memo == nil {
		return ""
	}
	field, ok := memo.GetFields()[key]
	if !ok || field == nil {
		return ""
	}
	var s string
	_ = converter.GetDefaultDataConverter().FromPayload(field, &s)
	return s
}

func mapServiceError(err error, workflowID string) error {
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", workflowID).WithCause(err)
	}
	var started *serviceerror.WorkflowExecutionAlreadyStarted
	if errors.As(err, &started) {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s already started", workflowID).WithCause(err)
	}
	return err
}

func toRaw(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "signal payload is not JSON").WithCause(err)
		}
		return raw, nil
	}
}
