package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rendis/homeos/pkg/schema"
)

// ActivityRequest is one activity invocation issued by a workflow body.
type ActivityRequest struct {
	// Key is stable across replays: <workflowID>/<commandID>.
	Key   string
	Name  string
	Input json.RawMessage
	Info  ActivityInfo
}

// ActivityExecutor runs activities on behalf of the runtime.
type ActivityExecutor interface {
	Execute(ctx context.Context, req ActivityRequest) (json.RawMessage, error)
}

// ActivityExecutorFunc adapts a function to ActivityExecutor.
type ActivityExecutorFunc func(ctx context.Context, req ActivityRequest) (json.RawMessage, error)

// Execute calls f.
func (f ActivityExecutorFunc) Execute(ctx context.Context, req ActivityRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// ActivityInfo describes the running activity to its implementation.
type ActivityInfo struct {
	WorkflowID   string
	WorkflowType string
	WorkspaceID  string
	TaskID       string
	ActivityName string
	CommandKey   string
	Attempt      int
}

type activityInfoKey struct{}

// WithActivityInfo attaches info to ctx.
func WithActivityInfo(ctx context.Context, info ActivityInfo) context.Context {
	return context.WithValue(ctx, activityInfoKey{}, info)
}

// ActivityInfoFrom returns the info attached by the executor.
func ActivityInfoFrom(ctx context.Context) (ActivityInfo, bool) {
	info, ok := ctx.Value(activityInfoKey{}).(ActivityInfo)
	return info, ok
}

// CommandKey names one command of one instance.
func CommandKey(workflowID string, commandID int64) string {
	return fmt.Sprintf("%s/%d", workflowID, commandID)
}

// activityFailure is the recorded form of a failed activity.
type activityFailure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func failureOf(err error) activityFailure {
	f := activityFailure{Code: schema.ErrorCode(err), Message: err.Error()}
	var hErr *schema.HomeOSError
	if errors.As(err, &hErr) {
		f.Message = hErr.Message
	}
	if f.Code == "" {
		f.Code = schema.ErrCodeExecution
	}
	return f
}

func (f activityFailure) toError(name string) error {
	return schema.NewErrorf(schema.ErrCodeActivity, "%s: %s", name, f.Message).
		WithDetails(map[string]any{"activity": name, "cause_code": f.Code})
}

// ActivityError converts an activity's error into the error a workflow body observes.
func ActivityError(name string, err error) error {
	return failureOf(err).toError(name)
}

// CauseCode returns the original error code of an activity failure.
func CauseCode(err error) string {
	var hErr *schema.HomeOSError
	if !errors.As(err, &hErr) {
		return ""
	}
	if code, ok := hErr.Details["cause_code"].(string); ok {
		return code
	}
	return hErr.Code
}

func marshalRaw(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	}
	return json.Marshal(v)
}
