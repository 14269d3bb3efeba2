package temporal

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/logging"
	"github.com/rendis/homeos/pkg/schema"
)

// wfContext runs an engine workflow body on a Temporal workflow.Context.
type wfContext struct {
	ctx      workflow.Context
	info     engine.WorkflowInfo
	logger   *slog.Logger
	handlers map[string]engine.SignalHandler
	channels map[string]workflow.ReceiveChannel
}

var _ engine.Context = (*wfContext)(nil)

func newContext(ctx workflow.Context, args StartArgs, logger *slog.Logger, opts workflow.ActivityOptions) *wfContext {
	wi := workflow.GetInfo(ctx)
	return &wfContext{
		ctx: workflow.WithActivityOptions(ctx, opts),
		info: engine.WorkflowInfo{
			WorkflowID:   wi.WorkflowExecution.ID,
			WorkflowType: wi.WorkflowType.Name,
			WorkspaceID:  args.WorkspaceID,
			UserID:       args.UserID,
			TaskID:       args.TaskID,
		},
		logger:   logger.With("workflow_id", wi.WorkflowExecution.ID, "workspace_id", args.WorkspaceID, "task_id", args.TaskID),
		handlers: make(map[string]engine.SignalHandler),
		channels: make(map[string]workflow.ReceiveChannel),
	}
}

func (c *wfContext) Info() engine.WorkflowInfo { return c.info }

func (c *wfContext) Logger() *slog.Logger {
	if workflow.IsReplaying(c.ctx) {
		return logging.Discard()
	}
	return c.logger
}

func (c *wfContext) Now() time.Time { return workflow.Now(c.ctx) }

func (c *wfContext) ExecuteActivity(name string, input, output any) error {
	f, err := c.start(name, input)
	if err != nil {
		return err
	}
	return c.collect(name, f, output)
}

// ExecuteActivities schedules every call before waiting on any of them.
func (c *wfContext) ExecuteActivities(calls []engine.ActivityCall) []error {
	errs := make([]error, len(calls))
	futures := make([]workflow.Future, len(calls))
	for i, call := range calls {
		futures[i], errs[i] = c.start(call.Name, call.Input)
	}
	for i, call := range calls {
		if errs[i] != nil {
			continue
		}
		errs[i] = c.collect(call.Name, futures[i], call.Output)
	}
	return errs
}

func (c *wfContext) start(name string, input any) (workflow.Future, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode %s input", name).WithCause(err)
	}
	return workflow.ExecuteActivity(c.ctx, name, ActivityArgs{
		WorkspaceID: c.info.WorkspaceID,
		TaskID:      c.info.TaskID,
		Input:       raw,
	}), nil
}

func (c *wfContext) collect(name string, f workflow.Future, output any) error {
	var raw json.RawMessage
	if err := f.Get(c.ctx, &raw); err != nil {
		return engine.ActivityError(name, fromTemporal(err))
	}
	if output == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, output); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "decode %s output", name).WithCause(err)
	}
	return nil
}

func (c *wfContext) OnSignal(name string, handler engine.SignalHandler) {
	c.handlers[name] = handler
	if _, ok := c.channels[name]; !ok {
		c.channels[name] = workflow.GetSignalChannel(c.ctx, name)
	}
}

// Await applies buffered signals, then blocks on the registered signal
// channels and the deadline until cond holds.
func (c *wfContext) Await(timeout time.Duration, cond func() bool) (bool, error) {
	ctx, cancel := workflow.WithCancel(c.ctx)
	defer cancel()

	timedOut := false
	var timer workflow.Future
	if timeout > 0 {
		timer = workflow.NewTimer(ctx, timeout)
	}

	for {
		c.drain()
		if cond() {
			return true, nil
		}
		if timedOut {
			return false, nil
		}
		if timer == nil && len(c.channels) == 0 {
			return false, schema.NewError(schema.ErrCodeTimeout, "await has neither a deadline nor a signal to wait for")
		}

		sel := workflow.NewSelector(ctx)
		for _, name := range c.signalNames() {
			handler := c.handlers[name]
			sel.AddReceive(c.channels[name], func(ch workflow.ReceiveChannel, _ bool) {
				var raw json.RawMessage
				ch.Receive(ctx, &raw)
				handler(raw)
			})
		}
		if timer != nil {
			sel.AddFuture(timer, func(workflow.Future) { timedOut = true })
		}
		sel.Select(ctx)
	}
}

// drain applies every signal already buffered, channel by channel.
func (c *wfContext) drain() {
	for _, name := range c.signalNames() {
		ch := c.channels[name]
		for {
			var raw json.RawMessage
			if !ch.ReceiveAsync(&raw) {
				break
			}
			c.handlers[name](raw)
		}
	}
}

// signalNames returns the registered names in a fixed order so that selector
// construction is identical on every replay.
func (c *wfContext) signalNames() []string {
	names := make([]string, 0, len(c.channels))
	for n := range c.channels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (c *wfContext) Sleep(d time.Duration) error {
	return workflow.Sleep(c.ctx, d)
}

func (c *wfContext) SideEffect(fn func() any, output any) error {
	return workflow.SideEffect(c.ctx, func(workflow.Context) any { return fn() }).Get(output)
}

// fromTemporal recovers the structured error an activity returned.
func fromTemporal(err error) error {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		if appErr.Type() != "" {
			return schema.NewError(appErr.Type(), appErr.Message())
		}
		return schema.NewError(schema.ErrCodeExecution, appErr.Message())
	}
	var timeoutErr *temporal.TimeoutError
	if errors.As(err, &timeoutErr) {
		return schema.NewError(schema.ErrCodeTimeout, "activity timed out").WithCause(err)
	}
	var canceledErr *temporal.CanceledError
	if errors.As(err, &canceledErr) {
		return schema.NewError(schema.ErrCodeCancelled, "activity cancelled").WithCause(err)
	}
	return err
}

// toTemporal converts a homeos error into an application error whose type is
// the error code.
func toTemporal(err error) error {
	if err == nil {
		return nil
	}
	var hErr *schema.HomeOSError
	if errors.As(err, &hErr) {
		return temporal.NewNonRetryableApplicationError(hErr.Message, hErr.Code, err)
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), schema.ErrCodeExecution, err)
}
