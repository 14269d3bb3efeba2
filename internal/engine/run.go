package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/homeos/internal/logging"
	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/pkg/schema"
)

const (
	awaitEventName      = "await"
	sideEffectEventName = "sideEffect"
)

type timerPayload struct {
	FireAtMs int64 `json:"fireAtMs"`
}

type awaitPayload struct {
	Satisfied bool `json:"satisfied"`
}

// runContext implements Context for one execution of a workflow body.
// With rn == nil it runs strictly against history and never writes.
type runContext struct {
	rt      *Runtime
	ctx     context.Context
	rn      *run
	info    WorkflowInfo
	history *store.Replay
	input   json.RawMessage
	logger  *slog.Logger

	// next is the last command id handed out. Only the body goroutine touches it.
	next     int64
	handlers map[string]SignalHandler
	status   schema.WorkflowStatus

	// mu guards now and fatal, which parallel activity calls update.
	mu    sync.Mutex
	now   time.Time
	fatal error
}

var _ Context = (*runContext)(nil)

func newRunContext(ctx context.Context, rt *Runtime, wf *store.WorkflowInstance, history *store.Replay, rn *run) *runContext {
	info := WorkflowInfo{
		WorkflowID:   wf.ID,
		WorkflowType: wf.Type,
		WorkspaceID:  wf.WorkspaceID,
		UserID:       wf.UserID,
		TaskID:       wf.TaskID,
	}
	rc := &runContext{
		rt:       rt,
		ctx:      logging.WithIDs(ctx, wf.WorkspaceID, wf.ID, wf.TaskID),
		rn:       rn,
		info:     info,
		history:  history,
		input:    wf.Input,
		logger:   rt.logger.With("workflow_id", wf.ID, "workflow_type", wf.Type),
		handlers: make(map[string]SignalHandler),
		status:   schema.WorkflowStatusRunning,
		now:      wf.CreatedAt.UTC(),
	}
	if len(history.Events) > 0 {
		rc.now = history.Events[0].Timestamp.UTC()
	}
	return rc
}

// invoke runs the body, converting a panic into a failure.
func (rc *runContext) invoke(def Definition) (out json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "workflow body panicked: %v", p)
		}
	}()
	return def.Run(rc, rc.input)
}

func (rc *runContext) strict() bool { return rc.rn == nil }

func (rc *runContext) replaying() bool {
	return rc.strict() || rc.next < rc.history.MaxCommandID
}

func (rc *runContext) Info() WorkflowInfo { return rc.info }

func (rc *runContext) Logger() *slog.Logger {
	if rc.replaying() {
		return logging.Discard()
	}
	return rc.logger
}

func (rc *runContext) Now() time.Time {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.now
}

func (rc *runContext) OnSignal(name string, handler SignalHandler) {
	rc.handlers[name] = handler
}

func (rc *runContext) ExecuteActivity(name string, input, output any) error {
	if err := rc.failed(); err != nil {
		return err
	}
	rc.next++
	ev, err := rc.activityResult(rc.next, name, input)
	if err != nil {
		return err
	}
	return decodeActivity(name, ev, output)
}

func (rc *runContext) ExecuteActivities(calls []ActivityCall) []error {
	errs := make([]error, len(calls))
	if err := rc.failed(); err != nil {
		for i := range errs {
			errs[i] = err
		}
		return errs
	}

	ids := make([]int64, len(calls))
	for i := range calls {
		rc.next++
		ids[i] = rc.next
	}
	events := make([]*store.HistoryEvent, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			events[i], errs[i] = rc.activityResult(ids[i], call.Name, call.Input)
			return nil
		})
	}
	_ = g.Wait()

	for i, call := range calls {
		if errs[i] == nil {
			errs[i] = decodeActivity(call.Name, events[i], call.Output)
		}
	}
	return errs
}

// activityResult returns the recorded result event of a command, executing
// the activity first when nothing is recorded yet.
func (rc *runContext) activityResult(id int64, name string, input any) (*store.HistoryEvent, error) {
	if recorded := rc.history.Command(id); len(recorded) > 0 {
		ev := recorded[0]
		if (ev.Type != schema.EventActivityCompleted && ev.Type != schema.EventActivityFailed) || ev.Name != name {
			return nil, rc.nondeterministic(id, "activity "+name, ev)
		}
		rc.observe(ev)
		return ev, nil
	}
	if rc.strict() {
		return nil, rc.fail(schema.NewErrorf(schema.ErrCodeNonDeterministic,
			"history has no result for command %d (activity %s)", id, name))
	}

	raw, err := marshalRaw(input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode %s input", name).WithCause(err)
	}
	key := CommandKey(rc.info.WorkflowID, id)
	result, execErr := rc.rt.executor.Execute(rc.ctx, ActivityRequest{
		Key:   key,
		Name:  name,
		Input: raw,
		Info: ActivityInfo{
			WorkflowID:   rc.info.WorkflowID,
			WorkflowType: rc.info.WorkflowType,
			WorkspaceID:  rc.info.WorkspaceID,
			TaskID:       rc.info.TaskID,
			ActivityName: name,
			CommandKey:   key,
			Attempt:      1,
		},
	})
	if rc.ctx.Err() != nil {
		return nil, rc.interrupted()
	}

	ev := &store.HistoryEvent{
		WorkflowID: rc.info.WorkflowID,
		CommandID:  id,
		Type:       schema.EventActivityCompleted,
		Name:       name,
		Payload:    result,
		Timestamp:  rc.rt.stamp(),
	}
	if execErr != nil {
		ev.Type = schema.EventActivityFailed
		ev.Payload, _ = json.Marshal(failureOf(execErr))
	}
	if err := rc.rt.store.AppendHistory(rc.ctx, ev); err != nil {
		return nil, rc.fail(schema.NewErrorf(schema.ErrCodeStore, "record %s result", name).WithCause(err))
	}
	rc.observe(ev)
	return ev, nil
}

func decodeActivity(name string, ev *store.HistoryEvent, output any) error {
	if ev.Type == schema.EventActivityFailed {
		var f activityFailure
		if err := json.Unmarshal(ev.Payload, &f); err != nil {
			f = activityFailure{Code: schema.ErrCodeExecution, Message: "unreadable failure record"}
		}
		return f.toError(name)
	}
	if output == nil || len(ev.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(ev.Payload, output); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "decode %s result", name).WithCause(err)
	}
	return nil
}

func (rc *runContext) SideEffect(fn func() any, output any) error {
	if err := rc.failed(); err != nil {
		return err
	}
	rc.next++
	id := rc.next

	var ev *store.HistoryEvent
	if recorded := rc.history.Command(id); len(recorded) > 0 {
		ev = recorded[0]
		if ev.Type != schema.EventSideEffect {
			return rc.nondeterministic(id, "side effect", ev)
		}
	} else {
		if rc.strict() {
			return rc.fail(schema.NewErrorf(schema.ErrCodeNonDeterministic, "history has no side effect for command %d", id))
		}
		raw, err := json.Marshal(fn())
		if err != nil {
			return schema.NewError(schema.ErrCodeExecution, "encode side effect").WithCause(err)
		}
		ev = &store.HistoryEvent{
			WorkflowID: rc.info.WorkflowID,
			CommandID:  id,
			Type:       schema.EventSideEffect,
			Name:       sideEffectEventName,
			Payload:    raw,
			Timestamp:  rc.rt.stamp(),
		}
		if err := rc.rt.store.AppendHistory(rc.ctx, ev); err != nil {
			return rc.fail(schema.NewError(schema.ErrCodeStore, "record side effect").WithCause(err))
		}
	}
	rc.observe(ev)
	if output == nil {
		return nil
	}
	return json.Unmarshal(ev.Payload, output)
}

func (rc *runContext) Sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	_, err := rc.Await(d, func() bool { return false })
	return err
}

func (rc *runContext) Await(timeout time.Duration, cond func() bool) (bool, error) {
	if err := rc.failed(); err != nil {
		return false, err
	}
	rc.next++
	id := rc.next

	var fireAt time.Time
	hasTimer := false
	for _, ev := range rc.history.Command(id) {
		switch ev.Type {
		case schema.EventTimerStarted:
			var p timerPayload
			_ = json.Unmarshal(ev.Payload, &p)
			fireAt, hasTimer = time.UnixMilli(p.FireAtMs).UTC(), true
		case schema.EventSignalReceived:
			if err := rc.apply(id, ev); err != nil {
				return false, err
			}
		case schema.EventAwaitResolved:
			var p awaitPayload
			_ = json.Unmarshal(ev.Payload, &p)
			rc.observe(ev)
			if p.Satisfied && !cond() {
				return false, rc.fail(schema.NewErrorf(schema.ErrCodeNonDeterministic,
					"await %d was satisfied in history but its condition is false on replay", id))
			}
			return p.Satisfied, nil
		default:
			return false, rc.nondeterministic(id, "await", ev)
		}
		rc.observe(ev)
	}
	if rc.strict() {
		return false, rc.fail(schema.NewErrorf(schema.ErrCodeNonDeterministic, "history ends inside await %d", id))
	}

	if timeout > 0 && !hasTimer && !cond() {
		fireAt = rc.rt.now().UTC().Add(timeout).Truncate(time.Millisecond)
		payload, _ := json.Marshal(timerPayload{FireAtMs: fireAt.UnixMilli()})
		ev := &store.HistoryEvent{
			WorkflowID: rc.info.WorkflowID,
			CommandID:  id,
			Type:       schema.EventTimerStarted,
			Name:       awaitEventName,
			Payload:    payload,
			Timestamp:  rc.rt.stamp(),
		}
		if err := rc.rt.store.StartTimer(rc.ctx, ev, fireAt); err != nil {
			return false, rc.fail(schema.NewError(schema.ErrCodeStore, "start timer").WithCause(err))
		}
		rc.observe(ev)
		hasTimer = true
	}
	return rc.park(id, hasTimer, fireAt, cond)
}

// park waits live for cond, consuming inbox signals in order, until the timer fires.
func (rc *runContext) park(id int64, hasTimer bool, fireAt time.Time, cond func() bool) (bool, error) {
	var timer <-chan time.Time
	if hasTimer {
		t := time.NewTimer(max(0, fireAt.Sub(rc.rt.now())))
		defer t.Stop()
		timer = t.C
	}
	poll := time.NewTicker(rc.rt.poll)
	defer poll.Stop()

	expired := false
	for {
		if cond() {
			return rc.resolveAwait(id, true, hasTimer)
		}
		consumed, err := rc.consumeNext(id)
		if err != nil {
			return false, err
		}
		if consumed {
			continue
		}
		if expired {
			return rc.resolveAwait(id, false, hasTimer)
		}
		if err := rc.setStatus(schema.WorkflowStatusWaiting); err != nil {
			return false, err
		}
		select {
		case <-rc.rn.wake:
		case <-poll.C:
		case <-timer:
			expired = true
		case <-rc.ctx.Done():
			return false, rc.interrupted()
		}
	}
}

// consumeNext moves the oldest handled inbox signal into history and applies it.
func (rc *runContext) consumeNext(id int64) (bool, error) {
	pending, err := rc.rt.store.PendingSignals(rc.ctx, rc.info.WorkflowID)
	if err != nil {
		if rc.ctx.Err() != nil {
			return false, rc.interrupted()
		}
		return false, rc.fail(schema.NewError(schema.ErrCodeStore, "read signal inbox").WithCause(err))
	}
	for _, sig := range pending {
		if _, ok := rc.handlers[sig.Name]; !ok {
			continue
		}
		ev := &store.HistoryEvent{
			WorkflowID: rc.info.WorkflowID,
			CommandID:  id,
			Type:       schema.EventSignalReceived,
			Name:       sig.Name,
			Payload:    sig.Payload,
			Timestamp:  rc.rt.stamp(),
		}
		if err := rc.rt.store.ConsumeSignal(rc.ctx, sig.ID, ev); err != nil {
			if schema.HasCode(err, schema.ErrCodeConflict) {
				return true, nil
			}
			if rc.ctx.Err() != nil {
				return false, rc.interrupted()
			}
			return false, rc.fail(schema.NewError(schema.ErrCodeStore, "consume signal").WithCause(err))
		}
		rc.logger.DebugContext(rc.ctx, "signal received", "signal", sig.Name)
		if err := rc.apply(id, ev); err != nil {
			return false, err
		}
		rc.observe(ev)
		return true, nil
	}
	return false, nil
}

func (rc *runContext) apply(id int64, ev *store.HistoryEvent) error {
	h, ok := rc.handlers[ev.Name]
	if !ok {
		return rc.nondeterministic(id, "signal handler "+ev.Name, ev)
	}
	h(ev.Payload)
	return nil
}

func (rc *runContext) resolveAwait(id int64, satisfied, hasTimer bool) (bool, error) {
	payload, _ := json.Marshal(awaitPayload{Satisfied: satisfied})
	ev := &store.HistoryEvent{
		WorkflowID: rc.info.WorkflowID,
		CommandID:  id,
		Type:       schema.EventAwaitResolved,
		Name:       awaitEventName,
		Payload:    payload,
		Timestamp:  rc.rt.stamp(),
	}
	if err := rc.rt.store.AppendHistory(rc.ctx, ev); err != nil {
		if rc.ctx.Err() != nil {
			return false, rc.interrupted()
		}
		return false, rc.fail(schema.NewError(schema.ErrCodeStore, "record await outcome").WithCause(err))
	}
	rc.observe(ev)
	if hasTimer {
		if err := rc.rt.store.DeleteTimer(rc.ctx, rc.info.WorkflowID, id); err != nil {
			rc.logger.WarnContext(rc.ctx, "delete fired timer", "command_id", id, "error", err)
		}
	}
	if err := rc.setStatus(schema.WorkflowStatusRunning); err != nil {
		return false, err
	}
	return satisfied, nil
}

func (rc *runContext) setStatus(to schema.WorkflowStatus) error {
	if rc.status == to {
		return nil
	}
	if err := rc.rt.fsm.Transition(rc.ctx, rc.info.WorkflowID, rc.status, to, store.WorkflowUpdate{}); err != nil {
		if rc.ctx.Err() != nil {
			return rc.interrupted()
		}
		return rc.fail(err)
	}
	rc.status = to
	return nil
}

// observe advances logical time to the event's timestamp.
func (rc *runContext) observe(ev *store.HistoryEvent) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if ts := ev.Timestamp.UTC(); ts.After(rc.now) {
		rc.now = ts
	}
}

func (rc *runContext) failed() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.fatal
}

// fail records the first fatal error; every later command returns it.
func (rc *runContext) fail(err error) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.fatal == nil {
		rc.fatal = err
	}
	return rc.fatal
}

func (rc *runContext) nondeterministic(id int64, want string, got *store.HistoryEvent) error {
	return rc.fail(schema.NewErrorf(schema.ErrCodeNonDeterministic,
		"command %d: body requested %s but history recorded %s %q", id, want, got.Type, got.Name).
		WithDetails(map[string]any{"command_id": id, "sequence": got.Sequence}))
}

func (rc *runContext) interrupted() error {
	return schema.NewError(schema.ErrCodeCancelled, "workflow run interrupted").WithCause(rc.ctx.Err())
}
