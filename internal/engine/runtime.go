package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/homeos/internal/logging"
	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/internal/telemetry"
	"github.com/rendis/homeos/pkg/schema"
)

// Store is the persistence the runtime needs.
type Store interface {
	store.WorkflowStore
	store.HistoryStore
}

// DefaultPollInterval bounds how long a parked run can miss a wake-up.
const DefaultPollInterval = time.Second

// RuntimeConfig holds runtime tunables.
type RuntimeConfig struct {
	Logger       *slog.Logger
	Clock        func() time.Time
	PollInterval time.Duration // inbox re-check while parked (0 = DefaultPollInterval)
}

// StartRequest starts one workflow instance.
type StartRequest struct {
	ID          string `json:"id,omitempty"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId,omitempty"`
	TaskID      string `json:"taskId,omitempty"`
	Input       any    `json:"input,omitempty"`
}

// Runtime is the local event-sourced workflow runtime. Each live instance is
// one goroutine replaying its history, then continuing from the first
// unrecorded command.
type Runtime struct {
	store    Store
	events   *store.EventLog
	defs     *Registry
	executor ActivityExecutor
	fsm      *RunFSM
	now      func() time.Time
	logger   *slog.Logger
	poll     time.Duration

	baseCtx context.Context
	stop    context.CancelFunc

	// mu guards runs and closed.
	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// run tracks one in-memory instance.
type run struct {
	id        string
	cancel    context.CancelFunc
	cancelled atomic.Bool
	wake      chan struct{}
	done      chan struct{}
}

// NewRuntime wires a runtime. Call Recover to resume instances left by a previous process.
func NewRuntime(s Store, defs *Registry, executor ActivityExecutor, cfg RuntimeConfig) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Runtime{
		store:    s,
		events:   store.NewEventLog(s),
		defs:     defs,
		executor: executor,
		fsm:      NewRunFSM(s, cfg.Clock),
		now:      cfg.Clock,
		logger:   cfg.Logger,
		poll:     cfg.PollInterval,
		baseCtx:  ctx,
		stop:     stop,
		runs:     make(map[string]*run),
	}
}

// FSM exposes the status machine so callers can register transition hooks.
func (r *Runtime) FSM() *RunFSM { return r.fsm }

// Start persists a new instance and begins executing it.
func (r *Runtime) Start(ctx context.Context, req StartRequest) (*store.WorkflowInstance, error) {
	def, ok := r.defs.Get(req.Type)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown workflow type %q", req.Type)
	}
	if req.WorkspaceID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow start requires a workspaceId")
	}
	input, err := marshalRaw(req.Input)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "encode workflow input").WithCause(err)
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	wf := &store.WorkflowInstance{
		ID:          id,
		Type:        def.Name,
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		TaskID:      req.TaskID,
		Status:      schema.WorkflowStatusPending,
		Input:       input,
		CreatedAt:   r.stamp(),
	}
	if err := r.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	if err := r.fsm.Transition(ctx, id, schema.WorkflowStatusPending, schema.WorkflowStatusRunning, store.WorkflowUpdate{}); err != nil {
		return nil, err
	}
	wf.Status = schema.WorkflowStatusRunning
	telemetry.RecordWorkflowTransition(ctx, def.Name, string(wf.Status))

	r.logger.InfoContext(logging.WithIDs(ctx, wf.WorkspaceID, id, wf.TaskID), "workflow started", "type", def.Name)
	r.launch(wf, def)
	return wf, nil
}

// Signal persists a signal to the instance's inbox and wakes the instance.
func (r *Runtime) Signal(ctx context.Context, workflowID, name string, payload any) error {
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is %s", workflowID, wf.Status)
	}
	raw, err := marshalRaw(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "encode signal payload").WithCause(err)
	}
	if err := r.store.EnqueueSignal(ctx, &store.InboxSignal{WorkflowID: workflowID, Name: name, Payload: raw, ReceivedAt: r.stamp()}); err != nil {
		return schema.NewError(schema.ErrCodeSignalFailed, "persist signal").WithCause(err)
	}

	r.mu.Lock()
	rn := r.runs[workflowID]
	r.mu.Unlock()
	if rn == nil {
		return r.EnsureRunning(ctx, workflowID)
	}
	select {
	case rn.wake <- struct{}{}:
	default:
	}
	return nil
}

// Status returns the persisted instance.
func (r *Runtime) Status(ctx context.Context, workflowID string) (*store.WorkflowInstance, error) {
	return r.store.GetWorkflow(ctx, workflowID)
}

// Wait blocks until the instance is terminal or ctx ends.
func (r *Runtime) Wait(ctx context.Context, workflowID string) (*store.WorkflowInstance, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		wf, err := r.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if wf.Status.Terminal() {
			return wf, nil
		}

		r.mu.Lock()
		rn := r.runs[workflowID]
		r.mu.Unlock()
		var done <-chan struct{}
		if rn != nil {
			done = rn.done
		}
		select {
		case <-done:
		case <-ticker.C:
		case <-ctx.Done():
			return wf, ctx.Err()
		}
	}
}

// Cancel stops a live instance and marks it cancelled.
func (r *Runtime) Cancel(ctx context.Context, workflowID, reason string) error {
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is already %s", workflowID, wf.Status)
	}

	r.mu.Lock()
	rn := r.runs[workflowID]
	r.mu.Unlock()
	if rn != nil {
		rn.cancelled.Store(true)
		rn.cancel()
		select {
		case <-rn.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if wf, err = r.store.GetWorkflow(ctx, workflowID); err != nil {
			return err
		}
		if wf.Status.Terminal() {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s finished as %s", workflowID, wf.Status)
		}
	}

	if reason == "" {
		reason = "cancelled"
	}
	payload, _ := json.Marshal(activityFailure{Code: schema.ErrCodeCancelled, Message: reason})
	if err := r.fsm.Transition(ctx, workflowID, wf.Status, schema.WorkflowStatusCancelled, store.WorkflowUpdate{Error: payload}); err != nil {
		return err
	}
	telemetry.RecordWorkflowTransition(ctx, wf.Type, string(schema.WorkflowStatusCancelled))
	r.logger.InfoContext(logging.WithIDs(ctx, wf.WorkspaceID, workflowID, wf.TaskID), "workflow cancelled", "reason", reason)
	return nil
}

// Recover resumes every non-terminal instance and returns how many were loaded.
func (r *Runtime) Recover(ctx context.Context) (int, error) {
	live, err := r.store.ListWorkflows(ctx, store.WorkflowFilter{Statuses: []schema.WorkflowStatus{
		schema.WorkflowStatusPending, schema.WorkflowStatusRunning, schema.WorkflowStatusWaiting,
	}})
	if err != nil {
		return 0, fmt.Errorf("list live workflows: %w", err)
	}
	n := 0
	for _, wf := range live {
		if r.resume(ctx, wf) {
			n++
		}
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "recovered workflows", "count", n)
	}
	return n, nil
}

// EnsureRunning loads a non-terminal instance that is not live in this process.
func (r *Runtime) EnsureRunning(ctx context.Context, workflowID string) error {
	r.mu.Lock()
	_, live := r.runs[workflowID]
	r.mu.Unlock()
	if live {
		return nil
	}
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	r.resume(ctx, wf)
	return nil
}

// Replay re-executes an instance strictly against its recorded history and
// returns the output the body produces. Nothing is written.
func (r *Runtime) Replay(ctx context.Context, workflowID string) (json.RawMessage, error) {
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	def, ok := r.defs.Get(wf.Type)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown workflow type %q", wf.Type)
	}
	history, err := r.events.Replay(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	rc := newRunContext(ctx, r, wf, history, nil)
	out, runErr := rc.invoke(def)
	if rc.fatal != nil {
		return nil, rc.fatal
	}
	return out, runErr
}

// Shutdown stops every live instance where it is and waits for the goroutines
// to exit. Instances stay non-terminal and resume on the next Recover.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resume brings a persisted instance back to running and launches it.
func (r *Runtime) resume(ctx context.Context, wf *store.WorkflowInstance) bool {
	if wf.Status.Terminal() {
		return false
	}
	def, ok := r.defs.Get(wf.Type)
	if !ok {
		r.logger.WarnContext(ctx, "cannot resume workflow of unknown type", "workflow_id", wf.ID, "type", wf.Type)
		return false
	}
	if wf.Status != schema.WorkflowStatusRunning {
		if err := r.fsm.Transition(ctx, wf.ID, wf.Status, schema.WorkflowStatusRunning, store.WorkflowUpdate{}); err != nil {
			r.logger.WarnContext(ctx, "resume transition failed", "workflow_id", wf.ID, "error", err)
			return false
		}
		wf.Status = schema.WorkflowStatusRunning
	}
	return r.launch(wf, def)
}

func (r *Runtime) launch(wf *store.WorkflowInstance, def Definition) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if _, exists := r.runs[wf.ID]; exists {
		r.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(r.baseCtx)
	rn := &run{id: wf.ID, cancel: cancel, wake: make(chan struct{}, 1), done: make(chan struct{})}
	r.runs[wf.ID] = rn
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.runs, wf.ID)
			r.mu.Unlock()
			close(rn.done)
		}()
		r.execute(ctx, rn, wf, def)
	}()
	return true
}

func (r *Runtime) execute(ctx context.Context, rn *run, wf *store.WorkflowInstance, def Definition) {
	logCtx := logging.WithIDs(context.WithoutCancel(ctx), wf.WorkspaceID, wf.ID, wf.TaskID)
	history, err := r.events.Replay(ctx, wf.ID)
	if err != nil {
		r.logger.ErrorContext(logCtx, "load workflow history", "error", err)
		return
	}

	rc := newRunContext(ctx, r, wf, history, rn)
	output, runErr := rc.invoke(def)
	if rn.cancelled.Load() || (ctx.Err() != nil && rc.fatal == nil) {
		// Cancel finalizes; Shutdown leaves the instance to be recovered.
		return
	}
	if rc.fatal != nil {
		runErr = rc.fatal
	}

	// Terminal bookkeeping must finish even while shutting down.
	fctx := context.WithoutCancel(ctx)
	if runErr != nil {
		payload, _ := json.Marshal(failureOf(runErr))
		if err := r.fsm.Transition(fctx, wf.ID, rc.status, schema.WorkflowStatusFailed, store.WorkflowUpdate{Error: payload}); err != nil {
			r.logger.ErrorContext(logCtx, "record workflow failure", "error", err)
		}
		telemetry.RecordWorkflowTransition(fctx, wf.Type, string(schema.WorkflowStatusFailed))
		r.logger.WarnContext(logCtx, "workflow failed", "type", wf.Type, "error", runErr)
		return
	}
	if err := r.fsm.Transition(fctx, wf.ID, rc.status, schema.WorkflowStatusCompleted, store.WorkflowUpdate{Output: output}); err != nil {
		r.logger.ErrorContext(logCtx, "record workflow completion", "error", err)
		return
	}
	telemetry.RecordWorkflowTransition(fctx, wf.Type, string(schema.WorkflowStatusCompleted))
	r.logger.InfoContext(logCtx, "workflow completed", "type", wf.Type)
}

// stamp returns the current time at the precision history keeps.
func (r *Runtime) stamp() time.Time {
	return r.now().UTC().Truncate(time.Millisecond)
}
