// Package workflows holds the durable household automations. Each body is a
// deterministic function of its input, its recorded activity results and the
// signals it received, so it runs unchanged on the local runtime, on Temporal
// and in enginetest.
package workflows

import (
	"log/slog"

	"github.com/rendis/homeos/internal/activities"
	"github.com/rendis/homeos/internal/audit"
	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/tasks"
	"github.com/rendis/homeos/pkg/schema"
)

// Definitions returns every workflow this package provides.
func Definitions() []engine.Definition {
	return []engine.Definition{
		engine.NewDefinition(string(schema.WorkflowChatTurn), ChatTurn),
		engine.NewDefinition(string(schema.WorkflowReservationCall), ReservationCall),
		engine.NewDefinition(string(schema.WorkflowMarketplaceSell), MarketplaceSell),
		engine.NewDefinition(string(schema.WorkflowHireHelper), HireHelper),
		engine.NewDefinition(string(schema.WorkflowDynamicIntegration), DynamicIntegration),
	}
}

// NewRegistry returns an engine registry holding Definitions.
func NewRegistry() *engine.Registry {
	return engine.NewRegistry(Definitions()...)
}

// run is the per-instance helper shared by the workflow bodies.
type run struct {
	ctx    engine.Context
	prefix string
	info   engine.WorkflowInfo
}

func newRun(ctx engine.Context, prefix, workspaceID, userID string) *run {
	info := ctx.Info()
	if workspaceID != "" {
		info.WorkspaceID = workspaceID
	}
	if userID != "" {
		info.UserID = userID
	}
	return &run{ctx: ctx, prefix: prefix, info: info}
}

func (r *run) logger() *slog.Logger {
	return r.ctx.Logger().With("workflow_id", r.info.WorkflowID, "workflow_type", r.info.WorkflowType)
}

// emit records an audit event. Audit failures never stop a workflow.
func (r *run) emit(eventType string, payload any) {
	r.emitEvent(activities.EmitEventInput{Type: eventType, Payload: payload})
}

func (r *run) emitEvent(in activities.EmitEventInput) {
	in.WorkspaceID = r.info.WorkspaceID
	in.TaskID = r.info.TaskID
	in.WorkflowID = r.info.WorkflowID
	if err := r.ctx.ExecuteActivity(activities.EmitTaskEvent, in, nil); err != nil {
		r.logger().Warn("audit event not recorded", "type", in.Type, "error", err)
	}
}

func (r *run) phase(name string, extra ...any) {
	payload := map[string]any{"phase": name}
	for i := 0; i+1 < len(extra); i += 2 {
		if k, ok := extra[i].(string); ok {
			payload[k] = extra[i+1]
		}
	}
	r.emit(r.prefix+".phase", payload)
}

// updateTask changes the linked task. Task bookkeeping failures are logged.
func (r *run) updateTask(u tasks.Update) {
	if r.info.TaskID == "" {
		return
	}
	if err := r.ctx.ExecuteActivity(activities.UpdateTask, activities.UpdateTaskInput{TaskID: r.info.TaskID, Update: u}, nil); err != nil {
		r.logger().Warn("task not updated", "task_id", r.info.TaskID, "error", err)
	}
}

// finish emits the single <prefix>.complete event and closes the task.
func (r *run) finish(success bool, summary string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["success"] = success
	if summary != "" {
		payload["summary"] = summary
	}
	r.emitEvent(activities.EmitEventInput{
		Type:         r.prefix + ".complete",
		Payload:      payload,
		Notification: &audit.Notification{Title: completionTitle(r.prefix, success), Body: summary, Priority: "normal"},
	})
	status := schema.TaskStatusDone
	if !success {
		status = schema.TaskStatusFailed
	}
	r.updateTask(tasks.Update{Status: &status, SummaryForUser: &summary})
}

func completionTitle(prefix string, success bool) string {
	if success {
		return prefix + " finished"
	}
	return prefix + " did not finish"
}

// activityFailed reports whether err is an activity outcome the body may
// record, as opposed to an engine error that must end the run.
func activityFailed(err error) bool {
	return schema.ErrorCode(err) == schema.ErrCodeActivity
}

// conclude turns an activity failure into a failed outcome. Engine errors
// are returned unchanged.
func conclude(err error, reason *string) error {
	if err == nil {
		return nil
	}
	if !activityFailed(err) {
		return err
	}
	if *reason == "" {
		*reason = err.Error()
	}
	return nil
}
