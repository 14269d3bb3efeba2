package workflows

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/homeos/internal/audit"
	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/logging"
	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/internal/tasks"
	"github.com/rendis/homeos/pkg/schema"
)

// eventPrefixes is the audit prefix each workflow type emits under.
var eventPrefixes = map[schema.WorkflowType]string{
	schema.WorkflowChatTurn:           "chat",
	schema.WorkflowReservationCall:    "reservation",
	schema.WorkflowMarketplaceSell:    "marketplace",
	schema.WorkflowHireHelper:         "helpers",
	schema.WorkflowDynamicIntegration: "integration",
}

// InstanceReader loads workflow instances.
type InstanceReader interface {
	GetWorkflow(ctx context.Context, id string) (*store.WorkflowInstance, error)
}

// ApprovalExpirer closes the open approvals of an instance.
type ApprovalExpirer interface {
	ExpireForWorkflow(ctx context.Context, workflowID string) (int, error)
}

// Finalizer closes out an instance that was cancelled or failed before its
// body reached finish: the task fails, <prefix>.complete is emitted with
// success=false and its open approvals expire.
type Finalizer struct {
	instances InstanceReader
	tasks     *tasks.Service
	events    *audit.Emitter
	approvals ApprovalExpirer
	logger    *slog.Logger
}

// NewFinalizer wires a Finalizer.
func NewFinalizer(instances InstanceReader, t *tasks.Service, events *audit.Emitter, approvals ApprovalExpirer, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{instances: instances, tasks: t, events: events, approvals: approvals, logger: logger}
}

// Register hooks the Finalizer onto every transition into cancelled or failed.
func (f *Finalizer) Register(fsm *engine.RunFSM) {
	for from, targets := range engine.ValidRunTransitions {
		for _, to := range targets {
			if to == schema.WorkflowStatusCancelled || to == schema.WorkflowStatusFailed {
				fsm.OnAfter(from, to, f.onTerminal)
			}
		}
	}
}

// onTerminal never fails the transition; the status is already persisted.
func (f *Finalizer) onTerminal(ctx context.Context, workflowID string, _, to schema.WorkflowStatus) error {
	if err := f.Finalize(ctx, workflowID, to); err != nil {
		f.logger.WarnContext(ctx, "terminal workflow not finalized", "workflow_id", workflowID, "status", to, "error", err)
	}
	return nil
}

// Finalize closes out workflowID after it ended as status. An instance whose
// task is already done or failed finished its own bookkeeping and only has
// its approvals expired.
func (f *Finalizer) Finalize(ctx context.Context, workflowID string, status schema.WorkflowStatus) error {
	wf, err := f.instances.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	ctx = logging.WithIDs(ctx, wf.WorkspaceID, wf.ID, wf.TaskID)

	if f.approvals != nil {
		n, err := f.approvals.ExpireForWorkflow(ctx, wf.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			f.logger.InfoContext(ctx, "approvals expired with workflow", "count", n)
		}
	}
	if wf.TaskID == "" {
		return nil
	}
	task, err := f.tasks.Get(ctx, wf.TaskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	summary := terminalSummary(wf, status)
	if f.events != nil {
		prefix, ok := eventPrefixes[schema.WorkflowType(wf.Type)]
		if !ok {
			prefix = wf.Type
		}
		f.events.Emit(ctx, audit.Event{
			EventID:     prefix + ".complete/" + wf.ID,
			WorkspaceID: wf.WorkspaceID,
			TaskID:      wf.TaskID,
			WorkflowID:  wf.ID,
			Type:        prefix + ".complete",
			Payload:     map[string]any{"success": false, "summary": summary, "status": status},
			Notification: &audit.Notification{
				Title: completionTitle(prefix, false), Body: summary, Priority: "normal",
			},
		})
	}
	failed := schema.TaskStatusFailed
	_, err = f.tasks.Update(ctx, wf.TaskID, tasks.Update{
		Status:         &failed,
		SummaryForUser: &summary,
		EventKey:       string(status),
	})
	return err
}

func terminalSummary(wf *store.WorkflowInstance, status schema.WorkflowStatus) string {
	var failure struct {
		Message string `json:"message"`
	}
	if len(wf.Error) > 0 {
		_ = json.Unmarshal(wf.Error, &failure)
	}
	prefix := "Failed"
	if status == schema.WorkflowStatusCancelled {
		prefix = "Cancelled"
	}
	if failure.Message == "" {
		return prefix
	}
	return prefix + ": " + failure.Message
}
