// Package tasks owns the user-visible Task records: creation, status changes
// checked against the task state machine, and the append-only audit trail.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/homeos/internal/audit"
	"github.com/rendis/homeos/internal/logging"
	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/pkg/schema"
)

// EventEmitter records audit events.
type EventEmitter interface {
	Emit(ctx context.Context, ev audit.Event)
}

// CreateInput describes a new task.
type CreateInput struct {
	ID               string              `json:"id,omitempty"`
	WorkspaceID      string              `json:"workspaceId"`
	Title            string              `json:"title"`
	Category         schema.TaskCategory `json:"category,omitempty"`
	RiskLevel        schema.RiskLevel    `json:"riskLevel,omitempty"`
	RequiresApproval bool                `json:"requiresApproval,omitempty"`
	SummaryForUser   string              `json:"summaryForUser,omitempty"`
	Details          map[string]any      `json:"details,omitempty"`
	LinkedWorkflowID string              `json:"linkedWorkflowId,omitempty"`
}

// Update changes a task. Nil fields are left alone. EventKey makes the
// status_changed event idempotent across retries of the same update.
type Update struct {
	Status           *schema.TaskStatus    `json:"status,omitempty"`
	ApprovalState    *schema.ApprovalState `json:"approvalState,omitempty"`
	RiskLevel        *schema.RiskLevel     `json:"riskLevel,omitempty"`
	RequiresApproval *bool                 `json:"requiresApproval,omitempty"`
	SummaryForUser   *string               `json:"summaryForUser,omitempty"`
	Details          map[string]any        `json:"details,omitempty"`
	LinkedWorkflowID *string               `json:"linkedWorkflowId,omitempty"`
	EventKey         string                `json:"eventKey,omitempty"`
}

// Service manages tasks.
type Service struct {
	store  store.TaskStore
	events EventEmitter
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService wires a Service. events may be nil.
func NewService(st store.TaskStore, events EventEmitter, opts ...Option) *Service {
	s := &Service{store: st, events: events, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create persists a queued task and records task.created.
func (s *Service) Create(ctx context.Context, in CreateInput) (*schema.Task, error) {
	if in.WorkspaceID == "" || in.Title == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "task requires workspaceId and title")
	}
	if in.RiskLevel == "" {
		in.RiskLevel = schema.RiskLow
	}
	if !in.RiskLevel.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid risk level %q", in.RiskLevel)
	}
	if in.Category == "" {
		in.Category = schema.CategoryOther
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := s.now().UTC()
	task := &schema.Task{
		ID:               in.ID,
		WorkspaceID:      in.WorkspaceID,
		Title:            in.Title,
		Category:         in.Category,
		Status:           schema.TaskStatusQueued,
		RiskLevel:        in.RiskLevel,
		RequiresApproval: in.RequiresApproval,
		ApprovalState:    schema.ApprovalStateNone,
		SummaryForUser:   in.SummaryForUser,
		Details:          in.Details,
		LinkedWorkflowID: in.LinkedWorkflowID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, task.WorkspaceID, task.LinkedWorkflowID, task.ID)
	s.logger.InfoContext(ctx, "task created", "title", task.Title, "category", task.Category)
	s.emit(ctx, task, "task.created/"+task.ID, schema.TaskEventCreated, map[string]any{
		"title":    task.Title,
		"category": task.Category,
		"status":   task.Status,
	})
	return task, nil
}

// Get returns a task with its audit trail.
func (s *Service) Get(ctx context.Context, id string) (*schema.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListTaskEvents(ctx, store.TaskEventFilter{TaskID: id})
	if err != nil {
		return nil, err
	}
	task.AuditTrail = make([]schema.TaskEvent, 0, len(events))
	for _, ev := range events {
		task.AuditTrail = append(task.AuditTrail, *ev)
	}
	return task, nil
}

// List returns tasks matching filter, without audit trails.
func (s *Service) List(ctx context.Context, filter store.TaskFilter) ([]*schema.Task, error) {
	return s.store.ListTasks(ctx, filter)
}

// Update applies u after checking the status transition. A status change
// appends exactly one task.status_changed event.
func (s *Service) Update(ctx context.Context, id string, u Update) (*schema.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	from := task.Status
	changed := false
	if u.Status != nil {
		if err := checkTransition(id, from, *u.Status); err != nil {
			return nil, err
		}
		changed = *u.Status != from
	} else if task.Status.Terminal() && (u.ApprovalState != nil || u.RiskLevel != nil) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "task %s is %s", id, task.Status)
	}
	if u.RiskLevel != nil && !u.RiskLevel.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid risk level %q", *u.RiskLevel)
	}

	if err := s.store.UpdateTask(ctx, id, store.TaskUpdate{
		Status:           u.Status,
		ApprovalState:    u.ApprovalState,
		RiskLevel:        u.RiskLevel,
		RequiresApproval: u.RequiresApproval,
		SummaryForUser:   u.SummaryForUser,
		Details:          u.Details,
		LinkedWorkflowID: u.LinkedWorkflowID,
	}); err != nil {
		return nil, err
	}
	updated, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if changed {
		ctx = logging.WithIDs(ctx, updated.WorkspaceID, updated.LinkedWorkflowID, id)
		s.logger.InfoContext(ctx, "task status changed", "from", from, "to", updated.Status)
		eventID := uuid.NewString()
		if u.EventKey != "" {
			eventID = "task.status_changed/" + id + "/" + u.EventKey
		}
		payload := map[string]any{"from": from, "to": updated.Status}
		if updated.SummaryForUser != "" {
			payload["summary"] = updated.SummaryForUser
		}
		s.emit(ctx, updated, eventID, schema.TaskEventStatusChanged, payload)
	}
	return updated, nil
}

// SetStatus is Update with only a status and summary.
func (s *Service) SetStatus(ctx context.Context, id string, status schema.TaskStatus, summary string) (*schema.Task, error) {
	u := Update{Status: &status}
	if summary != "" {
		u.SummaryForUser = &summary
	}
	return s.Update(ctx, id, u)
}

func (s *Service) emit(ctx context.Context, task *schema.Task, eventID, eventType string, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Emit(ctx, audit.Event{
		EventID:     eventID,
		WorkspaceID: task.WorkspaceID,
		TaskID:      task.ID,
		WorkflowID:  task.LinkedWorkflowID,
		Type:        eventType,
		Payload:     payload,
	})
}
