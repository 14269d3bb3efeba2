package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	workflowIDKey ctxKey = iota
	taskIDKey
	workspaceIDKey
	activityKey
)

// correlationAttrs lists the context keys copied onto every record, in output order.
var correlationAttrs = []struct {
	key  ctxKey
	attr string
}{
	{workspaceIDKey, "workspace_id"},
	{workflowIDKey, "workflow_id"},
	{taskIDKey, "task_id"},
	{activityKey, "activity"},
}

// WithWorkflowID returns a context with the workflow instance ID set.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WithTaskID returns a context with the task ID set.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// WithWorkspaceID returns a context with the workspace ID set.
func WithWorkspaceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workspaceIDKey, id)
}

// WithActivity returns a context tagged with the running activity name.
func WithActivity(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, activityKey, name)
}

// WorkflowID extracts the workflow ID from the context, or "" if absent.
func WorkflowID(ctx context.Context) string { return str(ctx, workflowIDKey) }

// TaskID extracts the task ID from the context, or "" if absent.
func TaskID(ctx context.Context) string { return str(ctx, taskIDKey) }

// WorkspaceID extracts the workspace ID from the context, or "" if absent.
func WorkspaceID(ctx context.Context) string { return str(ctx, workspaceIDKey) }

// Activity extracts the activity name from the context, or "" if absent.
func Activity(ctx context.Context) string { return str(ctx, activityKey) }

func str(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithIDs sets the workspace, workflow and task IDs at once. Empty values are skipped.
func WithIDs(ctx context.Context, workspaceID, workflowID, taskID string) context.Context {
	if workspaceID != "" {
		ctx = WithWorkspaceID(ctx, workspaceID)
	}
	if workflowID != "" {
		ctx = WithWorkflowID(ctx, workflowID)
	}
	if taskID != "" {
		ctx = WithTaskID(ctx, taskID)
	}
	return ctx
}

// LogWith returns a logger enriched with correlation IDs from the context.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, c := range correlationAttrs {
		if v := str(ctx, c.key); v != "" {
			logger = logger.With(slog.String(c.attr, v))
		}
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and injects correlation IDs from
// the context into every record, so logger.InfoContext(ctx, ...) is enough.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, c := range correlationAttrs {
		if v := str(ctx, c.key); v != "" {
			r.AddAttrs(slog.String(c.attr, v))
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
