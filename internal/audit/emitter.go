// Package audit records task events. Emission is best effort: failures are
// logged and never surface to the caller.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/homeos/internal/logging"
	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/internal/streaming"
	"github.com/rendis/homeos/pkg/schema"
)

// Notification is an optional user-facing hint attached to an event.
type Notification struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Priority string `json:"priority,omitempty"` // low | normal | high
}

// Event is one audit entry.
type Event struct {
	EventID      string        `json:"eventId,omitempty"`
	WorkspaceID  string        `json:"workspaceId"`
	TaskID       string        `json:"taskId,omitempty"`
	WorkflowID   string        `json:"workflowId,omitempty"`
	Type         string        `json:"type"`
	Payload      any           `json:"payload,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	Timestamp    time.Time     `json:"timestamp,omitempty"`
}

// Sink forwards events to a remote collector.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// Emitter fans one event out to the audit store, the live hub and an optional sink.
type Emitter struct {
	tasks  store.TaskStore
	hub    streaming.EventHub
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithStore persists events to the task audit trail.
func WithStore(s store.TaskStore) Option { return func(e *Emitter) { e.tasks = s } }

// WithHub publishes events to live subscribers.
func WithHub(h streaming.EventHub) Option { return func(e *Emitter) { e.hub = h } }

// WithSink forwards events to a remote collector.
func WithSink(s Sink) Option { return func(e *Emitter) { e.sink = s } }

// WithLogger sets the logger used to report delivery failures.
func WithLogger(l *slog.Logger) Option { return func(e *Emitter) { e.logger = l } }

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(e *Emitter) { e.now = now } }

// NewEmitter builds an Emitter. With no options it only logs.
func NewEmitter(opts ...Option) *Emitter {
	e := &Emitter{logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Emit records ev. Re-emitting an EventID already stored is a no-op for every target.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now().UTC()
	}
	ctx = logging.WithIDs(ctx, ev.WorkspaceID, ev.WorkflowID, ev.TaskID)

	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		e.logger.WarnContext(ctx, "audit payload not serializable", "type", ev.Type, "error", err)
		payload = nil
	}

	if e.tasks != nil {
		inserted, err := e.tasks.AppendTaskEvent(ctx, ev.WorkspaceID, &schema.TaskEvent{
			EventID:    ev.EventID,
			TaskID:     ev.TaskID,
			WorkflowID: ev.WorkflowID,
			Type:       ev.Type,
			Payload:    payload,
			Timestamp:  ev.Timestamp,
		})
		if err != nil {
			e.logger.WarnContext(ctx, "audit store append failed", "type", ev.Type, "error", err)
		} else if !inserted {
			e.logger.DebugContext(ctx, "audit event already recorded", "event_id", ev.EventID)
			return
		}
	}

	if e.hub != nil {
		if err := e.hub.Publish(ctx, streaming.StreamEvent{
			EventID:     ev.EventID,
			WorkspaceID: ev.WorkspaceID,
			TaskID:      ev.TaskID,
			WorkflowID:  ev.WorkflowID,
			Type:        ev.Type,
			Payload:     payload,
			Timestamp:   ev.Timestamp,
		}); err != nil {
			e.logger.WarnContext(ctx, "audit publish failed", "type", ev.Type, "error", err)
		}
	}

	if e.sink != nil {
		if err := e.sink.Send(ctx, ev); err != nil {
			e.logger.WarnContext(ctx, "audit sink delivery failed", "type", ev.Type, "error", err)
		}
	}
}

func marshalPayload(p any) (json.RawMessage, error) {
	switch v := p.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	return json.Marshal(p)
}
