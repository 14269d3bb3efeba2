package store

import (
	"context"
	"fmt"

	"github.com/rendis/homeos/pkg/schema"
)

// EventLog reads a workflow's history for replay and indexes command results.
type EventLog struct {
	store HistoryStore
}

// NewEventLog wraps a HistoryStore.
func NewEventLog(s HistoryStore) *EventLog {
	return &EventLog{store: s}
}

// Replay loads the full history of a workflow, rejecting sequence gaps.
func (el *EventLog) Replay(ctx context.Context, workflowID string) (*Replay, error) {
	events, err := el.store.GetHistory(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("get history for replay: %w", err)
	}
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow %s: expected %d, got %d", workflowID, want, e.Sequence)
		}
	}

	r := &Replay{Events: events, commands: make(map[int64][]*HistoryEvent)}
	for _, e := range events {
		if e.CommandID > 0 {
			r.commands[e.CommandID] = append(r.commands[e.CommandID], e)
		}
		if e.CommandID > r.MaxCommandID {
			r.MaxCommandID = e.CommandID
		}
	}
	return r, nil
}

// Replay is a validated history with command results indexed by command id.
type Replay struct {
	Events       []*HistoryEvent
	MaxCommandID int64
	commands     map[int64][]*HistoryEvent
}

// Command returns the events recorded for a command id, in sequence order.
func (r *Replay) Command(id int64) []*HistoryEvent {
	return r.commands[id]
}

// Find returns the first event of the given type recorded for a command id.
func (r *Replay) Find(id int64, eventType string) *HistoryEvent {
	for _, e := range r.commands[id] {
		if e.Type == eventType {
			return e
		}
	}
	return nil
}
