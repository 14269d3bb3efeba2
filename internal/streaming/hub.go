package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// StreamEvent is a live task or workflow event pushed to subscribers.
type StreamEvent struct {
	EventID     string          `json:"eventId"`
	WorkspaceID string          `json:"workspaceId"`
	TaskID      string          `json:"taskId,omitempty"`
	WorkflowID  string          `json:"workflowId,omitempty"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EventFilter selects events for one subscriber. Empty fields match everything.
type EventFilter struct {
	WorkspaceID string   `json:"workspaceId,omitempty"`
	TaskID      string   `json:"taskId,omitempty"`
	WorkflowID  string   `json:"workflowId,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// EventHub provides pub/sub for live events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
