package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/homeos/pkg/schema"
)

// Effect is one side effect performed by a local tool.
type Effect struct {
	ID             string         `json:"id"`
	Tool           string         `json:"tool"`
	WorkspaceID    string         `json:"workspaceId"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	At             time.Time      `json:"at"`
}

// Ledger records local side effects. A repeated idempotency key returns the
// first effect instead of recording a second one.
type Ledger struct {
	mu      sync.Mutex
	now     func() time.Time
	effects []Effect
	byKey   map[string]Effect
}

// NewLedger creates an empty ledger.
func NewLedger(now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{now: now, byKey: make(map[string]Effect)}
}

// Record stores one effect for tool unless call's key was already recorded.
func (l *Ledger) Record(tool string, call Call) (Effect, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := tool + "|" + call.WorkspaceID + "|" + call.IdempotencyKey
	if call.IdempotencyKey != "" {
		if e, ok := l.byKey[key]; ok {
			return e, false
		}
	}
	e := Effect{
		ID:             uuid.NewString(),
		Tool:           tool,
		WorkspaceID:    call.WorkspaceID,
		IdempotencyKey: call.IdempotencyKey,
		Inputs:         call.Inputs,
		At:             l.now().UTC(),
	}
	l.effects = append(l.effects, e)
	if call.IdempotencyKey != "" {
		l.byKey[key] = e
	}
	return e, true
}

// Effects returns the recorded effects of tool, or all when tool is "".
func (l *Ledger) Effects(tool string) []Effect {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Effect
	for _, e := range l.effects {
		if tool == "" || e.Tool == tool {
			out = append(out, e)
		}
	}
	return out
}

const (
	calendarEventSchema = `{
  "type": "object",
  "required": ["title", "start"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "start": {"type": "string", "format": "date-time"},
    "durationMinutes": {"type": "integer", "minimum": 1},
    "location": {"type": "string"}
  }
}`
	messageSchema = `{
  "type": "object",
  "required": ["to", "body"],
  "properties": {
    "to": {"type": "string", "minLength": 1},
    "body": {"type": "string", "minLength": 1, "maxLength": 2000}
  }
}`
	noteSchema = `{
  "type": "object",
  "required": ["text"],
  "properties": {"text": {"type": "string", "minLength": 1}}
}`
	groceryOrderSchema = `{
  "type": "object",
  "required": ["items"],
  "properties": {
    "items": {"type": "array", "minItems": 1, "items": {"type": "string"}},
    "amount": {"type": "number", "minimum": 0}
  }
}`
	calendarReadSchema = `{
  "type": "object",
  "properties": {"day": {"type": "string", "format": "date"}}
}`
)

// LocalTools returns deterministic providers for the household tools, each
// recording its effect in ledger.
func LocalTools(ledger *Ledger) []Tool {
	return []Tool{
		&Func{
			ToolName: "calendar.create_event",
			Contract: Schema{Description: "Create a calendar event.", InputSchema: json.RawMessage(calendarEventSchema), Risk: schema.RiskMedium},
			Fn: func(_ context.Context, call Call) (any, error) {
				e, _ := ledger.Record("calendar.create_event", call)
				return map[string]any{"eventId": e.ID, "title": stringParam(call.Inputs, "title", ""), "start": stringParam(call.Inputs, "start", "")}, nil
			},
		},
		&Func{
			ToolName: "calendar.read",
			Contract: Schema{Description: "List calendar events created so far.", InputSchema: json.RawMessage(calendarReadSchema), Risk: schema.RiskLow},
			Fn: func(_ context.Context, call Call) (any, error) {
				var events []map[string]any
				for _, e := range ledger.Effects("calendar.create_event") {
					if e.WorkspaceID == call.WorkspaceID {
						events = append(events, e.Inputs)
					}
				}
				return map[string]any{"events": events}, nil
			},
		},
		&Func{
			ToolName: "messaging.send",
			Contract: Schema{Description: "Send a text message.", InputSchema: json.RawMessage(messageSchema), Risk: schema.RiskMedium, PIIFields: []string{"to"}},
			Fn: func(_ context.Context, call Call) (any, error) {
				e, _ := ledger.Record("messaging.send", call)
				return map[string]any{"messageId": e.ID, "status": "sent"}, nil
			},
		},
		&Func{
			ToolName: "notes.append",
			Contract: Schema{Description: "Append a household note.", InputSchema: json.RawMessage(noteSchema), Risk: schema.RiskLow},
			Fn: func(_ context.Context, call Call) (any, error) {
				e, _ := ledger.Record("notes.append", call)
				return map[string]any{"noteId": e.ID}, nil
			},
		},
		&Func{
			ToolName: "groceries.order",
			Contract: Schema{Description: "Place a grocery order.", InputSchema: json.RawMessage(groceryOrderSchema), Risk: schema.RiskMedium},
			Fn: func(_ context.Context, call Call) (any, error) {
				e, _ := ledger.Record("groceries.order", call)
				amount := floatParam(call.Inputs, "amount", 0)
				return map[string]any{"orderId": e.ID, "total": amount, "summary": fmt.Sprintf("order %s placed", e.ID[:8])}, nil
			},
		},
	}
}
