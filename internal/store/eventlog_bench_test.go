package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/rendis/homeos/pkg/schema"
)

func benchStore(b *testing.B) *LibSQLStore {
	b.Helper()
	s, err := NewLibSQLStore("file:" + b.TempDir() + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	return s
}

func BenchmarkAppendHistory(b *testing.B) {
	s := benchStore(b)
	ctx := context.Background()
	wf := &WorkflowInstance{ID: uuid.NewString(), Type: "bench", WorkspaceID: "ws", Status: schema.WorkflowStatusRunning}
	if err := s.CreateWorkflow(ctx, wf); err != nil {
		b.Fatal(err)
	}
	payload := json.RawMessage(`{"result":{"callId":"c-1","status":"completed"}}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := s.AppendHistory(ctx, &HistoryEvent{WorkflowID: wf.ID, CommandID: int64(i + 1), Type: schema.EventActivityCompleted, Payload: payload}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkReplay(b *testing.B) {
	s := benchStore(b)
	ctx := context.Background()
	wf := &WorkflowInstance{ID: uuid.NewString(), Type: "bench", WorkspaceID: "ws", Status: schema.WorkflowStatusRunning}
	if err := s.CreateWorkflow(ctx, wf); err != nil {
		b.Fatal(err)
	}
	for i := 0; i < 200; i++ {
		if err := s.AppendHistory(ctx, &HistoryEvent{WorkflowID: wf.ID, CommandID: int64(i + 1), Type: schema.EventSideEffect}); err != nil {
			b.Fatal(err)
		}
	}
	el := NewEventLog(s)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := el.Replay(ctx, wf.ID); err != nil {
			b.Fatal(err)
		}
	}
}
