package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/internal/streaming"
	"github.com/rendis/homeos/pkg/schema"
)

type mockTaskStore struct {
	store.TaskStore
	mu     sync.Mutex
	seen   map[string]bool
	events []*schema.TaskEvent
	err    error
}

func newMockTaskStore() *mockTaskStore { return &mockTaskStore{seen: map[string]bool{}} }

func (m *mockTaskStore) AppendTaskEvent(_ context.Context, _ string, ev *schema.TaskEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.seen[ev.EventID] {
		return false, nil
	}
	m.seen[ev.EventID] = true
	m.events = append(m.events, ev)
	return true, nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestEmit_StoresAndPublishes(t *testing.T) {
	ts := newMockTaskStore()
	hub := streaming.NewMemoryHub()
	ch, cancel, err := hub.Subscribe(context.Background(), streaming.EventFilter{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	defer cancel()

	e := NewEmitter(WithStore(ts), WithHub(hub), WithLogger(quietLogger()))
	e.Emit(context.Background(), Event{
		EventID: "wf-1/4", WorkspaceID: "ws-1", TaskID: "t-1", WorkflowID: "wf-1",
		Type: "helpers.quote", Payload: map[string]any{"price": 65},
	})

	require.Len(t, ts.events, 1)
	assert.Equal(t, "helpers.quote", ts.events[0].Type)
	assert.JSONEq(t, `{"price":65}`, string(ts.events[0].Payload))
	assert.False(t, ts.events[0].Timestamp.IsZero())

	select {
	case ev := <-ch:
		assert.Equal(t, "wf-1/4", ev.EventID)
	case <-time.After(time.Second):
		t.Fatal("no live event")
	}
}

func TestEmit_DuplicateEventIDIsNoOp(t *testing.T) {
	ts := newMockTaskStore()
	hub := streaming.NewMemoryHub()
	ch, cancel, _ := hub.Subscribe(context.Background(), streaming.EventFilter{})
	defer cancel()

	e := NewEmitter(WithStore(ts), WithHub(hub), WithLogger(quietLogger()))
	ev := Event{EventID: "wf-1/9", WorkspaceID: "ws-1", Type: "reservation.complete"}
	e.Emit(context.Background(), ev)
	e.Emit(context.Background(), ev)

	assert.Len(t, ts.events, 1)
	assert.Len(t, ch, 1)
}

func TestEmit_StoreFailureIsSwallowed(t *testing.T) {
	ts := newMockTaskStore()
	ts.err = errors.New("disk full")
	hub := streaming.NewMemoryHub()
	ch, cancel, _ := hub.Subscribe(context.Background(), streaming.EventFilter{})
	defer cancel()

	e := NewEmitter(WithStore(ts), WithHub(hub), WithLogger(quietLogger()))
	assert.NotPanics(t, func() {
		e.Emit(context.Background(), Event{WorkspaceID: "ws-1", Type: "chat.phase"})
	})
	assert.Len(t, ch, 1, "live delivery continues when the store fails")
}

func TestEmit_UnserializablePayload(t *testing.T) {
	ts := newMockTaskStore()
	e := NewEmitter(WithStore(ts), WithLogger(quietLogger()))
	e.Emit(context.Background(), Event{WorkspaceID: "ws-1", Type: "x", Payload: map[string]any{"ch": make(chan int)}})
	require.Len(t, ts.events, 1)
	assert.Nil(t, ts.events[0].Payload)
	assert.NotEmpty(t, ts.events[0].EventID)
}

func TestHTTPSink(t *testing.T) {
	var got Event
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/events", r.URL.Path)
		token = r.Header.Get(ServiceTokenHeader)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPSink(srv.URL+"/", "secret-token", time.Second)
	err := sink.Send(context.Background(), Event{
		WorkspaceID: "ws-1", Type: "marketplace.listed",
		Notification: &Notification{Title: "Listed", Body: "Your couch is live", Priority: "normal"},
	})
	require.NoError(t, err)
	assert.Equal(t, "secret-token", token)
	assert.Equal(t, "marketplace.listed", got.Type)
	require.NotNil(t, got.Notification)
	assert.Equal(t, "Listed", got.Notification.Title)
}

func TestHTTPSink_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewHTTPSink(srv.URL, "bad", time.Second).Send(context.Background(), Event{Type: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestEmit_SinkFailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewEmitter(WithSink(NewHTTPSink(srv.URL, "t", time.Second)), WithLogger(quietLogger()))
	assert.NotPanics(t, func() {
		e.Emit(context.Background(), Event{WorkspaceID: "ws-1", Type: "x"})
	})
}
