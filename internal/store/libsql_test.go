package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/homeos/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewLibSQLStore("file:" + filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedWorkflow(t *testing.T, s *LibSQLStore) *WorkflowInstance {
	t.Helper()
	wf := &WorkflowInstance{
		ID:          uuid.NewString(),
		Type:        string(schema.WorkflowReservationCall),
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		Status:      schema.WorkflowStatusRunning,
		Input:       json.RawMessage(`{"partySize":2}`),
	}
	require.NoError(t, s.CreateWorkflow(context.Background(), wf))
	return wf
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSplitStatements_SkipsComments(t *testing.T) {
	stmts := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- note\nCREATE TABLE b (y INT);\n")
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (x INT)", stmts[0])
}

// --- Workflows ---

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	wf := seedWorkflow(t, s)

	got, err := s.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.Type, got.Type)
	assert.Equal(t, "ws-1", got.WorkspaceID)
	assert.Equal(t, schema.WorkflowStatusRunning, got.Status)
	assert.JSONEq(t, `{"partySize":2}`, string(got.Input))
	assert.Nil(t, got.CompletedAt)
}

func TestCreateWorkflow_DuplicateIsConflict(t *testing.T) {
	s := newTestStore(t)
	wf := seedWorkflow(t, s)
	err := s.CreateWorkflow(context.Background(), &WorkflowInstance{ID: wf.ID, Type: "x", WorkspaceID: "ws", Status: schema.WorkflowStatusPending})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestUpdateAndListWorkflows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedWorkflow(t, s)
	b := seedWorkflow(t, s)

	done := schema.WorkflowStatusCompleted
	now := time.Now().UTC()
	require.NoError(t, s.UpdateWorkflow(ctx, a.ID, WorkflowUpdate{
		Status: &done, Output: json.RawMessage(`{"success":true}`), CompletedAt: &now,
	}))

	got, err := s.GetWorkflow(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, done, got.Status)
	assert.JSONEq(t, `{"success":true}`, string(got.Output))
	require.NotNil(t, got.CompletedAt)

	live, err := s.ListWorkflows(ctx, WorkflowFilter{Statuses: []schema.WorkflowStatus{schema.WorkflowStatusRunning, schema.WorkflowStatusWaiting}})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, b.ID, live[0].ID)

	err = s.UpdateWorkflow(ctx, "missing", WorkflowUpdate{Status: &done})
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

// --- Tasks ---

func newTask(workspace string) *schema.Task {
	return &schema.Task{
		ID:          uuid.NewString(),
		WorkspaceID: workspace,
		Title:       "Reservation: sushi for 2",
		Category:    schema.CategoryTelephony,
		Status:      schema.TaskStatusQueued,
		RiskLevel:   schema.RiskHigh,
		Details:     map[string]any{"partySize": 2},
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newTask("ws-1")
	require.NoError(t, s.CreateTask(ctx, task))

	running := schema.TaskStatusRunning
	pending := schema.ApprovalStatePending
	summary := "Calling Sushi Place"
	require.NoError(t, s.UpdateTask(ctx, task.ID, TaskUpdate{
		Status: &running, ApprovalState: &pending, SummaryForUser: &summary,
		Details: map[string]any{"restaurant": "Sushi Place"},
	}))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, running, got.Status)
	assert.Equal(t, pending, got.ApprovalState)
	assert.Equal(t, summary, got.SummaryForUser)
	assert.Equal(t, "Sushi Place", got.Details["restaurant"])
	assert.EqualValues(t, 2, got.Details["partySize"], "details are merged, not replaced")

	require.NoError(t, s.CreateTask(ctx, newTask("ws-2")))
	list, err := s.ListTasks(ctx, TaskFilter{WorkspaceID: "ws-1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, task.ID, list[0].ID)

	list, err = s.ListTasks(ctx, TaskFilter{Status: &running})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestAppendTaskEvent_DeduplicatesByEventID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := &schema.TaskEvent{EventID: "wf-1/7", TaskID: "task-1", WorkflowID: "wf-1", Type: "reservation.phase", Payload: json.RawMessage(`{"phase":"calling"}`)}
	inserted, err := s.AppendTaskEvent(ctx, "ws-1", ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := *ev
	inserted, err = s.AppendTaskEvent(ctx, "ws-1", &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	_, err = s.AppendTaskEvent(ctx, "ws-1", &schema.TaskEvent{EventID: "wf-1/8", TaskID: "task-1", Type: "reservation.complete"})
	require.NoError(t, err)

	events, err := s.ListTaskEvents(ctx, TaskEventFilter{TaskID: "task-1"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "reservation.phase", events[0].Type)
	assert.JSONEq(t, `{"phase":"calling"}`, string(events[0].Payload))

	events, err = s.ListTaskEvents(ctx, TaskEventFilter{WorkspaceID: "ws-1", Type: "reservation.complete"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// --- Approvals ---

func newApproval(expiresIn time.Duration) *schema.ApprovalRequest {
	id := uuid.NewString()
	exp := time.Now().UTC().Add(expiresIn)
	return &schema.ApprovalRequest{
		EnvelopeID:  id,
		WorkspaceID: "ws-1",
		WorkflowID:  "wf-1",
		SignalName:  schema.SignalApproval,
		UserID:      "user-1",
		Envelope: schema.ActionEnvelope{
			EnvelopeID: id, WorkspaceID: "ws-1", Intent: "call", ToolName: "telephony.placeCall",
			Inputs: json.RawMessage(`{"to":"+15550100"}`), RiskLevel: schema.RiskHigh,
			PIIFields: []string{"to"}, AuditHash: "abc",
		},
		ExpiresAt: &exp,
	}
}

func TestApproval_ResolveExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	req := newApproval(time.Hour)
	require.NoError(t, s.CreateApproval(ctx, req))

	got, err := s.GetApproval(ctx, req.EnvelopeID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalPending, got.Status)
	assert.Equal(t, "telephony.placeCall", got.Envelope.ToolName)
	require.NotNil(t, got.ExpiresAt)

	resp := &schema.ApprovalResponse{EnvelopeID: req.EnvelopeID, Approved: false, DenialReason: "too late", RespondedBy: "user-1"}
	require.NoError(t, s.ResolveApproval(ctx, req.EnvelopeID, schema.ApprovalDenied, resp))

	err = s.ResolveApproval(ctx, req.EnvelopeID, schema.ApprovalApproved, &schema.ApprovalResponse{EnvelopeID: req.EnvelopeID, Approved: true})
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	got, err = s.GetApproval(ctx, req.EnvelopeID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalDenied, got.Status)
	require.NotNil(t, got.Response)
	assert.Equal(t, "too late", got.Response.DenialReason)

	err = s.ResolveApproval(ctx, "missing", schema.ApprovalDenied, nil)
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}

func TestApproval_ListOverdue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	overdue := newApproval(-time.Minute)
	fresh := newApproval(time.Hour)
	require.NoError(t, s.CreateApproval(ctx, overdue))
	require.NoError(t, s.CreateApproval(ctx, fresh))

	list, err := s.ListOverdueApprovals(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, overdue.EnvelopeID, list[0].EnvelopeID)

	pending := schema.ApprovalPending
	all, err := s.ListApprovals(ctx, ApprovalFilter{WorkspaceID: "ws-1", Status: &pending})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// --- Idempotency ---

func TestIdempotency_ClaimOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := &IdempotencyRecord{Key: "booking-ws-1-q2", Scope: "tool", Name: "helpers.book", InputHash: "h1"}

	claimed, err := s.ClaimIdempotency(ctx, rec)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimIdempotency(ctx, &IdempotencyRecord{Key: rec.Key, Scope: "tool", Name: "helpers.book", InputHash: "h1"})
	require.NoError(t, err)
	assert.False(t, claimed)

	require.NoError(t, s.CompleteIdempotency(ctx, rec.Key, IdempotencyCompleted, json.RawMessage(`{"bookingId":"b-1"}`), ""))

	got, err := s.GetIdempotency(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, IdempotencyCompleted, got.Status)
	assert.JSONEq(t, `{"bookingId":"b-1"}`, string(got.Result))
	assert.NotNil(t, got.CompletedAt)
}

func TestIdempotency_ReclaimOnlyFailedOrStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := s.ClaimIdempotency(ctx, &IdempotencyRecord{Key: "live", Scope: "tool", Name: "n", InputHash: "h"})
	require.NoError(t, err)
	ok, err := s.ReclaimIdempotency(ctx, "live", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.ClaimIdempotency(ctx, &IdempotencyRecord{Key: "stale", Scope: "tool", Name: "n", InputHash: "h", CreatedAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	ok, err = s.ReclaimIdempotency(ctx, "stale", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	// The takeover renews the claim, so a second caller loses.
	ok, err = s.ReclaimIdempotency(ctx, "stale", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.ClaimIdempotency(ctx, &IdempotencyRecord{Key: "failed", Scope: "tool", Name: "n", InputHash: "h"})
	require.NoError(t, err)
	require.NoError(t, s.CompleteIdempotency(ctx, "failed", IdempotencyFailed, nil, "boom"))
	ok, err = s.ReclaimIdempotency(ctx, "failed", now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := s.GetIdempotency(ctx, "failed")
	require.NoError(t, err)
	assert.Equal(t, IdempotencyPending, got.Status)
	assert.Empty(t, got.Error)

	require.NoError(t, s.CompleteIdempotency(ctx, "live", IdempotencyCompleted, json.RawMessage(`{}`), ""))
	ok, err = s.ReclaimIdempotency(ctx, "live", now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIdempotency_ReleaseFailsOlderPendingClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boot := time.Now()

	_, err := s.ClaimIdempotency(ctx, &IdempotencyRecord{Key: "old", Scope: "activity", Name: "n", InputHash: "h", CreatedAt: boot.Add(-time.Minute)})
	require.NoError(t, err)
	_, err = s.ClaimIdempotency(ctx, &IdempotencyRecord{Key: "new", Scope: "activity", Name: "n", InputHash: "h", CreatedAt: boot.Add(time.Second)})
	require.NoError(t, err)

	n, err := s.ReleaseIdempotency(ctx, boot)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	old, err := s.GetIdempotency(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, IdempotencyFailed, old.Status)
	fresh, err := s.GetIdempotency(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, IdempotencyPending, fresh.Status)
}

// --- Secrets ---

func TestSecrets_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.StoreSecret(ctx, "approval_signing_key", []byte("v1")))
	require.NoError(t, s.StoreSecret(ctx, "approval_signing_key", []byte("v2")))

	v, err := s.GetSecret(ctx, "approval_signing_key")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), v)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"approval_signing_key"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "approval_signing_key"))
	_, err = s.GetSecret(ctx, "approval_signing_key")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))
}
