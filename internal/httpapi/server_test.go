package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/homeos/internal/approval"
	"github.com/rendis/homeos/internal/audit"
	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/logging"
	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/internal/streaming"
	"github.com/rendis/homeos/internal/tasks"
	"github.com/rendis/homeos/internal/validation"
	"github.com/rendis/homeos/internal/workflows"
	"github.com/rendis/homeos/pkg/schema"
)

const serviceToken = "svc-token"

var signingSecret = []byte("0123456789abcdef0123456789abcdef")

type signalCall struct {
	workflowID string
	name       string
	payload    any
}

// fakeWorkflows stands in for the runtime: it starts, signals and cancels
// instances held in memory.
type fakeWorkflows struct {
	mu        sync.Mutex
	instances map[string]*store.WorkflowInstance
	signals   []signalCall
	signalErr error
}

func (f *fakeWorkflows) Start(_ context.Context, req engine.StartRequest) (*store.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf := &store.WorkflowInstance{ID: req.ID, Type: req.Type, WorkspaceID: req.WorkspaceID, TaskID: req.TaskID, Status: schema.WorkflowStatusRunning}
	f.instances[req.ID] = wf
	return wf, nil
}

func (f *fakeWorkflows) Status(_ context.Context, id string) (*store.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.instances[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	return wf, nil
}

func (f *fakeWorkflows) Signal(_ context.Context, id, name string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signalErr != nil {
		return f.signalErr
	}
	f.signals = append(f.signals, signalCall{id, name, payload})
	return nil
}

func (f *fakeWorkflows) Cancel(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.instances[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	wf.Status = schema.WorkflowStatusCancelled
	return nil
}

func (f *fakeWorkflows) recorded() []signalCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signalCall(nil), f.signals...)
}

type fixture struct {
	srv       *httptest.Server
	approvals *approval.Service
	wf        *fakeWorkflows
	hub       *streaming.MemoryHub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "http.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	hub := streaming.NewMemoryHub()
	events := audit.NewEmitter(audit.WithStore(st), audit.WithHub(hub), audit.WithLogger(logging.Discard()))
	wf := &fakeWorkflows{instances: map[string]*store.WorkflowInstance{}}

	signer, err := approval.NewSigner(signingSecret)
	require.NoError(t, err)
	approvals := approval.NewService(st, signer, wf, events, approval.WithServiceLogger(logging.Discard()))
	taskSvc := tasks.NewService(st, events, tasks.WithLogger(logging.Discard()))
	validator, err := validation.New()
	require.NoError(t, err)

	s := New(Deps{
		Approvals:    approvals,
		Workflows:    wf,
		Launcher:     workflows.NewLauncher(taskSvc, wf, logging.Discard()),
		Tasks:        taskSvc,
		Events:       events,
		Hub:          hub,
		Validator:    validator,
		Logger:       logging.Discard(),
		ServiceToken: serviceToken,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, approvals: approvals, wf: wf, hub: hub}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func internal() map[string]string {
	return map[string]string{audit.ServiceTokenHeader: serviceToken}
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var e struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(body, &e), string(body))
	assert.NotEmpty(t, e.Error)
	return e.Code
}

func sealedEnvelope(t *testing.T) *schema.ActionEnvelope {
	t.Helper()
	env, err := approval.CreateEnvelope(approval.CreateEnvelopeInput{
		WorkspaceID: "ws-1",
		Intent:      "Call Trattoria Uno to book a table for 2",
		ToolName:    "telephony.place_call",
		Inputs:      map[string]any{"phoneNumber": "+15550001", "partySize": 2},
		RiskLevel:   schema.RiskHigh,
		PIIFields:   []string{"phoneNumber"},
	}, time.Now())
	require.NoError(t, err)
	return env
}

func (f *fixture) pending(t *testing.T) *schema.ApprovalRequest {
	t.Helper()
	req, err := f.approvals.RequestApproval(context.Background(), approval.RequestInput{
		Envelope: *sealedEnvelope(t), UserID: "user-1", TaskID: "task-1", WorkflowID: "wf-1",
	})
	require.NoError(t, err)
	return req
}

func TestInternalRoutes_RequireServiceToken(t *testing.T) {
	f := newFixture(t)
	ev := map[string]any{"workspaceId": "ws-1", "type": "chat.phase"}

	for _, headers := range []map[string]string{nil, {audit.ServiceTokenHeader: "wrong"}} {
		resp, body := f.do(t, http.MethodPost, "/internal/events", ev, headers)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, schema.ErrCodePermissionDenied, errorCode(t, body))
	}

	resp, body := f.do(t, http.MethodPost, "/internal/events", ev, internal())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"success":true}`, string(body))
}

func TestRequestApproval_ValidatesBodyAndPersists(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/internal/approvals", map[string]any{"userId": "user-1"}, internal())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, body))

	env := sealedEnvelope(t)
	resp, body = f.do(t, http.MethodPost, "/internal/approvals", approval.RequestInput{
		Envelope: *env, UserID: "user-1", TaskID: "task-1", WorkflowID: "wf-1",
	}, internal())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created schema.ApprovalRequest
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, env.EnvelopeID, created.EnvelopeID)
	assert.Equal(t, schema.ApprovalPending, created.Status)

	resp, body = f.do(t, http.MethodGet, "/api/approvals?workspaceId=ws-1", nil, internal())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []schema.ApprovalRequest
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)

	resp, _ = f.do(t, http.MethodGet, "/api/approvals/"+env.EnvelopeID, nil, internal())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = f.do(t, http.MethodGet, "/api/approvals/missing", nil, internal())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(t, body))
}

func TestRequestApproval_RejectsTamperedEnvelope(t *testing.T) {
	f := newFixture(t)
	env := sealedEnvelope(t)
	env.Intent = "Call Trattoria Uno to book a table for 20"

	resp, body := f.do(t, http.MethodPost, "/internal/approvals", approval.RequestInput{
		Envelope: *env, UserID: "user-1", WorkflowID: "wf-1",
	}, internal())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeHashMismatch, errorCode(t, body))
}

func TestApprove_ReturnsVerifiableTokenAndSignalsOnce(t *testing.T) {
	f := newFixture(t)
	req := f.pending(t)

	resp, body := f.do(t, http.MethodPost, "/api/approvals/"+req.EnvelopeID+"/approve", map[string]string{"userId": "user-1"}, internal())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var decision schema.ApprovalResponse
	require.NoError(t, json.Unmarshal(body, &decision))
	assert.True(t, decision.Approved)
	require.NotEmpty(t, decision.Token)

	payload, err := f.approvals.Signer().Verify(decision.Token, req.EnvelopeID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", payload.UserID)

	signals := f.wf.recorded()
	require.Len(t, signals, 1)
	assert.Equal(t, "wf-1", signals[0].workflowID)
	assert.Equal(t, schema.SignalApproval, signals[0].name)

	resp, body = f.do(t, http.MethodPost, "/api/approvals/"+req.EnvelopeID+"/deny", map[string]string{"userId": "user-1"}, internal())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeConflict, errorCode(t, body))
	assert.Len(t, f.wf.recorded(), 1)
}

func TestAPI_RequiresServiceToken(t *testing.T) {
	f := newFixture(t)
	req := f.pending(t)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/approvals?workspaceId=ws-1"},
		{http.MethodPost, "/api/approvals/" + req.EnvelopeID + "/approve"},
		{http.MethodPost, "/api/approvals/" + req.EnvelopeID + "/deny"},
		{http.MethodPost, "/api/approvals/" + req.EnvelopeID + "/redeliver"},
		{http.MethodPost, "/api/workflows"},
		{http.MethodPost, "/api/workflows/wf-9/signals/candidateSelection"},
		{http.MethodPost, "/api/workflows/wf-9/cancel"},
		{http.MethodGet, "/api/tasks?workspaceId=ws-1"},
		{http.MethodGet, "/api/events/stream?workspaceId=ws-1"},
	}
	for _, rt := range routes {
		for _, headers := range []map[string]string{nil, {audit.ServiceTokenHeader: "wrong"}} {
			resp, body := f.do(t, rt.method, rt.path, map[string]string{"userId": "user-1"}, headers)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, rt.method+" "+rt.path)
			assert.Equal(t, schema.ErrCodePermissionDenied, errorCode(t, body))
		}
	}

	got, err := f.approvals.Get(context.Background(), req.EnvelopeID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalPending, got.Status)
	assert.Empty(t, f.wf.signals)
}

func TestApprove_RejectsOtherResponder(t *testing.T) {
	f := newFixture(t)
	req := f.pending(t)

	resp, body := f.do(t, http.MethodPost, "/api/approvals/"+req.EnvelopeID+"/approve", map[string]string{"userId": "user-2"}, internal())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, schema.ErrCodePermissionDenied, errorCode(t, body))

	got, err := f.approvals.Get(context.Background(), req.EnvelopeID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalPending, got.Status)
}

func TestDeny_RequiresUserAndRecordsReason(t *testing.T) {
	f := newFixture(t)
	req := f.pending(t)
	path := "/api/approvals/" + req.EnvelopeID + "/deny"

	resp, body := f.do(t, http.MethodPost, path, map[string]string{"reason": "too late"}, internal())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, body))

	resp, body = f.do(t, http.MethodPost, path, map[string]string{"userId": "user-1", "reason": "too late"}, internal())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var decision schema.ApprovalResponse
	require.NoError(t, json.Unmarshal(body, &decision))
	assert.False(t, decision.Approved)
	assert.Empty(t, decision.Token)
	assert.Equal(t, "too late", decision.DenialReason)
}

func TestApprove_UndeliveredDecisionIsAccepted(t *testing.T) {
	f := newFixture(t)
	req := f.pending(t)
	f.wf.signalErr = errors.New("worker offline")

	resp, body := f.do(t, http.MethodPost, "/api/approvals/"+req.EnvelopeID+"/approve", map[string]string{"userId": "user-1"}, internal())
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	got, err := f.approvals.Get(context.Background(), req.EnvelopeID)
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalApproved, got.Status)
	assert.Empty(t, f.wf.recorded())

	f.wf.mu.Lock()
	f.wf.signalErr = nil
	f.wf.mu.Unlock()
	resp, body = f.do(t, http.MethodPost, "/api/approvals/"+req.EnvelopeID+"/redeliver", nil, internal())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"delivered":true}`, string(body))

	signals := f.wf.recorded()
	require.Len(t, signals, 1)
	assert.Equal(t, schema.SignalApproval, signals[0].name)
}

func TestRedeliver_WithoutDecisionConflicts(t *testing.T) {
	f := newFixture(t)
	req := f.pending(t)

	resp, body := f.do(t, http.MethodPost, "/api/approvals/"+req.EnvelopeID+"/redeliver", nil, internal())
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
}

func TestStartWorkflow_CreatesLinkedTask(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/workflows", map[string]any{
		"type":        schema.WorkflowReservationCall,
		"workspaceId": "ws-1",
		"userId":      "user-1",
		"input":       map[string]any{"restaurantType": "italian", "partySize": 2},
	}, internal())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var launched workflows.Launched
	require.NoError(t, json.Unmarshal(body, &launched))
	assert.Equal(t, launched.Workflow.ID, launched.Task.LinkedWorkflowID)
	assert.Equal(t, schema.TaskStatusRunning, launched.Task.Status)

	resp, body = f.do(t, http.MethodGet, "/api/tasks?workspaceId=ws-1&status=running", nil, internal())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []schema.Task
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, launched.Task.ID, list[0].ID)

	resp, _ = f.do(t, http.MethodGet, "/api/tasks/"+launched.Task.ID, nil, internal())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/workflows/"+launched.Workflow.ID, nil, internal())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/workflows", map[string]any{"type": "Nope", "workspaceId": "ws-1"}, internal())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, body))
}

func TestSignalAndCancel(t *testing.T) {
	f := newFixture(t)
	f.wf.instances["wf-9"] = &store.WorkflowInstance{ID: "wf-9", Status: schema.WorkflowStatusRunning}

	resp, body := f.do(t, http.MethodPost, "/api/workflows/wf-9/signals/teleport", `{}`, internal())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, body))

	resp, _ = f.do(t, http.MethodPost, "/api/workflows/wf-9/signals/candidateSelection", `not json`, internal())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/workflows/wf-9/signals/candidateSelection", `{"selectedCandidateId":"r1"}`, internal())
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	signals := f.wf.recorded()
	require.Len(t, signals, 1)
	assert.Equal(t, schema.SignalCandidateSelection, signals[0].name)
	assert.JSONEq(t, `{"selectedCandidateId":"r1"}`, string(signals[0].payload.(json.RawMessage)))

	resp, _ = f.do(t, http.MethodPost, "/api/workflows/wf-9/cancel", map[string]string{"reason": "changed my mind"}, internal())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, schema.WorkflowStatusCancelled, f.wf.instances["wf-9"].Status)

	resp, body = f.do(t, http.MethodPost, "/api/workflows/missing/cancel", nil, internal())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeNotFound, errorCode(t, body))
}

func TestEventStream_DeliversPostedEvents(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/events/stream", nil, internal())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeValidation, errorCode(t, body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/api/events/stream?workspaceId=ws-1", nil)
	require.NoError(t, err)
	req.Header.Set(audit.ServiceTokenHeader, serviceToken)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))
	require.Equal(t, 1, f.hub.Subscribers())

	resp, _ = f.do(t, http.MethodPost, "/internal/events", map[string]any{
		"workspaceId": "ws-2", "type": "chat.phase",
	}, internal())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/internal/events", map[string]any{
		"eventId": "ev-1", "workspaceId": "ws-1", "workflowId": "wf-1", "type": "reservation.phase",
		"payload": map[string]string{"phase": "calling"},
	}, internal())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(stream.Body)
	var data string
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	require.NotEmpty(t, data)
	var ev streaming.StreamEvent
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "ev-1", ev.EventID)
	assert.Equal(t, "reservation.phase", ev.Type)
	assert.JSONEq(t, `{"phase":"calling"}`, string(ev.Payload))
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestHealthz_ReportsPool(t *testing.T) {
	pool := engine.NewWorkerPool(2)
	t.Cleanup(pool.Shutdown)
	require.NoError(t, pool.Do(context.Background(), func(context.Context) error { return nil }))

	s := New(Deps{Pool: pool})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","pool":{"active":0,"completed":1,"failed":0,"panics":0}}`, rec.Body.String())
}
