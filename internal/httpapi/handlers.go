package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/homeos/internal/approval"
	"github.com/rendis/homeos/internal/audit"
	"github.com/rendis/homeos/internal/logging"
	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/internal/validation"
	"github.com/rendis/homeos/internal/workflows"
	"github.com/rendis/homeos/pkg/schema"
)

var knownSignals = map[string]bool{
	schema.SignalApproval:           true,
	schema.SignalCandidateSelection: true,
	schema.SignalListingApproval:    true,
	schema.SignalBuyerMessage:       true,
}

// validated reads the body and checks it against a built-in request schema.
func (s *Server) validated(r *http.Request, name string, v any) error {
	data, err := readBody(r)
	if err != nil {
		return err
	}
	if s.deps.Validator != nil {
		if err := s.deps.Validator.ValidateRequest(name, data); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON: %v", err)
	}
	return nil
}

func (s *Server) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	var in approval.RequestInput
	if err := s.validated(r, validation.SchemaApprovalRequest, &in); err != nil {
		writeError(w, err)
		return
	}
	req, err := s.deps.Approvals.RequestApproval(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev audit.Event
	if err := s.validated(r, validation.SchemaEventRequest, &ev); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Events.Emit(r.Context(), ev)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Approvals.ListPending(r.Context(), r.URL.Query().Get("workspaceId"))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*schema.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Approvals.Get(r.Context(), chi.URLParam(r, "envelopeId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decisionBody struct {
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var body decisionBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.UserID == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "userId is required"))
		return
	}
	resp, err := s.deps.Approvals.Approve(r.Context(), chi.URLParam(r, "envelopeId"), body.UserID)
	s.writeDecision(w, r, resp, err)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	var body decisionBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.UserID == "" {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "userId is required"))
		return
	}
	resp, err := s.deps.Approvals.Deny(r.Context(), chi.URLParam(r, "envelopeId"), body.UserID, body.Reason)
	s.writeDecision(w, r, resp, err)
}

// handleRedeliver re-sends a decision that was recorded but never reached its
// workflow.
func (s *Server) handleRedeliver(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Approvals.Redeliver(r.Context(), chi.URLParam(r, "envelopeId")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": true})
}

// writeDecision answers 200 with the recorded decision, or 202 when the
// decision was recorded but the waiting workflow has not been signalled yet.
func (s *Server) writeDecision(w http.ResponseWriter, r *http.Request, resp *schema.ApprovalResponse, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case resp != nil && schema.HasCode(err, schema.ErrCodeSignalFailed):
		s.deps.Logger.WarnContext(r.Context(), "decision recorded but not delivered", "envelope_id", resp.EnvelopeID, "error", err)
		writeJSON(w, http.StatusAccepted, resp)
	default:
		writeError(w, err)
	}
}

type startBody struct {
	Type        schema.WorkflowType `json:"type"`
	WorkspaceID string              `json:"workspaceId"`
	UserID      string              `json:"userId"`
	Input       json.RawMessage     `json:"input"`
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	var body startBody
	if err := s.validated(r, validation.SchemaStartWorkflow, &body); err != nil {
		writeError(w, err)
		return
	}
	launched, err := s.deps.Launcher.Launch(r.Context(), workflows.LaunchRequest{
		Type:        body.Type,
		WorkspaceID: body.WorkspaceID,
		UserID:      body.UserID,
		Input:       body.Input,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, launched)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.deps.Workflows.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	id, name := chi.URLParam(r, "id"), chi.URLParam(r, "name")
	if !knownSignals[name] {
		writeError(w, schema.NewErrorf(schema.ErrCodeValidation, "unknown signal %q", name))
		return
	}
	data, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(data) == 0 || !json.Valid(data) {
		writeError(w, schema.NewError(schema.ErrCodeValidation, "signal payload must be a JSON document"))
		return
	}
	ctx := logging.WithWorkflowID(r.Context(), id)
	if err := s.deps.Workflows.Signal(ctx, id, name, json.RawMessage(data)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"workflowId": id, "signal": name})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Workflows.Cancel(r.Context(), id, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workflowId": id, "status": string(schema.WorkflowStatusCancelled)})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TaskFilter{WorkspaceID: q.Get("workspaceId"), Limit: queryInt(r, "limit", 50)}
	if st := q.Get("status"); st != "" {
		status := schema.TaskStatus(st)
		filter.Status = &status
	}
	list, err := s.deps.Tasks.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*schema.Task{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.deps.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}
