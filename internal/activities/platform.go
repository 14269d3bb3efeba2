package activities

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/homeos/internal/approval"
	"github.com/rendis/homeos/internal/audit"
	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/tasks"
	"github.com/rendis/homeos/pkg/schema"
)

// EmitEventInput is one audit event requested by a workflow.
type EmitEventInput struct {
	// EventID overrides the id derived from the command key.
	EventID      string              `json:"eventId,omitempty"`
	WorkspaceID  string              `json:"workspaceId"`
	TaskID       string              `json:"taskId,omitempty"`
	WorkflowID   string              `json:"workflowId,omitempty"`
	Type         string              `json:"type"`
	Payload      any                 `json:"payload,omitempty"`
	Notification *audit.Notification `json:"notification,omitempty"`
}

// UpdateTaskInput changes the task linked to the running workflow.
type UpdateTaskInput struct {
	TaskID string `json:"taskId,omitempty"`
	tasks.Update
}

// RequestApprovalInput proposes a gated side effect.
type RequestApprovalInput struct {
	WorkspaceID     string           `json:"workspaceId"`
	UserID          string           `json:"userId"`
	TaskID          string           `json:"taskId,omitempty"`
	Intent          string           `json:"intent"`
	ToolName        string           `json:"toolName"`
	Inputs          any              `json:"inputs"`
	ExpectedOutputs any              `json:"expectedOutputs,omitempty"`
	RiskLevel       schema.RiskLevel `json:"riskLevel"`
	PIIFields       []string         `json:"piiFields,omitempty"`
	RollbackPlan    string           `json:"rollbackPlan,omitempty"`
	TimeoutSeconds  int              `json:"timeoutSeconds,omitempty"`
}

// RequestApprovalResult identifies the pending request.
type RequestApprovalResult struct {
	EnvelopeID  string     `json:"envelopeId"`
	AuditHash   string     `json:"auditHash"`
	RequestedAt time.Time  `json:"requestedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
}

// VerifyTokenInput is a token delivered with an approval signal.
type VerifyTokenInput struct {
	EnvelopeID string `json:"envelopeId"`
	Token      string `json:"token"`
}

// VerifyTokenResult is the outcome of token verification. An invalid token
// is a result, not an error.
type VerifyTokenResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// Empty is the result of activities that return nothing.
type Empty struct{}

func (s *Set) emitTaskEvent(ctx context.Context, in EmitEventInput) (Empty, error) {
	if s.cfg.Events == nil {
		return Empty{}, nil
	}
	info, _ := engine.ActivityInfoFrom(ctx)
	ev := audit.Event{
		EventID:      in.EventID,
		WorkspaceID:  in.WorkspaceID,
		TaskID:       in.TaskID,
		WorkflowID:   in.WorkflowID,
		Type:         in.Type,
		Payload:      in.Payload,
		Notification: in.Notification,
	}
	if ev.EventID == "" {
		ev.EventID = info.CommandKey
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.WorkspaceID == "" {
		ev.WorkspaceID = info.WorkspaceID
	}
	if ev.TaskID == "" {
		ev.TaskID = info.TaskID
	}
	if ev.WorkflowID == "" {
		ev.WorkflowID = info.WorkflowID
	}
	s.cfg.Events.Emit(ctx, ev)
	return Empty{}, nil
}

func (s *Set) updateTask(ctx context.Context, in UpdateTaskInput) (Empty, error) {
	info, _ := engine.ActivityInfoFrom(ctx)
	id := in.TaskID
	if id == "" {
		id = info.TaskID
	}
	if id == "" || s.cfg.Tasks == nil {
		return Empty{}, nil
	}
	u := in.Update
	if u.EventKey == "" {
		u.EventKey = info.CommandKey
	}
	_, err := s.cfg.Tasks.Update(ctx, id, u)
	return Empty{}, err
}

// envelopeID derives a stable envelope id from the command that requests it,
// so a retried or replayed request seals the same envelope.
func envelopeID(commandKey string) string {
	if commandKey == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("homeos:envelope:"+commandKey)).String()
}

func (s *Set) requestApproval(ctx context.Context, in RequestApprovalInput) (RequestApprovalResult, error) {
	if s.cfg.Surface == nil {
		return RequestApprovalResult{}, schema.NewError(schema.ErrCodeNonRetryable, "no approval surface configured")
	}
	info, _ := engine.ActivityInfoFrom(ctx)
	now := s.cfg.Now().UTC()
	env, err := approval.CreateEnvelope(approval.CreateEnvelopeInput{
		EnvelopeID:      envelopeID(info.CommandKey),
		WorkspaceID:     in.WorkspaceID,
		Intent:          in.Intent,
		ToolName:        in.ToolName,
		Inputs:          in.Inputs,
		ExpectedOutputs: in.ExpectedOutputs,
		RiskLevel:       in.RiskLevel,
		PIIFields:       in.PIIFields,
		RollbackPlan:    in.RollbackPlan,
	}, now)
	if err != nil {
		return RequestApprovalResult{}, err
	}

	var expiresAt *time.Time
	if in.TimeoutSeconds > 0 {
		t := now.Add(time.Duration(in.TimeoutSeconds) * time.Second)
		expiresAt = &t
	}
	taskID := in.TaskID
	if taskID == "" {
		taskID = info.TaskID
	}
	req, err := s.cfg.Surface.RequestApproval(ctx, approval.RequestInput{
		Envelope:   *env,
		UserID:     in.UserID,
		TaskID:     taskID,
		WorkflowID: info.WorkflowID,
		SignalName: schema.SignalApproval,
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		return RequestApprovalResult{}, err
	}
	return RequestApprovalResult{
		EnvelopeID:  req.EnvelopeID,
		AuditHash:   req.Envelope.AuditHash,
		RequestedAt: req.RequestedAt,
		ExpiresAt:   req.ExpiresAt,
	}, nil
}

func (s *Set) verifyApprovalToken(_ context.Context, in VerifyTokenInput) (VerifyTokenResult, error) {
	if s.cfg.Signer == nil {
		return VerifyTokenResult{Reason: "no token signer configured"}, nil
	}
	payload, err := s.cfg.Signer.Verify(in.Token, in.EnvelopeID)
	if err != nil {
		return VerifyTokenResult{Reason: tokenReason(err)}, nil
	}
	return VerifyTokenResult{Valid: true, UserID: payload.UserID}, nil
}

func tokenReason(err error) string {
	var herr *schema.HomeOSError
	if errors.As(err, &herr) {
		return herr.Message
	}
	return err.Error()
}
