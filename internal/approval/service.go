package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/homeos/internal/audit"
	"github.com/rendis/homeos/internal/logging"
	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/internal/telemetry"
	"github.com/rendis/homeos/pkg/schema"
)

// Signaler delivers a named signal to a workflow instance.
type Signaler interface {
	Signal(ctx context.Context, workflowID, name string, payload any) error
}

// EventEmitter records audit events.
type EventEmitter interface {
	Emit(ctx context.Context, ev audit.Event)
}

// Surface accepts approval requests from workflows. It must return without
// waiting for the human decision.
type Surface interface {
	RequestApproval(ctx context.Context, in RequestInput) (*schema.ApprovalRequest, error)
}

// RequestInput is a new approval request over a sealed envelope.
type RequestInput struct {
	Envelope   schema.ActionEnvelope `json:"envelope"`
	UserID     string                `json:"userId"`
	TaskID     string                `json:"taskId,omitempty"`
	WorkflowID string                `json:"workflowId"`
	SignalName string                `json:"signalName,omitempty"`
	ExpiresAt  *time.Time            `json:"expiresAt,omitempty"`
}

// ResolveInput is a human decision over one envelope.
type ResolveInput struct {
	EnvelopeID  string `json:"envelopeId"`
	Approved    bool   `json:"approved"`
	ResponderID string `json:"responderId"`
	Token       string `json:"token,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Service owns the approval lifecycle: request, single resolution, expiry and
// delivery of the decision to the waiting workflow.
type Service struct {
	store    store.ApprovalStore
	signer   *Signer
	signaler Signaler
	events   EventEmitter
	logger   *slog.Logger
	now      func() time.Time
	tokenTTL int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceClock overrides the time source.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithServiceLogger sets the logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithTokenTTL sets the TTL of tokens minted by Approve.
func WithTokenTTL(seconds int) ServiceOption {
	return func(s *Service) { s.tokenTTL = seconds }
}

// NewService wires a Service. signaler may be set later with SetSignaler.
func NewService(st store.ApprovalStore, signer *Signer, signaler Signaler, events EventEmitter, opts ...ServiceOption) *Service {
	s := &Service{
		store:    st,
		signer:   signer,
		signaler: signaler,
		events:   events,
		logger:   slog.Default(),
		now:      time.Now,
		tokenTTL: schema.DefaultTokenTTLSeconds,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetSignaler replaces the signal transport.
func (s *Service) SetSignaler(sig Signaler) { s.signaler = sig }

// Signer returns the token signer.
func (s *Service) Signer() *Signer { return s.signer }

// RequestApproval persists a pending request. Re-submitting the same sealed
// envelope returns the existing request.
func (s *Service) RequestApproval(ctx context.Context, in RequestInput) (*schema.ApprovalRequest, error) {
	if in.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "approval request requires a workflowId")
	}
	if err := VerifyEnvelope(&in.Envelope); err != nil {
		return nil, err
	}
	signal := in.SignalName
	if signal == "" {
		signal = schema.SignalApproval
	}
	ctx = logging.WithIDs(ctx, in.Envelope.WorkspaceID, in.WorkflowID, in.TaskID)

	req := &schema.ApprovalRequest{
		EnvelopeID:  in.Envelope.EnvelopeID,
		WorkspaceID: in.Envelope.WorkspaceID,
		TaskID:      in.TaskID,
		WorkflowID:  in.WorkflowID,
		SignalName:  signal,
		UserID:      in.UserID,
		Envelope:    in.Envelope,
		Status:      schema.ApprovalPending,
		RequestedAt: s.now().UTC(),
		ExpiresAt:   in.ExpiresAt,
	}
	if err := s.store.CreateApproval(ctx, req); err != nil {
		if !schema.HasCode(err, schema.ErrCodeConflict) {
			return nil, schema.NewError(schema.ErrCodeStore, "persist approval request").WithCause(err)
		}
		existing, getErr := s.store.GetApproval(ctx, req.EnvelopeID)
		if getErr != nil {
			return nil, getErr
		}
		if existing.Envelope.AuditHash != in.Envelope.AuditHash {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "envelope %s already requested with different content", req.EnvelopeID)
		}
		return existing, nil
	}

	telemetry.RecordApproval(ctx, "requested")
	s.logger.InfoContext(ctx, "approval requested", "envelope_id", req.EnvelopeID,
		"tool", req.Envelope.ToolName, "risk", req.Envelope.RiskLevel)
	s.emit(ctx, req, schema.EventApprovalRequested, map[string]any{
		"envelopeId": req.EnvelopeID,
		"intent":     req.Envelope.Intent,
		"toolName":   req.Envelope.ToolName,
		"riskLevel":  req.Envelope.RiskLevel,
		"piiFields":  req.Envelope.PIIFields,
		"expiresAt":  req.ExpiresAt,
	}, &audit.Notification{Title: "Approval needed", Body: req.Envelope.Intent, Priority: priorityFor(req.Envelope.RiskLevel)})
	return req, nil
}

// Resolve records the single decision for an envelope and signals the workflow.
// When the decision is recorded but the signal cannot be delivered, the response
// is returned together with a SIGNAL_FAILED error; Redeliver retries delivery.
func (s *Service) Resolve(ctx context.Context, in ResolveInput) (*schema.ApprovalResponse, error) {
	req, err := s.store.GetApproval(ctx, in.EnvelopeID)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithIDs(ctx, req.WorkspaceID, req.WorkflowID, req.TaskID)
	if req.Status != schema.ApprovalPending {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "approval %s already %s", in.EnvelopeID, req.Status)
	}
	if err := checkResponder(req, in.ResponderID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if req.ExpiresAt != nil && !now.Before(*req.ExpiresAt) {
		s.expire(ctx, req)
		return nil, schema.NewErrorf(schema.ErrCodeApprovalExpired, "approval %s expired at %s", in.EnvelopeID, req.ExpiresAt.Format(time.RFC3339))
	}

	resp := &schema.ApprovalResponse{
		EnvelopeID:  in.EnvelopeID,
		Approved:    in.Approved,
		RespondedAt: now,
		RespondedBy: in.ResponderID,
	}
	status := schema.ApprovalDenied
	if in.Approved {
		if in.Token == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "approval requires a token")
		}
		claims, err := s.signer.Verify(in.Token, in.EnvelopeID)
		if err != nil {
			return nil, err
		}
		if claims.UserID != in.ResponderID {
			return nil, schema.NewErrorf(schema.ErrCodeTokenInvalid, "token for %s was not issued to %s", in.EnvelopeID, in.ResponderID)
		}
		resp.Token = in.Token
		status = schema.ApprovalApproved
	} else {
		resp.DenialReason = in.Reason
		if resp.DenialReason == "" {
			resp.DenialReason = "denied by user"
		}
	}

	if err := s.store.ResolveApproval(ctx, in.EnvelopeID, status, resp); err != nil {
		return nil, err
	}
	req.Status = status
	req.Response = resp

	telemetry.RecordApproval(ctx, string(status))
	s.logger.InfoContext(ctx, "approval resolved", "envelope_id", in.EnvelopeID, "approved", in.Approved)
	s.emit(ctx, req, schema.EventApprovalResolved, map[string]any{
		"envelopeId":  in.EnvelopeID,
		"approved":    in.Approved,
		"respondedBy": in.ResponderID,
		"reason":      resp.DenialReason,
	}, nil)

	if err := s.deliver(ctx, req); err != nil {
		return resp, err
	}
	return resp, nil
}

// Approve mints a token for the responder and resolves the envelope as approved.
func (s *Service) Approve(ctx context.Context, envelopeID, responderID string) (*schema.ApprovalResponse, error) {
	req, err := s.store.GetApproval(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if req.Status != schema.ApprovalPending {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "approval %s already %s", envelopeID, req.Status)
	}
	if err := checkResponder(req, responderID); err != nil {
		return nil, err
	}
	tok, err := s.signer.Issue(envelopeID, req.WorkspaceID, responderID, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return s.Resolve(ctx, ResolveInput{EnvelopeID: envelopeID, Approved: true, ResponderID: responderID, Token: tok.Token})
}

// Deny resolves the envelope as denied.
func (s *Service) Deny(ctx context.Context, envelopeID, responderID, reason string) (*schema.ApprovalResponse, error) {
	return s.Resolve(ctx, ResolveInput{EnvelopeID: envelopeID, Approved: false, ResponderID: responderID, Reason: reason})
}

// Redeliver re-sends the recorded decision of a resolved envelope.
func (s *Service) Redeliver(ctx context.Context, envelopeID string) error {
	req, err := s.store.GetApproval(ctx, envelopeID)
	if err != nil {
		return err
	}
	if req.Response == nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval %s has no recorded decision", envelopeID)
	}
	return s.deliver(ctx, req)
}

// Get returns one approval request.
func (s *Service) Get(ctx context.Context, envelopeID string) (*schema.ApprovalRequest, error) {
	return s.store.GetApproval(ctx, envelopeID)
}

// ListPending returns the open requests of a workspace ("" for all).
func (s *Service) ListPending(ctx context.Context, workspaceID string) ([]*schema.ApprovalRequest, error) {
	pending := schema.ApprovalPending
	return s.store.ListApprovals(ctx, store.ApprovalFilter{WorkspaceID: workspaceID, Status: &pending})
}

// ExpireOverdue marks every pending request past its deadline as expired.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	overdue, err := s.store.ListOverdueApprovals(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	n := 0
	for _, req := range overdue {
		if s.expire(ctx, req) {
			n++
		}
	}
	return n, nil
}

// ExpireForWorkflow expires the open requests of an instance that can no
// longer receive a decision.
func (s *Service) ExpireForWorkflow(ctx context.Context, workflowID string) (int, error) {
	pending := schema.ApprovalPending
	open, err := s.store.ListApprovals(ctx, store.ApprovalFilter{WorkflowID: workflowID, Status: &pending})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, req := range open {
		if s.expire(ctx, req) {
			n++
		}
	}
	return n, nil
}

func (s *Service) expire(ctx context.Context, req *schema.ApprovalRequest) bool {
	if err := s.store.ResolveApproval(ctx, req.EnvelopeID, schema.ApprovalExpired, nil); err != nil {
		if !schema.HasCode(err, schema.ErrCodeConflict) {
			s.logger.WarnContext(ctx, "expire approval failed", "envelope_id", req.EnvelopeID, "error", err)
		}
		return false
	}
	telemetry.RecordApproval(ctx, string(schema.ApprovalExpired))
	s.emit(ctx, req, schema.EventApprovalExpired, map[string]any{"envelopeId": req.EnvelopeID}, nil)
	return true
}

func (s *Service) deliver(ctx context.Context, req *schema.ApprovalRequest) error {
	if s.signaler == nil {
		return schema.NewError(schema.ErrCodeSignalFailed, "no signal transport configured")
	}
	payload := schema.ApprovalSignal{
		EnvelopeID: req.EnvelopeID,
		Approved:   req.Response.Approved,
		Token:      req.Response.Token,
		Reason:     req.Response.DenialReason,
	}
	if err := s.signaler.Signal(ctx, req.WorkflowID, req.SignalName, payload); err != nil {
		s.logger.WarnContext(ctx, "approval signal delivery failed", "envelope_id", req.EnvelopeID, "error", err)
		return schema.NewErrorf(schema.ErrCodeSignalFailed, "deliver approval for %s", req.EnvelopeID).WithCause(err)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, req *schema.ApprovalRequest, eventType string, payload map[string]any, n *audit.Notification) {
	if s.events == nil {
		return
	}
	s.events.Emit(ctx, audit.Event{
		EventID:      eventType + "/" + req.EnvelopeID,
		WorkspaceID:  req.WorkspaceID,
		TaskID:       req.TaskID,
		WorkflowID:   req.WorkflowID,
		Type:         eventType,
		Payload:      payload,
		Notification: n,
	})
}

// checkResponder allows only the user the request was raised for to decide it.
func checkResponder(req *schema.ApprovalRequest, responderID string) error {
	if responderID == "" {
		return schema.NewError(schema.ErrCodeValidation, "responderId is required")
	}
	if req.UserID != "" && req.UserID != responderID {
		return schema.NewErrorf(schema.ErrCodePermissionDenied, "approval %s belongs to another user", req.EnvelopeID).
			WithDetails(map[string]any{"responderId": responderID})
	}
	return nil
}

func priorityFor(r schema.RiskLevel) string {
	if r == schema.RiskHigh {
		return "high"
	}
	return "normal"
}
