package schema

import (
	"encoding/json"
	"time"
)

// RiskLevel classifies how dangerous an action is.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Valid reports whether r is one of the known levels.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Token TTL bounds in seconds.
const (
	DefaultTokenTTLSeconds = 300
	MaxTokenTTLSeconds     = 3600
)

// ActionEnvelope is the immutable, hash-sealed description of a proposed side effect.
type ActionEnvelope struct {
	EnvelopeID      string          `json:"envelopeId"`
	WorkspaceID     string          `json:"workspaceId"`
	Intent          string          `json:"intent"`
	ToolName        string          `json:"toolName"`
	Inputs          json.RawMessage `json:"inputs"`
	ExpectedOutputs json.RawMessage `json:"expectedOutputs,omitempty"`
	RiskLevel       RiskLevel       `json:"riskLevel"`
	PIIFields       []string        `json:"piiFields"`
	RollbackPlan    string          `json:"rollbackPlan"`
	AuditHash       string          `json:"auditHash"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// ApprovalTokenPayload is the signed content of an approval token.
type ApprovalTokenPayload struct {
	EnvelopeID  string    `json:"envelopeId"`
	WorkspaceID string    `json:"workspaceId"`
	UserID      string    `json:"userId"`
	TTLSeconds  int       `json:"ttlSeconds"`
	IssuedAt    time.Time `json:"issuedAt"`
}

// ExpiresAt returns the instant after which the token is no longer valid.
func (p ApprovalTokenPayload) ExpiresAt() time.Time {
	return p.IssuedAt.Add(time.Duration(p.TTLSeconds) * time.Second)
}

// ApprovalToken pairs a payload with its compact signed form.
type ApprovalToken struct {
	Payload ApprovalTokenPayload `json:"payload"`
	Token   string               `json:"token"`
}

// ApprovalStatus is the lifecycle of one approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalRequest is a pending human decision over one envelope.
type ApprovalRequest struct {
	EnvelopeID  string            `json:"envelopeId"`
	WorkspaceID string            `json:"workspaceId"`
	TaskID      string            `json:"taskId,omitempty"`
	WorkflowID  string            `json:"workflowId"`
	SignalName  string            `json:"signalName"`
	UserID      string            `json:"userId"`
	Envelope    ActionEnvelope    `json:"envelope"`
	Status      ApprovalStatus    `json:"status"`
	RequestedAt time.Time         `json:"requestedAt"`
	ExpiresAt   *time.Time        `json:"expiresAt,omitempty"`
	Response    *ApprovalResponse `json:"response,omitempty"`
}

// ApprovalResponse records the single decision made over an envelope.
type ApprovalResponse struct {
	EnvelopeID   string    `json:"envelopeId"`
	Approved     bool      `json:"approved"`
	Token        string    `json:"token,omitempty"`
	DenialReason string    `json:"denialReason,omitempty"`
	RespondedAt  time.Time `json:"respondedAt"`
	RespondedBy  string    `json:"respondedBy"`
}
