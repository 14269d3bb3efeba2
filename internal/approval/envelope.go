package approval

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/homeos/pkg/schema"
)

// CreateEnvelopeInput describes a proposed side effect before it is sealed.
type CreateEnvelopeInput struct {
	EnvelopeID      string           `json:"envelopeId,omitempty"`
	WorkspaceID     string           `json:"workspaceId"`
	Intent          string           `json:"intent"`
	ToolName        string           `json:"toolName"`
	Inputs          any              `json:"inputs"`
	ExpectedOutputs any              `json:"expectedOutputs,omitempty"`
	RiskLevel       schema.RiskLevel `json:"riskLevel"`
	PIIFields       []string         `json:"piiFields,omitempty"`
	RollbackPlan    string           `json:"rollbackPlan,omitempty"`
}

// hashedFields is exactly the content covered by the audit hash.
type hashedFields struct {
	WorkspaceID     string           `json:"workspaceId"`
	Intent          string           `json:"intent"`
	ToolName        string           `json:"toolName"`
	Inputs          json.RawMessage  `json:"inputs"`
	ExpectedOutputs json.RawMessage  `json:"expectedOutputs"`
	RiskLevel       schema.RiskLevel `json:"riskLevel"`
	PIIFields       []string         `json:"piiFields"`
	RollbackPlan    string           `json:"rollbackPlan"`
}

// CreateEnvelope seals in into an ActionEnvelope. A missing EnvelopeID gets a fresh UUID.
func CreateEnvelope(in CreateEnvelopeInput, now time.Time) (*schema.ActionEnvelope, error) {
	if in.WorkspaceID == "" || in.Intent == "" || in.ToolName == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "envelope requires workspaceId, intent and toolName")
	}
	if !in.RiskLevel.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid risk level %q", in.RiskLevel)
	}
	inputs, err := toRaw(in.Inputs)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "envelope inputs are not JSON").WithCause(err)
	}
	expected, err := toRaw(in.ExpectedOutputs)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "envelope expectedOutputs are not JSON").WithCause(err)
	}
	pii := in.PIIFields
	if pii == nil {
		pii = []string{}
	}
	id := in.EnvelopeID
	if id == "" {
		id = uuid.NewString()
	}

	env := &schema.ActionEnvelope{
		EnvelopeID:      id,
		WorkspaceID:     in.WorkspaceID,
		Intent:          in.Intent,
		ToolName:        in.ToolName,
		Inputs:          inputs,
		ExpectedOutputs: expected,
		RiskLevel:       in.RiskLevel,
		PIIFields:       pii,
		RollbackPlan:    in.RollbackPlan,
		CreatedAt:       now.UTC(),
	}
	hash, err := ComputeHash(env)
	if err != nil {
		return nil, err
	}
	env.AuditHash = hash
	return env, nil
}

// ComputeHash returns the hex SHA-256 of the canonical form of the envelope's content fields.
// Identity and timestamp fields do not participate.
func ComputeHash(env *schema.ActionEnvelope) (string, error) {
	pii := env.PIIFields
	if pii == nil {
		pii = []string{}
	}
	canonical, err := Canonicalize(hashedFields{
		WorkspaceID:     env.WorkspaceID,
		Intent:          env.Intent,
		ToolName:        env.ToolName,
		Inputs:          nullIfEmpty(env.Inputs),
		ExpectedOutputs: nullIfEmpty(env.ExpectedOutputs),
		RiskLevel:       env.RiskLevel,
		PIIFields:       pii,
		RollbackPlan:    env.RollbackPlan,
	})
	if err != nil {
		return "", schema.NewError(schema.ErrCodeValidation, "envelope is not canonicalizable").WithCause(err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyEnvelope recomputes the hash and compares it to the stored one.
func VerifyEnvelope(env *schema.ActionEnvelope) error {
	hash, err := ComputeHash(env)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(hash), []byte(env.AuditHash)) != 1 {
		return schema.NewErrorf(schema.ErrCodeHashMismatch, "envelope %s content does not match its audit hash", env.EnvelopeID)
	}
	return nil
}

func toRaw(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(t) > 0 && !json.Valid(t) {
			return nil, fmt.Errorf("invalid raw JSON")
		}
		return t, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func nullIfEmpty(r json.RawMessage) json.RawMessage {
	if len(r) == 0 {
		return json.RawMessage("null")
	}
	return r
}
