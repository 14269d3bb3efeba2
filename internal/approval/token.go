package approval

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rendis/homeos/pkg/schema"
)

// MinSecretBytes is the shortest accepted HMAC signing secret.
const MinSecretBytes = 32

// tokenClaims carries the approval payload inside an HS256 JWT.
type tokenClaims struct {
	EnvelopeID  string `json:"envelopeId"`
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
	TTLSeconds  int    `json:"ttlSeconds"`
	IssuedAt    string `json:"issuedAt"`
	jwt.RegisteredClaims
}

// Signer issues and verifies approval tokens with an HMAC-SHA256 secret.
type Signer struct {
	secret     []byte
	now        func() time.Time
	defaultTTL int
}

// SignerOption customizes a Signer.
type SignerOption func(*Signer)

// WithClock overrides the time source used for issuing and verifying.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// WithDefaultTTL sets the TTL used when Issue is called with ttlSeconds <= 0.
func WithDefaultTTL(seconds int) SignerOption {
	return func(s *Signer) { s.defaultTTL = seconds }
}

// NewSigner returns a Signer for secret.
func NewSigner(secret []byte, opts ...SignerOption) (*Signer, error) {
	if len(secret) < MinSecretBytes {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "signing secret must be at least %d bytes", MinSecretBytes)
	}
	s := &Signer{secret: append([]byte(nil), secret...), now: time.Now, defaultTTL: schema.DefaultTokenTTLSeconds}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Issue mints a token bound to one envelope.
func (s *Signer) Issue(envelopeID, workspaceID, userID string, ttlSeconds int) (*schema.ApprovalToken, error) {
	if envelopeID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "token requires an envelopeId")
	}
	if ttlSeconds <= 0 {
		ttlSeconds = s.defaultTTL
	}
	if ttlSeconds > schema.MaxTokenTTLSeconds {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "token ttl %ds exceeds maximum %ds", ttlSeconds, schema.MaxTokenTTLSeconds)
	}

	payload := schema.ApprovalTokenPayload{
		EnvelopeID:  envelopeID,
		WorkspaceID: workspaceID,
		UserID:      userID,
		TTLSeconds:  ttlSeconds,
		IssuedAt:    s.now().UTC(),
	}
	claims := tokenClaims{
		EnvelopeID:  payload.EnvelopeID,
		WorkspaceID: payload.WorkspaceID,
		UserID:      payload.UserID,
		TTLSeconds:  payload.TTLSeconds,
		IssuedAt:    payload.IssuedAt.Format(time.RFC3339Nano),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(payload.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(payload.ExpiresAt()),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "sign approval token").WithCause(err)
	}
	return &schema.ApprovalToken{Payload: payload, Token: signed}, nil
}

// Verify checks the signature, the expiry and that the token was issued for envelopeID.
func (s *Signer) Verify(token, envelopeID string) (*schema.ApprovalTokenPayload, error) {
	if token == "" {
		return nil, schema.NewError(schema.ErrCodeTokenInvalid, "missing approval token")
	}
	claims := &tokenClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		reason := "invalid signature"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "token expired"
		} else if errors.Is(err, jwt.ErrTokenMalformed) {
			reason = "malformed token"
		}
		return nil, schema.NewError(schema.ErrCodeTokenInvalid, reason).WithCause(err)
	}

	issuedAt, err := time.Parse(time.RFC3339Nano, claims.IssuedAt)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTokenInvalid, "malformed issuedAt").WithCause(err)
	}
	payload := &schema.ApprovalTokenPayload{
		EnvelopeID:  claims.EnvelopeID,
		WorkspaceID: claims.WorkspaceID,
		UserID:      claims.UserID,
		TTLSeconds:  claims.TTLSeconds,
		IssuedAt:    issuedAt,
	}
	if !s.now().Before(payload.ExpiresAt()) {
		return nil, schema.NewError(schema.ErrCodeTokenInvalid, "token expired")
	}
	if payload.EnvelopeID != envelopeID {
		return nil, schema.NewErrorf(schema.ErrCodeTokenInvalid, "token issued for envelope %s, not %s", payload.EnvelopeID, envelopeID)
	}
	return payload, nil
}
