package activities

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rendis/homeos/internal/approval"
	"github.com/rendis/homeos/internal/logging"
	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/internal/tools"
	"github.com/rendis/homeos/pkg/schema"
)

// ToolCallInput is one keyed tool invocation.
type ToolCallInput struct {
	WorkspaceID    string         `json:"workspaceId"`
	ToolName       string         `json:"toolName"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

// ToolCallResult is a tool's output. Replayed is true when the output came
// from an earlier call with the same key.
type ToolCallResult struct {
	ToolName string          `json:"toolName"`
	Output   json.RawMessage `json:"output,omitempty"`
	Replayed bool            `json:"replayed,omitempty"`
}

// ExecuteToolCall runs a registered tool at most once per idempotency key.
// Repeating a key with the same inputs returns the stored result; repeating
// it with different inputs is a CONFLICT. A repeat that arrives while the
// first call is still running gets IN_FLIGHT, which is retryable.
func (p *Proxy) ExecuteToolCall(ctx context.Context, in ToolCallInput) (*ToolCallResult, error) {
	if in.WorkspaceID == "" || in.ToolName == "" || in.IdempotencyKey == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tool call requires workspaceId, toolName and idempotencyKey")
	}
	if p.tools == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no tools are configured")
	}
	tool, err := p.tools.Get(in.ToolName)
	if err != nil {
		return nil, err
	}
	if in.Inputs == nil {
		in.Inputs = map[string]any{}
	}
	canonical, err := approval.Canonicalize(in.Inputs)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "tool inputs are not serializable").WithCause(err)
	}
	if p.validator != nil {
		if err := p.validator.ValidateInput(canonical, tool.Schema().InputSchema); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid inputs for %s", in.ToolName).WithCause(err).
				WithDetails(map[string]any{"tool": in.ToolName, "violations": violations(err)})
		}
	}
	ctx = logging.WithWorkspaceID(ctx, in.WorkspaceID)
	hash := hashBytes(canonical)
	key := "tool:" + in.WorkspaceID + ":" + in.IdempotencyKey

	if p.memo != nil {
		rec, err := p.memo.GetIdempotency(ctx, key)
		switch {
		case err == nil:
			if rec.Name != in.ToolName || rec.InputHash != hash {
				return nil, schema.NewErrorf(schema.ErrCodeConflict,
					"idempotency key %q was already used with different inputs", in.IdempotencyKey).
					WithDetails(map[string]any{"tool": rec.Name})
			}
			if rec.Status == store.IdempotencyCompleted {
				p.logger.InfoContext(ctx, "tool call replayed", "tool", in.ToolName, "key", in.IdempotencyKey)
				return &ToolCallResult{ToolName: in.ToolName, Output: rec.Result, Replayed: true}, nil
			}
			if err := p.reclaim(ctx, key); err != nil {
				return nil, err
			}
		case schema.HasCode(err, schema.ErrCodeNotFound):
			if err := p.claim(ctx, &store.IdempotencyRecord{
				Key: key, Scope: in.WorkspaceID, Name: in.ToolName, InputHash: hash,
			}); err != nil {
				return nil, err
			}
		default:
			return nil, schema.NewError(schema.ErrCodeStore, "read tool call key").WithCause(err)
		}
	}

	out, err := tool.Execute(ctx, tools.Call{
		WorkspaceID:    in.WorkspaceID,
		IdempotencyKey: in.IdempotencyKey,
		Inputs:         in.Inputs,
	})
	if p.memo != nil {
		status, errMsg := store.IdempotencyCompleted, ""
		if err != nil {
			status, errMsg = store.IdempotencyFailed, err.Error()
		}
		if cErr := p.memo.CompleteIdempotency(ctx, key, status, out, errMsg); cErr != nil {
			p.logger.WarnContext(ctx, "tool call outcome not recorded", "tool", in.ToolName, "error", cErr)
		}
	}
	if err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "tool executed", "tool", in.ToolName, "key", in.IdempotencyKey)
	return &ToolCallResult{ToolName: in.ToolName, Output: out}, nil
}

func violations(err error) any {
	var hErr *schema.HomeOSError
	if errors.As(err, &hErr) {
		return hErr.Details["violations"]
	}
	return nil
}
