// Package tools holds the tools a chat plan can invoke through
// executeToolCall: built-in local providers, templated HTTP tools and tools
// published by the integration workflow.
package tools

import (
	"context"
	"encoding/json"

	"github.com/rendis/homeos/pkg/schema"
)

// Tool is one callable capability.
type Tool interface {
	Name() string
	Schema() Schema
	Execute(ctx context.Context, call Call) (json.RawMessage, error)
}

// Schema describes a tool's contract.
type Schema struct {
	Description  string           `json:"description,omitempty"`
	InputSchema  json.RawMessage  `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage  `json:"outputSchema,omitempty"`
	Risk         schema.RiskLevel `json:"risk,omitempty"`
	PIIFields    []string         `json:"piiFields,omitempty"`
}

// Call is one invocation. IdempotencyKey is stable across retries of the same
// logical call so providers can deduplicate.
type Call struct {
	WorkspaceID    string         `json:"workspaceId"`
	IdempotencyKey string         `json:"idempotencyKey,omitempty"`
	Inputs         map[string]any `json:"inputs,omitempty"`
}

// Info summarizes a registered tool.
type Info struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Risk        schema.RiskLevel `json:"risk,omitempty"`
}

// Func adapts a function to Tool.
type Func struct {
	ToolName string
	Contract Schema
	Fn       func(ctx context.Context, call Call) (any, error)
}

func (f *Func) Name() string   { return f.ToolName }
func (f *Func) Schema() Schema { return f.Contract }

func (f *Func) Execute(ctx context.Context, call Call) (json.RawMessage, error) {
	out, err := f.Fn(ctx, call)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func stringParam(m map[string]any, key, def string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return def
}

func floatParam(m map[string]any, key string, def float64) float64 {
	switch n := m[key].(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return def
}
