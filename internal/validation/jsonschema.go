// Package validation checks JSON documents against JSON Schema 2020-12:
// the bodies accepted by the internal endpoints and the inputs of registered tools.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/homeos/pkg/schema"
)

// Names of the built-in request schemas.
const (
	SchemaApprovalRequest = "approval-request"
	SchemaEventRequest    = "event-request"
	SchemaStartWorkflow   = "start-workflow"
)

const schemaBase = "https://homeos.local/schemas/"

var builtinSchemas = map[string]string{
	SchemaApprovalRequest: `{
  "type": "object",
  "required": ["envelope", "userId", "workflowId"],
  "properties": {
    "envelope": {
      "type": "object",
      "required": ["envelopeId", "workspaceId", "intent", "toolName", "riskLevel", "auditHash"],
      "properties": {
        "envelopeId": {"type": "string", "minLength": 1},
        "workspaceId": {"type": "string", "minLength": 1},
        "intent": {"type": "string"},
        "toolName": {"type": "string", "minLength": 1},
        "riskLevel": {"enum": ["low", "medium", "high"]},
        "piiFields": {"type": ["array", "null"], "items": {"type": "string"}},
        "auditHash": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
      }
    },
    "userId": {"type": "string", "minLength": 1},
    "taskId": {"type": "string"},
    "workflowId": {"type": "string", "minLength": 1},
    "signalName": {"type": "string"},
    "expiresAt": {"type": ["string", "null"], "format": "date-time"}
  }
}`,
	SchemaEventRequest: `{
  "type": "object",
  "required": ["workspaceId", "type"],
  "properties": {
    "eventId": {"type": "string"},
    "workspaceId": {"type": "string", "minLength": 1},
    "type": {"type": "string", "minLength": 1},
    "taskId": {"type": "string"},
    "workflowId": {"type": "string"},
    "payload": {},
    "notification": {
      "type": "object",
      "required": ["title", "body"],
      "properties": {"priority": {"enum": ["low", "normal", "high"]}}
    }
  }
}`,
	SchemaStartWorkflow: `{
  "type": "object",
  "required": ["type", "workspaceId"],
  "properties": {
    "id": {"type": "string"},
    "type": {"type": "string", "minLength": 1},
    "workspaceId": {"type": "string", "minLength": 1},
    "userId": {"type": "string"},
    "input": {"type": "object"}
  }
}`,
}

// Validator compiles schemas once and is safe for concurrent use.
type Validator struct {
	builtin map[string]*jsonschema.Schema

	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// New compiles the built-in request schemas.
func New() (*Validator, error) {
	v := &Validator{
		builtin: make(map[string]*jsonschema.Schema, len(builtinSchemas)),
		cache:   make(map[string]*jsonschema.Schema),
	}
	for name, src := range builtinSchemas {
		compiled, err := compile(schemaBase+name+".json", []byte(src))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		v.builtin[name] = compiled
	}
	return v, nil
}

// ValidateRequest checks a request body against a built-in schema.
func (v *Validator) ValidateRequest(name string, body []byte) error {
	s, ok := v.builtin[name]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no request schema %q", name)
	}
	return validate(s, body)
}

// ValidateInput checks raw input against a caller-supplied schema. An empty
// schema accepts anything.
func (v *Validator) ValidateInput(input json.RawMessage, inputSchema json.RawMessage) error {
	if len(inputSchema) == 0 {
		return nil
	}
	s, err := v.compiled(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return validate(s, input)
}

// CheckSchema reports whether raw is a compilable schema.
func (v *Validator) CheckSchema(raw json.RawMessage) error {
	if _, err := v.compiled(raw); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid JSON schema").WithCause(err)
	}
	return nil
}

func (v *Validator) compiled(raw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(raw)
	v.mu.RLock()
	s, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return s, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if s, ok := v.cache[key]; ok {
		return s, nil
	}
	s, err := compile(fmt.Sprintf("%sinput/%d.json", schemaBase, len(v.cache)), raw)
	if err != nil {
		return nil, err
	}
	v.cache[key] = s
	return s, nil
}

func compile(url string, src []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

func validate(s *jsonschema.Schema, body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "body is not valid JSON").WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return toError(err)
	}
	return nil
}

// toError flattens a jsonschema error tree into one VALIDATION_ERROR listing
// each leaf violation with its instance location.
func toError(err error) error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}
	violations := leaves(verr)
	msg := verr.Error()
	switch len(violations) {
	case 0:
	case 1:
		msg = violations[0]
	default:
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).WithDetails(map[string]any{"violations": violations})
}

func leaves(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		return []string{fmt.Sprintf("/%s: %s", strings.Join(verr.InstanceLocation, "/"), verr.Error())}
	}
	var out []string
	for _, c := range verr.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}
