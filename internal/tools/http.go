package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/homeos/internal/expressions"
	"github.com/rendis/homeos/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second

	// IdempotencyHeader carries Call.IdempotencyKey to remote providers.
	IdempotencyHeader = "Idempotency-Key"
)

// HTTPSpec declares a tool backed by one HTTP endpoint. URL, header values and
// Body are templates over ${{inputs.*}}, ${{workspace.id}} and ${{secrets.*}}.
type HTTPSpec struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description"`
	Method      string            `json:"method,omitempty" yaml:"method"`
	URL         string            `json:"url" yaml:"url"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers"`
	Body        string            `json:"body,omitempty" yaml:"body"`
	// Extract is a jq program applied to the decoded response body.
	Extract     string           `json:"extract,omitempty" yaml:"extract"`
	InputSchema json.RawMessage  `json:"inputSchema,omitempty" yaml:"-"`
	Risk        schema.RiskLevel `json:"risk,omitempty" yaml:"risk"`
	Timeout     time.Duration    `json:"timeout,omitempty" yaml:"timeout"`
}

// HTTPTool executes an HTTPSpec.
type HTTPTool struct {
	spec   HTTPSpec
	client *http.Client
	interp *expressions.Interpolator
	jq     *expressions.GoJQEngine
	limit  int64
}

// NewHTTPTool validates spec and builds the tool. client may be nil.
func NewHTTPTool(spec HTTPSpec, interp *expressions.Interpolator, jq *expressions.GoJQEngine, client *http.Client) (*HTTPTool, error) {
	if spec.Name == "" || spec.URL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http tool needs a name and a url")
	}
	if spec.Method == "" {
		spec.Method = http.MethodGet
	}
	spec.Method = strings.ToUpper(spec.Method)
	if spec.Timeout <= 0 {
		spec.Timeout = defaultHTTPTimeout
	}
	if spec.Risk == "" {
		spec.Risk = schema.RiskMedium
	}
	if client == nil {
		client = &http.Client{}
	}
	if interp == nil {
		interp = expressions.NewInterpolator(nil)
	}
	if jq == nil {
		jq = expressions.NewGoJQEngine()
	}
	if spec.Extract != "" {
		if err := jq.Check(spec.Extract); err != nil {
			return nil, err
		}
	}
	return &HTTPTool{spec: spec, client: client, interp: interp, jq: jq, limit: defaultMaxResponseBody}, nil
}

func (t *HTTPTool) Name() string { return t.spec.Name }

func (t *HTTPTool) Schema() Schema {
	return Schema{Description: t.spec.Description, InputSchema: t.spec.InputSchema, Risk: t.spec.Risk}
}

func (t *HTTPTool) Execute(ctx context.Context, call Call) (json.RawMessage, error) {
	scope := expressions.Scope{
		"inputs":    call.Inputs,
		"workspace": {"id": call.WorkspaceID},
	}
	if scope["inputs"] == nil {
		scope["inputs"] = map[string]any{}
	}

	rawURL, err := t.interp.Resolve(ctx, t.spec.URL, scope)
	if err != nil {
		return nil, err
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid url %q", t.spec.Name, rawURL)
	}

	var body io.Reader
	if t.spec.Body != "" {
		b, err := t.interp.Resolve(ctx, t.spec.Body, scope)
		if err != nil {
			return nil, err
		}
		body = strings.NewReader(b)
	}

	reqCtx, cancel := context.WithTimeout(ctx, t.spec.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, t.spec.Method, rawURL, body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: create request", t.spec.Name).WithCause(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.spec.Headers {
		hv, err := t.interp.Resolve(ctx, v, scope)
		if err != nil {
			return nil, err
		}
		req.Header.Set(k, hv)
	}
	if call.IdempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, call.IdempotencyKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: request failed: %v", t.spec.Name, err).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.limit))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s: read response", t.spec.Name).WithCause(err)
	}
	var parsed any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &parsed); err != nil {
			parsed = string(data)
		}
	}

	if resp.StatusCode >= 400 {
		code := schema.ErrCodeNonRetryable
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			code = schema.ErrCodeExecution
		}
		return nil, schema.NewErrorf(code, "%s: server returned %d", t.spec.Name, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": parsed})
	}

	if t.spec.Extract == "" {
		return json.Marshal(parsed)
	}
	results, err := t.jq.Run(ctx, t.spec.Extract, parsed)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return json.Marshal(nil)
	case 1:
		return json.Marshal(results[0])
	}
	return json.Marshal(results)
}
