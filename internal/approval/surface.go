package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/homeos/internal/audit"
	"github.com/rendis/homeos/pkg/schema"
)

var _ Surface = (*Service)(nil)

// HTTPSurface submits approval requests to a control plane's /internal/approvals endpoint.
type HTTPSurface struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPSurface targets baseURL with the shared service token.
func NewHTTPSurface(baseURL, serviceToken string, timeout time.Duration) *HTTPSurface {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSurface{
		url:    strings.TrimRight(baseURL, "/") + "/internal/approvals",
		token:  serviceToken,
		client: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPSurface) RequestApproval(ctx context.Context, in RequestInput) (*schema.ApprovalRequest, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal approval request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(audit.ServiceTokenHeader, h.token)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "approval surface unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, schema.NewErrorf(schema.ErrCodePermissionDenied, "approval surface rejected service token (%d)", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "approval surface rejected request (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	case resp.StatusCode >= 300:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "approval surface returned %d", resp.StatusCode)
	}

	var out schema.ApprovalRequest
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "decode approval surface response").WithCause(err)
	}
	return &out, nil
}
