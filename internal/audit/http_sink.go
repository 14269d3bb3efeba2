package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ServiceTokenHeader authenticates workers to the control plane's internal routes.
const ServiceTokenHeader = "x-service-token"

// HTTPSink posts events to a control plane's /internal/events endpoint.
type HTTPSink struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPSink targets baseURL (e.g. "http://control-plane:8080").
func NewHTTPSink(baseURL, serviceToken string, timeout time.Duration) *HTTPSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSink{
		url:    strings.TrimRight(baseURL, "/") + "/internal/events",
		token:  serviceToken,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSink) Send(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ServiceTokenHeader, s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("event sink returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
