package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/homeos/pkg/schema"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	ledger := NewLedger(nil)
	for _, tool := range LocalTools(ledger) {
		require.NoError(t, r.Register(tool))
	}

	err := r.Register(LocalTools(ledger)[0])
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))

	_, err = r.Get("nope")
	assert.Equal(t, schema.ErrCodeNotFound, schema.ErrorCode(err))

	infos := r.List()
	require.Len(t, infos, 5)
	assert.Equal(t, "calendar.create_event", infos[0].Name)
	assert.Equal(t, schema.RiskMedium, infos[0].Risk)

	n, err := r.RegisterNamespace("integration", []Tool{&Func{ToolName: "weather", Fn: func(context.Context, Call) (any, error) { return "sunny", nil }}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	tool, err := r.Get("integration.weather")
	require.NoError(t, err)
	out, err := tool.Execute(context.Background(), Call{})
	require.NoError(t, err)
	assert.JSONEq(t, `"sunny"`, string(out))
}

func TestLedger_DeduplicatesByKey(t *testing.T) {
	ledger := NewLedger(func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) })
	send := LocalTools(ledger)[2]
	require.Equal(t, "messaging.send", send.Name())

	call := Call{WorkspaceID: "ws", IdempotencyKey: "k1", Inputs: map[string]any{"to": "+1555", "body": "hi"}}
	first, err := send.Execute(context.Background(), call)
	require.NoError(t, err)
	second, err := send.Execute(context.Background(), call)
	require.NoError(t, err)
	assert.JSONEq(t, string(first), string(second))
	assert.Len(t, ledger.Effects("messaging.send"), 1)

	call.IdempotencyKey = "k2"
	_, err = send.Execute(context.Background(), call)
	require.NoError(t, err)
	assert.Len(t, ledger.Effects("messaging.send"), 2)
}

func TestHTTPTool(t *testing.T) {
	var gotKey, gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(IdempotencyHeader)
		gotAuth = r.Header.Get("X-Workspace")
		gotPath = r.URL.Path
		switch r.URL.Path {
		case "/weather/oslo":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":{"temp":21.5,"city":"Oslo"}}`))
		case "/weather/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	tool, err := NewHTTPTool(HTTPSpec{
		Name:    "weather.current",
		URL:     srv.URL + "/weather/${{inputs.city}}",
		Headers: map[string]string{"X-Workspace": "${{workspace.id}}"},
		Extract: ".data.temp",
	}, nil, nil, srv.Client())
	require.NoError(t, err)
	assert.Equal(t, schema.RiskMedium, tool.Schema().Risk)

	out, err := tool.Execute(context.Background(), Call{WorkspaceID: "ws-1", IdempotencyKey: "key-1", Inputs: map[string]any{"city": "oslo"}})
	require.NoError(t, err)
	assert.JSONEq(t, `21.5`, string(out))
	assert.Equal(t, "key-1", gotKey)
	assert.Equal(t, "ws-1", gotAuth)
	assert.Equal(t, "/weather/oslo", gotPath)

	_, err = tool.Execute(context.Background(), Call{Inputs: map[string]any{"city": "missing"}})
	assert.Equal(t, schema.ErrCodeNonRetryable, schema.ErrorCode(err))

	_, err = tool.Execute(context.Background(), Call{Inputs: map[string]any{"city": "down"}})
	assert.Equal(t, schema.ErrCodeExecution, schema.ErrorCode(err))

	_, err = tool.Execute(context.Background(), Call{Inputs: map[string]any{}})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestNewHTTPTool_Rejects(t *testing.T) {
	_, err := NewHTTPTool(HTTPSpec{Name: "x"}, nil, nil, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	_, err = NewHTTPTool(HTTPSpec{Name: "x", URL: "http://h", Extract: ".["}, nil, nil, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestCatalog_Search(t *testing.T) {
	c, err := NewCatalog(nil)
	require.NoError(t, err)
	ctx := context.Background()

	got, err := c.Search(ctx, "slack", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "mcp-slack", got[0].ID)

	got, err = c.Search(ctx, "email", "")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "twilio", got[0].Name)
	assert.Equal(t, "sendgrid", got[1].Name)

	got, err = c.Search(ctx, "email", `.authType == "bearer"`)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "sendgrid", got[0].Name)

	got, err = c.Search(ctx, "teleport", "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMatchScore(t *testing.T) {
	slack := ServiceCandidate{Name: "slack", Capabilities: []string{"send_message", "list_channels"}}
	assert.InDelta(t, 0.7, MatchScore(slack, "slack"), 1e-9)
	assert.InDelta(t, 0.4, MatchScore(slack, "send"), 1e-9)
	assert.InDelta(t, 1.0, MatchScore(ServiceCandidate{Name: "send_message", Capabilities: []string{"send_message", "send_messages"}}, "send_message"), 1e-9)
	assert.Zero(t, MatchScore(slack, ""))
}

func TestCatalog_Query(t *testing.T) {
	c, err := NewCatalogFromJSON([]byte(`{"custom":[{"id":"c1","name":"home","type":"sdk","capabilities":["lights"]}]}`), nil)
	require.NoError(t, err)
	got, err := c.Query(context.Background(), ".custom[]")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"lights"}, got[0].Capabilities)

	raw, _ := json.Marshal(got[0])
	assert.Contains(t, string(raw), `"type":"sdk"`)
}
