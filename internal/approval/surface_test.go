package approval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/homeos/internal/audit"
	"github.com/rendis/homeos/pkg/schema"
)

func TestHTTPSurface_RequestApproval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/approvals", r.URL.Path)
		if r.Header.Get(audit.ServiceTokenHeader) != "svc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var in RequestInput
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(schema.ApprovalRequest{
			EnvelopeID: in.Envelope.EnvelopeID, WorkflowID: in.WorkflowID, Status: schema.ApprovalPending,
		})
	}))
	defer srv.Close()

	env, err := CreateEnvelope(sampleInput(), time.Now())
	require.NoError(t, err)

	got, err := NewHTTPSurface(srv.URL, "svc", time.Second).RequestApproval(context.Background(), RequestInput{Envelope: *env, WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Equal(t, env.EnvelopeID, got.EnvelopeID)
	assert.Equal(t, schema.ApprovalPending, got.Status)

	_, err = NewHTTPSurface(srv.URL, "wrong", time.Second).RequestApproval(context.Background(), RequestInput{Envelope: *env, WorkflowID: "wf-1"})
	assert.Equal(t, schema.ErrCodePermissionDenied, schema.ErrorCode(err))
}
