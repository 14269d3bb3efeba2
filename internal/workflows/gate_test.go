package workflows

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/homeos/internal/engine/enginetest"
	"github.com/rendis/homeos/pkg/schema"
)

func TestApprovalBook_FirstDecisionWins(t *testing.T) {
	env := enginetest.NewEnv()
	book := newApprovalBook(newRun(env, "test", "", ""))

	env.QueueSignal(schema.SignalApproval, schema.ApprovalSignal{EnvelopeID: "env-1", Approved: true, Token: "t"})
	env.QueueSignal(schema.SignalApproval, schema.ApprovalSignal{EnvelopeID: "env-1", Reason: "changed my mind"})
	env.QueueSignal(schema.SignalApproval, schema.ApprovalSignal{Approved: true, Token: "no envelope"})
	env.QueueSignal(schema.SignalApproval, "not an object")

	ok, err := env.Await(time.Minute, func() bool { return false })
	require.NoError(t, err)
	assert.False(t, ok)

	sig, decided := book.get("env-1")
	require.True(t, decided)
	assert.True(t, sig.Approved)
	assert.Equal(t, "t", sig.Token)
	_, decided = book.get("")
	assert.False(t, decided)
	assert.Len(t, book.decisions, 1)
}

func TestGate_WithdrawnDeniesWithoutSignal(t *testing.T) {
	h := newHarness(t)
	r := newRun(h.Env, "test", "ws-1", "user-1")
	book := newApprovalBook(r)
	withdrawn := false
	h.RegisterDelayedCallback(func() { withdrawn = true }, time.Hour)

	d, err := r.gate(book, gateRequest{
		Intent:    "do it",
		ToolName:  "test.tool",
		RiskLevel: schema.RiskMedium,
		Timeout:   24 * time.Hour,
		Withdrawn: func() string {
			if withdrawn {
				return "withdrawn"
			}
			return ""
		},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ApprovalDenied, d.Status)
	assert.Equal(t, "withdrawn", d.Reason)
	assert.Zero(t, h.CallCount("verifyApprovalToken"))
}

func TestGate_ApprovedCarriesApprover(t *testing.T) {
	h := newHarness(t)
	r := newRun(h.Env, "test", "ws-1", "user-1")
	book := newApprovalBook(r)
	h.approveAfter("env-1", time.Minute)

	d, err := r.gate(book, gateRequest{Intent: "do it", ToolName: "test.tool", RiskLevel: schema.RiskHigh, Timeout: time.Hour})
	require.NoError(t, err)
	assert.True(t, d.approved())
	assert.Equal(t, "env-1", d.EnvelopeID)
	assert.Equal(t, "user-1", d.ApprovedBy)
}
