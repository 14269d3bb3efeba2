package workflows

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/homeos/internal/activities"
	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/engine/enginetest"
	"github.com/rendis/homeos/pkg/schema"
)

// harness wraps an enginetest.Env with the platform activities mocked:
// requestApproval hands out env-1, env-2, ... and a token is valid only
// when it equals tokenFor(envelopeID).
type harness struct {
	*enginetest.Env
	t         *testing.T
	envelopes int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{Env: enginetest.NewEnv(), t: t}
	enginetest.Mock(h.Env, activities.EmitTaskEvent, func(activities.EmitEventInput) (activities.Empty, error) {
		return activities.Empty{}, nil
	})
	enginetest.Mock(h.Env, activities.UpdateTask, func(activities.UpdateTaskInput) (activities.Empty, error) {
		return activities.Empty{}, nil
	})
	enginetest.Mock(h.Env, activities.RequestApproval, func(activities.RequestApprovalInput) (activities.RequestApprovalResult, error) {
		h.envelopes++
		return activities.RequestApprovalResult{EnvelopeID: fmt.Sprintf("env-%d", h.envelopes), AuditHash: "hash"}, nil
	})
	enginetest.Mock(h.Env, activities.VerifyApprovalToken, func(in activities.VerifyTokenInput) (activities.VerifyTokenResult, error) {
		if in.Token != tokenFor(in.EnvelopeID) {
			return activities.VerifyTokenResult{Reason: "signature mismatch"}, nil
		}
		return activities.VerifyTokenResult{Valid: true, UserID: "user-1"}, nil
	})
	return h
}

func tokenFor(envelopeID string) string { return "tok-" + envelopeID }

// approveAfter approves envelopeID with a valid token once delay has passed.
func (h *harness) approveAfter(envelopeID string, delay time.Duration) {
	h.RegisterDelayedCallback(func() {
		h.QueueSignal(schema.SignalApproval, schema.ApprovalSignal{EnvelopeID: envelopeID, Approved: true, Token: tokenFor(envelopeID)})
	}, delay)
}

func (h *harness) denyAfter(envelopeID, reason string, delay time.Duration) {
	h.RegisterDelayedCallback(func() {
		h.QueueSignal(schema.SignalApproval, schema.ApprovalSignal{EnvelopeID: envelopeID, Reason: reason})
	}, delay)
}

func (h *harness) signalAfter(name string, payload any, delay time.Duration) {
	h.RegisterDelayedCallback(func() { h.QueueSignal(name, payload) }, delay)
}

// run executes def and decodes its result into out.
func (h *harness) run(def engine.Definition, input, out any) {
	h.t.Helper()
	raw, err := h.Execute(def, input)
	require.NoError(h.t, err)
	require.NoError(h.t, json.Unmarshal(raw, out))
}

// events returns the emitted audit events of one type in order.
func (h *harness) events(eventType string) []activities.EmitEventInput {
	h.t.Helper()
	var out []activities.EmitEventInput
	for _, c := range h.Calls(activities.EmitTaskEvent) {
		var ev activities.EmitEventInput
		require.NoError(h.t, json.Unmarshal(c.Input, &ev))
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// phases returns the phase names emitted under prefix.
func (h *harness) phases(prefix string) []string {
	var out []string
	for _, ev := range h.events(prefix + ".phase") {
		if m, ok := ev.Payload.(map[string]any); ok {
			out = append(out, fmt.Sprint(m["phase"]))
		}
	}
	return out
}

// payload returns the payload of the single event of eventType.
func (h *harness) payload(eventType string) map[string]any {
	h.t.Helper()
	evs := h.events(eventType)
	require.Len(h.t, evs, 1, "events of type %s", eventType)
	m, ok := evs[0].Payload.(map[string]any)
	require.True(h.t, ok)
	return m
}

// taskUpdates returns every updateTask input in order.
func (h *harness) taskUpdates() []activities.UpdateTaskInput {
	h.t.Helper()
	var out []activities.UpdateTaskInput
	for _, c := range h.Calls(activities.UpdateTask) {
		var u activities.UpdateTaskInput
		require.NoError(h.t, json.Unmarshal(c.Input, &u))
		out = append(out, u)
	}
	return out
}

// lastStatus is the final task status the workflow set.
func (h *harness) lastStatus() schema.TaskStatus {
	h.t.Helper()
	var last schema.TaskStatus
	for _, u := range h.taskUpdates() {
		if u.Status != nil {
			last = *u.Status
		}
	}
	return last
}

// input decodes the n-th recorded input of an activity.
func input[T any](h *harness, name string, n int) T {
	h.t.Helper()
	calls := h.Calls(name)
	require.Greater(h.t, len(calls), n, "calls to %s", name)
	var v T
	require.NoError(h.t, json.Unmarshal(calls[n].Input, &v))
	return v
}
