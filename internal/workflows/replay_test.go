package workflows

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/homeos/internal/activities"
	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/logging"
	"github.com/rendis/homeos/internal/store"
	"github.com/rendis/homeos/pkg/schema"
)

// stubExecutor answers activities from fixed functions and counts calls.
type stubExecutor struct {
	mu    sync.Mutex
	fns   map[string]func(json.RawMessage) (any, error)
	calls map[string]int
}

func (s *stubExecutor) Execute(_ context.Context, req engine.ActivityRequest) (json.RawMessage, error) {
	s.mu.Lock()
	fn := s.fns[req.Name]
	s.calls[req.Name]++
	s.mu.Unlock()
	if fn == nil {
		return json.Marshal(activities.Empty{})
	}
	out, err := fn(req.Input)
	if err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

func (s *stubExecutor) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func reservationStubs() *stubExecutor {
	return &stubExecutor{
		calls: map[string]int{},
		fns: map[string]func(json.RawMessage) (any, error){
			activities.SearchCandidates: func(json.RawMessage) (any, error) {
				return activities.CandidatesResult{Candidates: []activities.Candidate{{ID: "r1", Name: "Trattoria Uno", Phone: "+15550001"}}}, nil
			},
			activities.RequestApproval: func(json.RawMessage) (any, error) {
				return activities.RequestApprovalResult{EnvelopeID: "env-1"}, nil
			},
			activities.VerifyApprovalToken: func(raw json.RawMessage) (any, error) {
				var in activities.VerifyTokenInput
				if err := json.Unmarshal(raw, &in); err != nil {
					return nil, err
				}
				return activities.VerifyTokenResult{Valid: in.Token == tokenFor(in.EnvelopeID)}, nil
			},
			activities.PlaceCall: func(json.RawMessage) (any, error) {
				return activities.CallResult{CallSID: "CA1", Transcript: "confirmed"}, nil
			},
			activities.HandleCallOutcome: func(json.RawMessage) (any, error) {
				return activities.CallOutcome{Success: true, ConfirmationNumber: "ABC123"}, nil
			},
		},
	}
}

func TestReservationCall_ReplayIsDeterministic(t *testing.T) {
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "workflows.db"))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })

	stubs := reservationStubs()
	rt := engine.NewRuntime(st, NewRegistry(), stubs, engine.RuntimeConfig{Logger: logging.Discard(), PollInterval: 10 * time.Millisecond})
	t.Cleanup(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(sctx)
	})

	wf, err := rt.Start(ctx, engine.StartRequest{
		Type:        string(schema.WorkflowReservationCall),
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		Input:       reservationInput,
	})
	require.NoError(t, err)
	require.NoError(t, rt.Signal(ctx, wf.ID, schema.SignalCandidateSelection, schema.CandidateSelectionSignal{SelectedCandidateID: "r1"}))
	require.NoError(t, rt.Signal(ctx, wf.ID, schema.SignalApproval, schema.ApprovalSignal{EnvelopeID: "env-1", Approved: true, Token: tokenFor("env-1")}))

	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	done, err := rt.Wait(wctx, wf.ID)
	require.NoError(t, err)
	require.Equal(t, schema.WorkflowStatusCompleted, done.Status)

	var res ReservationResult
	require.NoError(t, json.Unmarshal(done.Output, &res))
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "ABC123", res.Reservation.ConfirmationNumber)

	before := stubs.count(activities.PlaceCall)
	for i := 0; i < 2; i++ {
		out, err := rt.Replay(ctx, wf.ID)
		require.NoError(t, err)
		assert.JSONEq(t, string(done.Output), string(out))
	}
	assert.Equal(t, 1, before)
	assert.Equal(t, before, stubs.count(activities.PlaceCall), "replay must not re-run side effects")
}
