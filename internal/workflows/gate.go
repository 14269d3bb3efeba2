package workflows

import (
	"encoding/json"
	"time"

	"github.com/rendis/homeos/internal/activities"
	"github.com/rendis/homeos/internal/tasks"
	"github.com/rendis/homeos/pkg/schema"
)

// approvalBook collects approval decisions for one instance. It is written
// only by the approval signal handler and read only by await predicates. The
// first decision per envelope wins.
type approvalBook struct {
	decisions map[string]schema.ApprovalSignal
}

func newApprovalBook(r *run) *approvalBook {
	b := &approvalBook{decisions: make(map[string]schema.ApprovalSignal)}
	r.ctx.OnSignal(schema.SignalApproval, func(raw json.RawMessage) {
		var sig schema.ApprovalSignal
		if err := json.Unmarshal(raw, &sig); err != nil || sig.EnvelopeID == "" {
			return
		}
		if _, seen := b.decisions[sig.EnvelopeID]; seen {
			return
		}
		b.decisions[sig.EnvelopeID] = sig
	})
	return b
}

func (b *approvalBook) get(envelopeID string) (schema.ApprovalSignal, bool) {
	sig, ok := b.decisions[envelopeID]
	return sig, ok
}

// gateRequest is one side effect that needs a human decision.
type gateRequest struct {
	Intent          string
	ToolName        string
	Inputs          any
	ExpectedOutputs any
	RiskLevel       schema.RiskLevel
	PIIFields       []string
	RollbackPlan    string
	Timeout         time.Duration
	// Quiet skips the awaiting_approval phase event. approval.requested
	// still records the wait.
	Quiet bool
	// Withdrawn, when set, is polled while waiting; a non-empty reason
	// denies the gate without an approval signal.
	Withdrawn func() string
}

// decision is the resolved outcome of a gate.
type decision struct {
	EnvelopeID string
	Status     schema.ApprovalStatus
	Reason     string
	ApprovedBy string
}

func (d decision) approved() bool { return d.Status == schema.ApprovalApproved }

// gate requests approval for req and suspends until it is decided or the
// timeout passes. Only a verified token for this envelope yields approved;
// every other path is denied or expired.
func (r *run) gate(book *approvalBook, req gateRequest) (decision, error) {
	pending, needs := schema.ApprovalStatePending, schema.TaskStatusNeedsApproval
	requiresApproval := true
	r.updateTask(tasks.Update{Status: &needs, ApprovalState: &pending, RiskLevel: &req.RiskLevel, RequiresApproval: &requiresApproval})
	if !req.Quiet {
		r.phase("awaiting_approval", "intent", req.Intent)
	}

	var requested activities.RequestApprovalResult
	if err := r.ctx.ExecuteActivity(activities.RequestApproval, activities.RequestApprovalInput{
		WorkspaceID:     r.info.WorkspaceID,
		UserID:          r.info.UserID,
		TaskID:          r.info.TaskID,
		Intent:          req.Intent,
		ToolName:        req.ToolName,
		Inputs:          req.Inputs,
		ExpectedOutputs: req.ExpectedOutputs,
		RiskLevel:       req.RiskLevel,
		PIIFields:       req.PIIFields,
		RollbackPlan:    req.RollbackPlan,
		TimeoutSeconds:  int(req.Timeout / time.Second),
	}, &requested); err != nil {
		if activityFailed(err) {
			running, none := schema.TaskStatusRunning, schema.ApprovalStateNone
			r.updateTask(tasks.Update{Status: &running, ApprovalState: &none})
		}
		return decision{}, err
	}
	envID := requested.EnvelopeID
	r.emitEvent(activities.EmitEventInput{
		EventID: schema.EventApprovalRequested + "/" + envID,
		Type:    schema.EventApprovalRequested,
		Payload: map[string]any{"envelopeId": envID, "intent": req.Intent, "toolName": req.ToolName, "riskLevel": req.RiskLevel},
	})

	withdrawn := func() string {
		if req.Withdrawn == nil {
			return ""
		}
		return req.Withdrawn()
	}
	ok, err := r.ctx.Await(req.Timeout, func() bool {
		_, decided := book.get(envID)
		return decided || withdrawn() != ""
	})
	if err != nil {
		return decision{}, err
	}

	d := decision{EnvelopeID: envID}
	sig, decided := book.get(envID)
	switch {
	case decided && sig.Approved && sig.Token == "":
		d.Status, d.Reason = schema.ApprovalDenied, "missing approval token"
	case decided && sig.Approved:
		var verified activities.VerifyTokenResult
		if err := r.ctx.ExecuteActivity(activities.VerifyApprovalToken, activities.VerifyTokenInput{EnvelopeID: envID, Token: sig.Token}, &verified); err != nil {
			if !activityFailed(err) {
				return decision{}, err
			}
			verified.Reason = err.Error()
		}
		if verified.Valid {
			d.Status, d.ApprovedBy = schema.ApprovalApproved, verified.UserID
		} else {
			d.Status, d.Reason = schema.ApprovalDenied, "invalid approval token: "+verified.Reason
		}
	case decided:
		d.Status, d.Reason = schema.ApprovalDenied, sig.Reason
		if d.Reason == "" {
			d.Reason = "denied by user"
		}
	case withdrawn() != "":
		d.Status, d.Reason = schema.ApprovalDenied, withdrawn()
	case !ok:
		d.Status, d.Reason = schema.ApprovalExpired, "approval timed out"
	}

	r.emitEvent(activities.EmitEventInput{
		EventID: schema.EventApprovalGateClosed + "/" + envID,
		Type:    schema.EventApprovalGateClosed,
		Payload: map[string]any{"envelopeId": envID, "status": d.Status, "reason": d.Reason},
	})
	state := approvalState(d.Status)
	running := schema.TaskStatusRunning
	r.updateTask(tasks.Update{Status: &running, ApprovalState: &state})
	r.logger().Info("approval gate resolved", "envelope_id", envID, "status", d.Status, "reason", d.Reason)
	return d, nil
}

func approvalState(s schema.ApprovalStatus) schema.ApprovalState {
	switch s {
	case schema.ApprovalApproved:
		return schema.ApprovalStateApproved
	case schema.ApprovalExpired:
		return schema.ApprovalStateExpired
	}
	return schema.ApprovalStateDenied
}
