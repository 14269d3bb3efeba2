package workflows

import (
	"fmt"
	"time"

	"github.com/rendis/homeos/internal/activities"
	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/policy"
)

const (
	chatApprovalTimeout = 24 * time.Hour
	chatRecallLimit     = 5
)

// ChatTurnInput is one user message.
type ChatTurnInput struct {
	SessionID   string `json:"sessionId,omitempty"`
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId"`
	Message     string `json:"message"`
}

// ChatTurnResult is the reply and one line per planned step.
type ChatTurnResult struct {
	Response string   `json:"response"`
	Actions  []string `json:"actions"`
	Error    string   `json:"error,omitempty"`
}

// ChatTurn understands a message, plans tool steps, runs each one behind an
// approval gate when its risk calls for it and replies.
func ChatTurn(ctx engine.Context, in ChatTurnInput) (ChatTurnResult, error) {
	r := newRun(ctx, "chat", in.WorkspaceID, in.UserID)
	book := newApprovalBook(r)

	res, err := chatTurn(r, book, in)
	reason := ""
	if err = conclude(err, &reason); err != nil {
		return ChatTurnResult{}, err
	}
	if reason != "" {
		res.Error = reason
		if res.Response == "" {
			res.Response = "Sorry, I couldn't finish that: " + reason
		}
	}
	if res.Actions == nil {
		res.Actions = []string{}
	}
	summary := reason
	if summary == "" {
		summary = fmt.Sprintf("%d action(s)", len(res.Actions))
	}
	r.finish(reason == "", summary, map[string]any{"response": res.Response, "actions": res.Actions})
	return res, nil
}

func chatTurn(r *run, book *approvalBook, in ChatTurnInput) (ChatTurnResult, error) {
	ws := r.info.WorkspaceID

	r.phase("understand")
	var understanding activities.Understanding
	if err := r.ctx.ExecuteActivity(activities.Understand, activities.UnderstandInput{
		WorkspaceID: ws, UserID: r.info.UserID, Message: in.Message,
	}, &understanding); err != nil {
		return ChatTurnResult{}, err
	}

	r.phase("recall")
	var recalled activities.RecallResult
	if err := r.ctx.ExecuteActivity(activities.Recall, activities.RecallInput{
		WorkspaceID: ws, Query: in.Message, Limit: chatRecallLimit,
	}, &recalled); err != nil {
		return ChatTurnResult{}, err
	}

	r.phase("plan")
	var plan activities.Plan
	if err := r.ctx.ExecuteActivity(activities.PlanSteps, activities.PlanInput{
		WorkspaceID: ws, Message: in.Message, Understanding: understanding, Memories: recalled.Memories,
	}, &plan); err != nil {
		return ChatTurnResult{}, err
	}

	actions := []string{}
	for i, step := range plan.Steps {
		if step.RequiresApproval || policy.RequiresApproval(step.RiskLevel) {
			d, err := r.gate(book, gateRequest{
				Intent:    step.Intent,
				ToolName:  step.ToolName,
				Inputs:    step.Inputs,
				RiskLevel: step.RiskLevel,
				Timeout:   chatApprovalTimeout,
			})
			if err != nil {
				if !activityFailed(err) {
					return ChatTurnResult{Actions: actions}, err
				}
				actions = append(actions, fmt.Sprintf("Failed: %s - %s", step.Intent, err.Error()))
				continue
			}
			if !d.approved() {
				actions = append(actions, fmt.Sprintf("Skipped: %s (%s)", step.Intent, d.Reason))
				continue
			}
		}

		r.phase("executing", "step", step.Intent)
		err := r.ctx.ExecuteActivity(activities.ExecuteToolCall, activities.ToolCallInput{
			WorkspaceID:    ws,
			ToolName:       step.ToolName,
			Inputs:         step.Inputs,
			IdempotencyKey: fmt.Sprintf("chat-%s-%d-%s", r.info.WorkflowID, i, step.ToolName),
		}, nil)
		switch {
		case err == nil:
			actions = append(actions, "Completed: "+step.Intent)
		case activityFailed(err):
			actions = append(actions, fmt.Sprintf("Failed: %s - %s", step.Intent, err.Error()))
		default:
			return ChatTurnResult{Actions: actions}, err
		}
	}

	r.phase("reflect")
	var reflection activities.Reflection
	if err := r.ctx.ExecuteActivity(activities.Reflect, activities.ReflectInput{
		WorkspaceID: ws, Message: in.Message, Understanding: understanding, Actions: actions,
	}, &reflection); err != nil {
		return ChatTurnResult{Actions: actions}, err
	}

	r.phase("writeback")
	if err := r.ctx.ExecuteActivity(activities.Writeback, activities.WritebackInput{
		WorkspaceID: ws, Message: in.Message, Response: reflection.Response, Actions: actions,
	}, nil); err != nil {
		if !activityFailed(err) {
			return ChatTurnResult{Response: reflection.Response, Actions: actions}, err
		}
		r.logger().Warn("memory writeback failed", "error", err)
	}

	return ChatTurnResult{Response: reflection.Response, Actions: actions}, nil
}
