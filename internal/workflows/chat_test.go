package workflows

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/homeos/internal/activities"
	"github.com/rendis/homeos/internal/engine"
	"github.com/rendis/homeos/internal/engine/enginetest"
	"github.com/rendis/homeos/pkg/schema"
)

var chatInput = ChatTurnInput{WorkspaceID: "ws-1", UserID: "user-1", Message: "note the plants and text Alice"}

func chatDef() engine.Definition {
	return engine.NewDefinition(string(schema.WorkflowChatTurn), ChatTurn)
}

func mockChat(h *harness, steps []activities.PlanStep, toolErr error) {
	enginetest.Mock(h.Env, activities.Understand, func(activities.UnderstandInput) (activities.Understanding, error) {
		return activities.Understanding{Intent: "multi", Confidence: 0.9}, nil
	})
	enginetest.Mock(h.Env, activities.Recall, func(activities.RecallInput) (activities.RecallResult, error) {
		return activities.RecallResult{}, nil
	})
	enginetest.Mock(h.Env, activities.PlanSteps, func(activities.PlanInput) (activities.Plan, error) {
		return activities.Plan{Steps: steps}, nil
	})
	enginetest.Mock(h.Env, activities.ExecuteToolCall, func(in activities.ToolCallInput) (activities.ToolCallResult, error) {
		if toolErr != nil {
			return activities.ToolCallResult{}, toolErr
		}
		return activities.ToolCallResult{ToolName: in.ToolName, Output: json.RawMessage(`{"ok":true}`)}, nil
	})
	enginetest.Mock(h.Env, activities.Reflect, func(in activities.ReflectInput) (activities.Reflection, error) {
		return activities.Reflection{Response: "done", Complete: len(in.Actions) > 0}, nil
	})
	enginetest.Mock(h.Env, activities.Writeback, func(activities.WritebackInput) (activities.WritebackResult, error) {
		return activities.WritebackResult{Stored: 1}, nil
	})
}

var chatSteps = []activities.PlanStep{
	{Intent: "Add a note", ToolName: "notes.append", Inputs: map[string]any{"text": "water plants"}, RiskLevel: schema.RiskLow},
	{Intent: "Text Alice", ToolName: "messaging.send", Inputs: map[string]any{"to": "Alice", "body": "hi"}, RiskLevel: schema.RiskMedium, RequiresApproval: true},
}

func TestChatTurn_GatesRiskyStepsOnly(t *testing.T) {
	h := newHarness(t)
	mockChat(h, chatSteps, nil)
	h.approveAfter("env-1", time.Hour)

	var res ChatTurnResult
	h.run(chatDef(), chatInput, &res)

	assert.Equal(t, "done", res.Response)
	assert.Equal(t, []string{"Completed: Add a note", "Completed: Text Alice"}, res.Actions)
	assert.Equal(t, 1, h.CallCount(activities.RequestApproval))
	assert.Equal(t, "messaging.send", input[activities.RequestApprovalInput](h, activities.RequestApproval, 0).ToolName)

	first := input[activities.ToolCallInput](h, activities.ExecuteToolCall, 0)
	assert.Equal(t, "chat-wf-test-0-notes.append", first.IdempotencyKey)
	second := input[activities.ToolCallInput](h, activities.ExecuteToolCall, 1)
	assert.Equal(t, "chat-wf-test-1-messaging.send", second.IdempotencyKey)

	assert.Equal(t, []string{"understand", "recall", "plan", "executing", "awaiting_approval", "executing", "reflect", "writeback"}, h.phases("chat"))
	assert.Equal(t, "done", h.payload("chat.complete")["response"])
	assert.Equal(t, schema.TaskStatusDone, h.lastStatus())
}

func TestChatTurn_DeniedAndExpiredStepsAreSkipped(t *testing.T) {
	steps := append(chatSteps, activities.PlanStep{
		Intent: "Order groceries", ToolName: "groceries.order", Inputs: map[string]any{"items": []any{"milk"}}, RiskLevel: schema.RiskHigh, RequiresApproval: true,
	})
	h := newHarness(t)
	mockChat(h, steps, nil)
	h.denyAfter("env-1", "not now", time.Hour)
	// env-2 is never answered.

	var res ChatTurnResult
	h.run(chatDef(), chatInput, &res)

	assert.Equal(t, []string{
		"Completed: Add a note",
		"Skipped: Text Alice (not now)",
		"Skipped: Order groceries (approval timed out)",
	}, res.Actions)
	assert.Equal(t, 1, h.CallCount(activities.ExecuteToolCall))
}

func TestChatTurn_PolicyRiskForcesGate(t *testing.T) {
	// The planner forgot to flag the step; its risk level still requires approval.
	steps := []activities.PlanStep{{Intent: "Pay bill", ToolName: "payments.send", RiskLevel: schema.RiskHigh}}
	h := newHarness(t)
	mockChat(h, steps, nil)

	var res ChatTurnResult
	h.run(chatDef(), chatInput, &res)

	assert.Equal(t, []string{"Skipped: Pay bill (approval timed out)"}, res.Actions)
	assert.Zero(t, h.CallCount(activities.ExecuteToolCall))
}

func TestChatTurn_ToolErrorsAreRecorded(t *testing.T) {
	h := newHarness(t)
	mockChat(h, chatSteps[:1], schema.NewError(schema.ErrCodeValidation, "text is required"))

	var res ChatTurnResult
	h.run(chatDef(), chatInput, &res)

	require.Len(t, res.Actions, 1)
	assert.Contains(t, res.Actions[0], "Failed: Add a note - ")
	assert.Contains(t, res.Actions[0], "text is required")
	assert.Empty(t, res.Error)
}

func TestChatTurn_ApprovalRequestFailureSkipsOnlyThatStep(t *testing.T) {
	steps := []activities.PlanStep{
		{Intent: "Text Alice", ToolName: "messaging.send", RiskLevel: schema.RiskMedium, RequiresApproval: true},
		{Intent: "Add a note", ToolName: "notes.append", RiskLevel: schema.RiskLow},
	}
	h := newHarness(t)
	mockChat(h, steps, nil)
	enginetest.Mock(h.Env, activities.RequestApproval, func(activities.RequestApprovalInput) (activities.RequestApprovalResult, error) {
		return activities.RequestApprovalResult{}, schema.NewError(schema.ErrCodeExecution, "control plane unreachable")
	})

	var res ChatTurnResult
	h.run(chatDef(), chatInput, &res)

	require.Len(t, res.Actions, 2)
	assert.Contains(t, res.Actions[0], "Failed: Text Alice - ")
	assert.Contains(t, res.Actions[0], "control plane unreachable")
	assert.Equal(t, "Completed: Add a note", res.Actions[1])
	assert.Empty(t, res.Error)
	assert.Equal(t, 1, h.CallCount(activities.ExecuteToolCall))
	assert.Equal(t, "notes.append", input[activities.ToolCallInput](h, activities.ExecuteToolCall, 0).ToolName)
	assert.Zero(t, h.CallCount(activities.VerifyApprovalToken))
	assert.Equal(t, schema.TaskStatusDone, h.lastStatus())
}

func TestChatTurn_UnderstandFailureEndsTurn(t *testing.T) {
	h := newHarness(t)
	mockChat(h, nil, nil)
	enginetest.Mock(h.Env, activities.Understand, func(activities.UnderstandInput) (activities.Understanding, error) {
		return activities.Understanding{}, schema.NewError(schema.ErrCodeExecution, "reasoner offline")
	})

	var res ChatTurnResult
	h.run(chatDef(), chatInput, &res)

	assert.Contains(t, res.Error, "reasoner offline")
	assert.Contains(t, res.Response, "Sorry")
	assert.Equal(t, []string{}, res.Actions)
	assert.Equal(t, schema.TaskStatusFailed, h.lastStatus())
}
