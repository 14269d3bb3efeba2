package activities

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/homeos/internal/expressions"
	"github.com/rendis/homeos/internal/policy"
	"github.com/rendis/homeos/internal/tools"
	"github.com/rendis/homeos/pkg/schema"
)

// UnderstandInput is one user message.
type UnderstandInput struct {
	WorkspaceID string `json:"workspaceId"`
	UserID      string `json:"userId,omitempty"`
	Message     string `json:"message"`
}

// Understanding is the interpreted message.
type Understanding struct {
	Intent                 string         `json:"intent"`
	Entities               map[string]any `json:"entities,omitempty"`
	Confidence             float64        `json:"confidence"`
	NeedsClarification     bool           `json:"needsClarification"`
	ClarificationQuestions []string       `json:"clarificationQuestions,omitempty"`
}

// RecallInput searches workspace memory.
type RecallInput struct {
	WorkspaceID string `json:"workspaceId"`
	Query       string `json:"query"`
	Limit       int    `json:"limit,omitempty"`
}

// Memory is one remembered fact.
type Memory struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// RecallResult lists matching memories, newest first.
type RecallResult struct {
	Memories []Memory `json:"memories"`
}

// PlanInput is what the planner sees.
type PlanInput struct {
	WorkspaceID   string        `json:"workspaceId"`
	Message       string        `json:"message"`
	Understanding Understanding `json:"understanding"`
	Memories      []Memory      `json:"memories,omitempty"`
}

// PlanStep is one tool invocation the turn proposes.
type PlanStep struct {
	Intent           string           `json:"intent"`
	ToolName         string           `json:"toolName"`
	Inputs           map[string]any   `json:"inputs"`
	RiskLevel        schema.RiskLevel `json:"riskLevel"`
	RequiresApproval bool             `json:"requiresApproval"`
}

// Plan is the ordered list of steps for one turn.
type Plan struct {
	Steps     []PlanStep `json:"steps"`
	Reasoning string     `json:"reasoning,omitempty"`
}

// ReflectInput summarizes what the turn did.
type ReflectInput struct {
	WorkspaceID   string        `json:"workspaceId"`
	Message       string        `json:"message"`
	Understanding Understanding `json:"understanding"`
	Actions       []string      `json:"actions"`
}

// Reflection is the reply to the user.
type Reflection struct {
	Response string `json:"response"`
	Complete bool   `json:"complete"`
}

// WritebackInput is the turn to remember.
type WritebackInput struct {
	WorkspaceID string   `json:"workspaceId"`
	Message     string   `json:"message"`
	Response    string   `json:"response"`
	Actions     []string `json:"actions,omitempty"`
}

// WritebackResult reports how many memories were stored.
type WritebackResult struct {
	Stored int `json:"stored"`
}

// Reasoner is the opaque content-generation provider behind the chat activities.
type Reasoner interface {
	Understand(ctx context.Context, in UnderstandInput) (Understanding, error)
	Plan(ctx context.Context, in PlanInput) (Plan, error)
	Reflect(ctx context.Context, in ReflectInput) (Reflection, error)
	Writeback(ctx context.Context, in WritebackInput) (WritebackResult, error)
}

// intentRule maps a CEL predicate over the message to one tool step.
type intentRule struct {
	intent string
	tool   string
	when   string
	inputs func(message string, now time.Time) map[string]any
}

var (
	recipientRe = regexp.MustCompile(`(?i)\b(?:text|message|tell)\s+([A-Z][a-z]+|[a-z]+)`)
	amountRe    = regexp.MustCompile(`\$(\d+(?:\.\d+)?)`)
	orderRe     = regexp.MustCompile(`(?i)\b(?:order|buy|get)\s+(?:some\s+)?(.+)`)
)

var intentRules = []intentRule{
	{
		intent: "read calendar",
		tool:   "calendar.read",
		when:   `message.matches("(?i)\\bmy (schedule|calendar)\\b")`,
		inputs: func(string, time.Time) map[string]any { return map[string]any{} },
	},
	{
		intent: "create calendar event",
		tool:   "calendar.create_event",
		when:   `message.matches("(?i)\\b(schedule|calendar|appointment|meeting)\\b") && !message.matches("(?i)\\bmy (schedule|calendar)\\b")`,
		inputs: func(msg string, now time.Time) map[string]any {
			return map[string]any{"title": msg, "start": eventStart(msg, now).Format(time.RFC3339)}
		},
	},
	{
		intent: "send message",
		tool:   "messaging.send",
		when:   `message.matches("(?i)\\b(text|message|tell)\\b")`,
		inputs: func(msg string, _ time.Time) map[string]any {
			to := "household"
			if m := recipientRe.FindStringSubmatch(msg); m != nil {
				to = m[1]
			}
			return map[string]any{"to": to, "body": msg}
		},
	},
	{
		intent: "save note",
		tool:   "notes.append",
		when:   `message.matches("(?i)\\b(remind|remember|note)\\b")`,
		inputs: func(msg string, _ time.Time) map[string]any { return map[string]any{"text": msg} },
	},
	{
		intent: "order groceries",
		tool:   "groceries.order",
		when:   `message.matches("(?i)\\b(groceries|grocery|order)\\b")`,
		inputs: func(msg string, _ time.Time) map[string]any {
			in := map[string]any{"items": groceryItems(msg)}
			if a, ok := amountOf(msg); ok {
				in["amount"] = a
			}
			return in
		},
	},
}

// LocalReasoner is a deterministic Reasoner driven by CEL intent rules over
// the message text.
type LocalReasoner struct {
	cel    *expressions.CELEngine
	policy *policy.Store
	tools  *tools.Registry
	ledger *tools.Ledger
	now    func() time.Time
}

// NewLocalReasoner compiles the intent rules.
func NewLocalReasoner(p *policy.Store, reg *tools.Registry, ledger *tools.Ledger, now func() time.Time) (*LocalReasoner, error) {
	engine, err := expressions.NewCELEngine("message")
	if err != nil {
		return nil, err
	}
	for _, r := range intentRules {
		if err := engine.Check(r.when); err != nil {
			return nil, fmt.Errorf("intent rule %q: %w", r.intent, err)
		}
	}
	return &LocalReasoner{cel: engine, policy: p, tools: reg, ledger: ledger, now: now}, nil
}

func (r *LocalReasoner) matches(ctx context.Context, message string) ([]intentRule, error) {
	var out []intentRule
	for _, rule := range intentRules {
		ok, err := r.cel.EvaluateBool(ctx, rule.when, map[string]any{"message": message})
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (r *LocalReasoner) Understand(ctx context.Context, in UnderstandInput) (Understanding, error) {
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return Understanding{
			Intent:                 "unknown",
			NeedsClarification:     true,
			ClarificationQuestions: []string{"What would you like me to do?"},
		}, nil
	}
	rules, err := r.matches(ctx, msg)
	if err != nil {
		return Understanding{}, err
	}
	u := Understanding{Intent: "conversation", Confidence: 0.5, Entities: map[string]any{}}
	if len(rules) > 0 {
		intents := make([]string, len(rules))
		for i, rule := range rules {
			intents[i] = rule.intent
		}
		u.Intent = strings.Join(intents, ", ")
		u.Confidence = 0.9
	}
	if m := recipientRe.FindStringSubmatch(msg); m != nil {
		u.Entities["recipient"] = m[1]
	}
	if a, ok := amountOf(msg); ok {
		u.Entities["amount"] = a
	}
	return u, nil
}

func (r *LocalReasoner) Plan(ctx context.Context, in PlanInput) (Plan, error) {
	if in.Understanding.NeedsClarification {
		return Plan{Reasoning: "clarification needed"}, nil
	}
	rules, err := r.matches(ctx, strings.TrimSpace(in.Message))
	if err != nil {
		return Plan{}, err
	}
	now := r.now().UTC()
	pol := r.policy.Current()
	var plan Plan
	for _, rule := range rules {
		inputs := rule.inputs(in.Message, now)
		level := pol.Classify(ctx, policy.Action{Tool: rule.tool, Intent: rule.intent, Inputs: inputs}).Level
		if t, err := r.tools.Get(rule.tool); err == nil && t.Schema().Risk != "" {
			level = policy.Max(level, t.Schema().Risk)
		}
		plan.Steps = append(plan.Steps, PlanStep{
			Intent:           rule.intent,
			ToolName:         rule.tool,
			Inputs:           inputs,
			RiskLevel:        level,
			RequiresApproval: policy.RequiresApproval(level),
		})
	}
	plan.Reasoning = fmt.Sprintf("%d step(s) matched", len(plan.Steps))
	return plan, nil
}

func (r *LocalReasoner) Reflect(_ context.Context, in ReflectInput) (Reflection, error) {
	if in.Understanding.NeedsClarification {
		return Reflection{Response: strings.Join(in.Understanding.ClarificationQuestions, " ")}, nil
	}
	if len(in.Actions) == 0 {
		return Reflection{Response: "I didn't find anything to do for that. Could you tell me more?"}, nil
	}
	var b strings.Builder
	b.WriteString("Here's what happened:")
	complete := true
	for _, a := range in.Actions {
		b.WriteString("\n- ")
		b.WriteString(a)
		if !strings.HasPrefix(a, "Completed:") {
			complete = false
		}
	}
	return Reflection{Response: b.String(), Complete: complete}, nil
}

func (r *LocalReasoner) Writeback(_ context.Context, in WritebackInput) (WritebackResult, error) {
	if strings.TrimSpace(in.Message) == "" {
		return WritebackResult{}, nil
	}
	r.ledger.Record("memory.write", tools.Call{
		WorkspaceID: in.WorkspaceID,
		Inputs:      map[string]any{"text": in.Message, "response": in.Response},
	})
	return WritebackResult{Stored: 1}, nil
}

func eventStart(msg string, now time.Time) time.Time {
	if strings.Contains(strings.ToLower(msg), "tomorrow") {
		d := now.AddDate(0, 0, 1)
		return time.Date(d.Year(), d.Month(), d.Day(), 9, 0, 0, 0, time.UTC)
	}
	return now.Truncate(time.Hour).Add(time.Hour)
}

func amountOf(msg string) (float64, bool) {
	m := amountRe.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	return v, err == nil
}

func groceryItems(msg string) []any {
	list := msg
	if m := orderRe.FindStringSubmatch(msg); m != nil {
		list = m[1]
	}
	list = amountRe.ReplaceAllString(list, "")
	list = strings.NewReplacer(" and ", ",", "groceries", "", "grocery", "").Replace(list)
	var items []any
	for _, part := range strings.Split(list, ",") {
		part = strings.Trim(strings.TrimSpace(part), ".!?")
		if part != "" {
			items = append(items, part)
		}
	}
	if len(items) == 0 {
		items = []any{strings.TrimSpace(msg)}
	}
	return items
}

func (s *Set) understand(ctx context.Context, in UnderstandInput) (Understanding, error) {
	return s.cfg.Reasoner.Understand(ctx, in)
}

func (s *Set) plan(ctx context.Context, in PlanInput) (Plan, error) {
	return s.cfg.Reasoner.Plan(ctx, in)
}

func (s *Set) reflect(ctx context.Context, in ReflectInput) (Reflection, error) {
	return s.cfg.Reasoner.Reflect(ctx, in)
}

func (s *Set) writeback(ctx context.Context, in WritebackInput) (WritebackResult, error) {
	return s.cfg.Reasoner.Writeback(ctx, in)
}

// recall searches notes and remembered turns of the workspace for query words.
func (s *Set) recall(_ context.Context, in RecallInput) (RecallResult, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 5
	}
	words := strings.Fields(strings.ToLower(in.Query))
	var out []Memory
	effects := s.cfg.Ledger.Effects("")
	for i := len(effects) - 1; i >= 0 && len(out) < limit; i-- {
		e := effects[i]
		if e.WorkspaceID != in.WorkspaceID || (e.Tool != "notes.append" && e.Tool != "memory.write") {
			continue
		}
		text, _ := e.Inputs["text"].(string)
		if matchesAny(strings.ToLower(text), words) {
			out = append(out, Memory{ID: e.ID, Kind: e.Tool, Content: text, At: e.At})
		}
	}
	return RecallResult{Memories: out}, nil
}

func matchesAny(text string, words []string) bool {
	for _, w := range words {
		if len(w) > 3 && strings.Contains(text, w) {
			return true
		}
	}
	return false
}

func (s *Set) executeToolCall(ctx context.Context, in ToolCallInput) (ToolCallResult, error) {
	if s.cfg.Proxy == nil {
		return ToolCallResult{}, schema.NewError(schema.ErrCodeNonRetryable, "no proxy configured for tool calls")
	}
	res, err := s.cfg.Proxy.ExecuteToolCall(ctx, in)
	if err != nil {
		return ToolCallResult{}, err
	}
	return *res, nil
}
