// Package policy decides how risky an action is, which buyer messages look
// like scams and how helper candidates are scored. Rules live in a YAML file
// and are compiled into a Policy that is safe for concurrent use.
package policy

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/homeos/internal/expressions"
	"github.com/rendis/homeos/pkg/schema"
)

//go:embed default.yaml
var defaultYAML []byte

// File is the on-disk policy document.
type File struct {
	Risk    RiskConfig    `yaml:"risk"`
	Scam    ScamConfig    `yaml:"scam"`
	Ranking RankingConfig `yaml:"ranking"`
}

// RiskConfig classifies actions with CEL predicates over tool, intent,
// inputs and context.
type RiskConfig struct {
	Default schema.RiskLevel `yaml:"default"`
	Rules   []RiskRule       `yaml:"rules"`
}

// RiskRule assigns Level when When evaluates to true.
type RiskRule struct {
	Name  string           `yaml:"name"`
	When  string           `yaml:"when"`
	Level schema.RiskLevel `yaml:"level"`
}

// ScamConfig lists case-insensitive patterns flagged in buyer messages.
type ScamConfig struct {
	Response string        `yaml:"response"`
	Patterns []ScamPattern `yaml:"patterns"`
}

// ScamPattern is one regular expression with the reason shown to the user.
type ScamPattern struct {
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

// RankingConfig holds the expr formula scoring helper candidates.
type RankingConfig struct {
	Formula string `yaml:"formula"`
}

// Parse decodes a YAML policy document.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, schema.NewError(schema.ErrCodeValidation, "parse policy YAML").WithCause(err)
	}
	return f, nil
}

// DefaultFile returns the built-in policy.
func DefaultFile() File {
	f, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in policy: %v", err))
	}
	return f
}

// Action is what a risk rule sees.
type Action struct {
	Tool    string         `json:"tool"`
	Intent  string         `json:"intent"`
	Inputs  map[string]any `json:"inputs,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// Classification is the outcome of Classify.
type Classification struct {
	Level schema.RiskLevel `json:"level"`
	Rules []string         `json:"rules,omitempty"`
}

type compiledScam struct {
	re     *regexp.Regexp
	reason string
}

// Policy is a compiled File.
type Policy struct {
	file    File
	cel     *expressions.CELEngine
	expr    *expressions.ExprEngine
	scams   []compiledScam
	formula string
}

// Compile validates f and prepares every rule. Any invalid rule rejects the
// whole file.
func Compile(f File) (*Policy, error) {
	if err := Validate(f).Err(); err != nil {
		return nil, err
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	p := &Policy{
		file:    f,
		cel:     celEngine,
		expr:    expressions.NewExprEngine(),
		formula: strings.TrimSpace(f.Ranking.Formula),
	}
	for _, r := range f.Risk.Rules {
		if err := p.cel.Check(r.When); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "risk rule %q", r.Name).WithCause(err)
		}
	}
	for _, sp := range f.Scam.Patterns {
		re, err := regexp.Compile("(?i)" + sp.Pattern)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "scam pattern %q", sp.Pattern).WithCause(err)
		}
		p.scams = append(p.scams, compiledScam{re: re, reason: sp.Reason})
	}
	if p.formula != "" {
		if err := p.expr.Check(p.formula); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Default compiles the built-in policy.
func Default() *Policy {
	p, err := Compile(DefaultFile())
	if err != nil {
		panic(fmt.Sprintf("built-in policy: %v", err))
	}
	return p
}

// Validate reports structural problems without compiling expressions.
func Validate(f File) schema.Findings {
	var fs schema.Findings
	if f.Risk.Default != "" && !f.Risk.Default.Valid() {
		fs.Fail("risk.default", "INVALID_RISK_LEVEL", "unknown risk level %q", f.Risk.Default)
	}
	seen := make(map[string]bool)
	for i, r := range f.Risk.Rules {
		path := fmt.Sprintf("risk.rules[%d]", i)
		if r.Name == "" {
			fs.Fail(path+".name", "MISSING_NAME", "risk rule needs a name")
		} else if seen[r.Name] {
			fs.Fail(path+".name", "DUPLICATE_RULE", "risk rule %q defined twice", r.Name)
		}
		seen[r.Name] = true
		if strings.TrimSpace(r.When) == "" {
			fs.Fail(path+".when", "MISSING_CONDITION", "risk rule needs a condition")
		}
		if !r.Level.Valid() {
			fs.Fail(path+".level", "INVALID_RISK_LEVEL", "unknown risk level %q", r.Level)
		}
	}
	for i, sp := range f.Scam.Patterns {
		path := fmt.Sprintf("scam.patterns[%d]", i)
		if sp.Pattern == "" {
			fs.Fail(path+".pattern", "MISSING_PATTERN", "scam pattern is empty")
		}
		if sp.Reason == "" {
			fs.Warn(path+".reason", "MISSING_REASON", "scam pattern has no reason")
		}
	}
	if len(f.Scam.Patterns) > 0 && f.Scam.Response == "" {
		fs.Warn("scam.response", "MISSING_RESPONSE", "no suggested reply for detected scams")
	}
	return fs
}

// File returns the source document.
func (p *Policy) File() File { return p.file }

// Classify evaluates every risk rule and returns the highest matching level,
// or the default level when none match. A rule that fails to evaluate counts
// as matched so that broken inputs never lower the risk.
func (p *Policy) Classify(ctx context.Context, a Action) Classification {
	level := p.file.Risk.Default
	if level == "" {
		level = schema.RiskLow
	}
	out := Classification{Level: level}
	data := map[string]any{
		"tool":    a.Tool,
		"intent":  a.Intent,
		"inputs":  orEmpty(a.Inputs),
		"context": orEmpty(a.Context),
	}
	for _, r := range p.file.Risk.Rules {
		ok, err := p.cel.EvaluateBool(ctx, r.When, data)
		if err == nil && !ok {
			continue
		}
		out.Rules = append(out.Rules, r.Name)
		out.Level = Max(out.Level, r.Level)
	}
	return out
}

// ScamCheck is the outcome of DetectScam.
type ScamCheck struct {
	IsScam            bool     `json:"isScam"`
	Reasons           []string `json:"reasons,omitempty"`
	SuggestedResponse string   `json:"suggestedResponse,omitempty"`
}

// DetectScam matches content against every scam pattern.
func (p *Policy) DetectScam(content string) ScamCheck {
	var out ScamCheck
	for _, s := range p.scams {
		if s.re.MatchString(content) {
			out.Reasons = append(out.Reasons, s.reason)
		}
	}
	if len(out.Reasons) > 0 {
		out.IsScam = true
		out.SuggestedResponse = p.file.Scam.Response
	}
	return out
}

// Score evaluates the ranking formula over precomputed candidate features.
func (p *Policy) Score(ctx context.Context, features map[string]any) (float64, error) {
	if p.formula == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "policy has no ranking formula")
	}
	return p.expr.EvaluateFloat(ctx, p.formula, features)
}

// RequiresApproval reports whether actions at level need a human decision.
// Unknown levels are treated as high.
func RequiresApproval(level schema.RiskLevel) bool {
	return level != schema.RiskLow
}

var riskOrder = map[schema.RiskLevel]int{schema.RiskLow: 0, schema.RiskMedium: 1, schema.RiskHigh: 2}

// Max returns the riskier of a and b. Unknown levels rank as high.
func Max(a, b schema.RiskLevel) schema.RiskLevel {
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func rank(l schema.RiskLevel) int {
	if r, ok := riskOrder[l]; ok {
		return r
	}
	return riskOrder[schema.RiskHigh]
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
