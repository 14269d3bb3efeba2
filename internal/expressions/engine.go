package expressions

import "context"

// Engine evaluates policy expressions. CEL drives risk rules, Expr computes
// ranking scores and jq reshapes provider payloads.
type Engine interface {
	Name() string
	// Check compiles expression without running it.
	Check(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
