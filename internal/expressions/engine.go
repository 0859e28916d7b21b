package expressions

import "context"

// Engine evaluates expressions found in scenarios.
// Three implementations: Expr (inputs and outputs), CEL (validations), GoJQ (JSON transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
