package expressions

import "context"

// Engine evaluates a raw expression against a variable scope.
// Three implementations: Expr (default templates and conditions),
// CEL (opt-in conditions), GoJQ (data transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)
}

// Evaluator is the surface node executors use. Templates are strings that may
// embed {{ ... }} references; conditions are bare expressions coerced to bool.
type Evaluator interface {
	EvaluateTemplate(ctx context.Context, template string, vars map[string]any) (any, error)
	EvaluateCondition(ctx context.Context, expression string, vars map[string]any) (bool, error)
}
