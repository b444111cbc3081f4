package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/loomworks/loom/pkg/schema"
)

// ExprEngine is the default engine for {{...}} templates and condition
// nodes, backed by expr-lang/expr. The language covers array operations
// (filter, map, any, all, sum), string helpers, nil coalescing (??) and
// optional chaining (?.) without exposing I/O or arbitrary code.
type ExprEngine struct {
	cache *compileCache[*vm.Program]
}

// NewExprEngine creates a new Expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{cache: newCompileCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression against vars; the map keys become top-level
// variables. Compiled programs are cached, so repeated evaluation of the
// same expression (loop bodies) skips recompilation.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	env := vars
	if env == nil {
		env = map[string]any{}
	}

	prg, err := e.cache.fetch(expression, func() (*vm.Program, error) {
		compiled, err := expr.Compile(expression,
			expr.Env(env),
			expr.AllowUndefinedVariables(),
		)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"expr compile error in %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		return compiled, nil
	})
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

var _ Engine = (*ExprEngine)(nil)
