package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/loomworks/loom/pkg/schema"
)

// GoJQEngine runs jq programs for transform and filter nodes. Environment
// access ($ENV, env) is disabled so programs stay pure data reshaping.
type GoJQEngine struct {
	cache *compileCache[*gojq.Code]
}

// NewGoJQEngine creates a new GoJQ engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: newCompileCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs a jq program with vars as the input object. jq programs can
// produce multiple outputs: exactly one is returned directly, several are
// collected into []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	return e.run(ctx, expression, toJQValue(vars))
}

// EvaluateInput runs a jq program against an arbitrary input value rather
// than a scope map. Transform nodes feed the node's input data here.
func (e *GoJQEngine) EvaluateInput(ctx context.Context, expression string, input any) (any, error) {
	return e.run(ctx, expression, toJQValue(input))
}

func (e *GoJQEngine) run(ctx context.Context, expression string, input any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.cache.fetch(expression, func() (*gojq.Code, error) {
		return compileJQ(expression)
	})
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input)

	var outputs []any
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if jqErr, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"jq evaluation failed for %q: %s", expression, jqErr.Error()).
				WithCause(jqErr).
				WithDetails(map[string]any{"expression": expression})
		}
		outputs = append(outputs, v)
	}

	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	default:
		return outputs, nil
	}
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Empty environ loader blocks $ENV and env.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return code, nil
}

// toJQValue recursively converts Go values into the types gojq accepts.
// jq represents every number as float64.
func toJQValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, elem := range val {
			out[key] = toJQValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = toJQValue(elem)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
