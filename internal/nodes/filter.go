package nodes

import (
	"context"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// FilterExecutor keeps the items of a list matching a predicate. Modes:
// "expression" evaluates the predicate per item with `item` and `index`
// bound; "jq" runs a jq program producing the filtered list.
type FilterExecutor struct {
	eval *expressions.TemplateEvaluator
	jq   *expressions.GoJQEngine
}

func NewFilterExecutor(eval *expressions.TemplateEvaluator, jq *expressions.GoJQEngine) *FilterExecutor {
	return &FilterExecutor{eval: eval, jq: jq}
}

func (e *FilterExecutor) Type() schema.NodeType { return schema.NodeTypeFilter }

func (e *FilterExecutor) Execute(ctx context.Context, node *schema.Node, input Payload) (any, error) {
	cfg := configOf(node)
	mode := stringParam(cfg, "mode", "expression")

	items := filterItems(input)

	switch mode {
	case "expression":
		expr := stringParam(cfg, "expression", "")
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"filter node requires 'expression'").WithNode(node.ID)
		}

		base := ScopeFrom(ctx).Vars()
		var kept []any
		for i, item := range items {
			vars := make(map[string]any, len(base)+2)
			for k, v := range base {
				vars[k] = v
			}
			vars["item"] = item
			vars["index"] = i

			keep, err := e.eval.EvaluateCondition(ctx, expr, vars)
			if err != nil {
				return nil, wrapNodeErr(err, node.ID)
			}
			if keep {
				kept = append(kept, item)
			}
		}
		return map[string]any{
			"items": kept,
			"count": len(kept),
		}, nil

	case "jq":
		program := stringParam(cfg, "expression", "")
		if program == "" {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"filter node requires 'expression'").WithNode(node.ID)
		}
		out, err := e.jq.EvaluateInput(ctx, program, items)
		if err != nil {
			return nil, wrapNodeErr(err, node.ID)
		}
		kept, ok := out.([]any)
		if !ok && out != nil {
			kept = []any{out}
		}
		return map[string]any{
			"items": kept,
			"count": len(kept),
		}, nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown filter mode %q", mode).WithNode(node.ID)
	}
}

// filterItems extracts the list to filter: the payload's "items" field, or
// its "data" field when that carries a wrapped list.
func filterItems(input Payload) []any {
	if items, ok := input["items"].([]any); ok {
		return items
	}
	if data, ok := input["data"].([]any); ok {
		return data
	}
	return nil
}
