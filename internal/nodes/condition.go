package nodes

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// BranchTakenKey is the output field the engine reads to select outgoing
// edges after a condition node.
const BranchTakenKey = "branchTaken"

// DefaultBranch is the fallthrough branch for multi-branch conditions.
const DefaultBranch = "default"

// ConditionExecutor routes execution. Binary mode evaluates `condition` to a
// bool and emits branchTaken "true"/"false"; multi-branch mode evaluates
// `expression` to a key matched against `branches`, falling through to
// "default" on no match.
type ConditionExecutor struct {
	eval expressions.Evaluator
}

func NewConditionExecutor(eval expressions.Evaluator) *ConditionExecutor {
	return &ConditionExecutor{eval: eval}
}

func (e *ConditionExecutor) Type() schema.NodeType { return schema.NodeTypeCondition }

func (e *ConditionExecutor) Execute(ctx context.Context, node *schema.Node, input Payload) (any, error) {
	cfg := configOf(node)
	vars := ScopeFrom(ctx).Vars()

	if branches := listParam(cfg, "branches"); len(branches) > 0 {
		return e.multiBranch(ctx, node, cfg, branches, input, vars)
	}

	expr := stringParam(cfg, "condition", "")
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"condition node requires a 'condition' expression").WithNode(node.ID)
	}

	result, err := e.eval.EvaluateCondition(ctx, expr, vars)
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}

	branch := "false"
	if result {
		branch = "true"
	}
	return map[string]any{
		"condition":    result,
		"data":         input,
		BranchTakenKey: branch,
	}, nil
}

func (e *ConditionExecutor) multiBranch(ctx context.Context, node *schema.Node, cfg map[string]any, branches []any, input Payload, vars map[string]any) (any, error) {
	expr := stringParam(cfg, "expression", "")
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"multi-branch condition node requires an 'expression'").WithNode(node.ID)
	}

	key, err := e.eval.EvaluateTemplate(ctx, fmt.Sprintf("{{ %s }}", expr), vars)
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}

	keyStr := fmt.Sprintf("%v", key)
	taken := DefaultBranch
	for _, b := range branches {
		if id, ok := b.(string); ok && id == keyStr {
			taken = id
			break
		}
	}

	return map[string]any{
		BranchTakenKey: taken,
		"data":         input,
	}, nil
}

// wrapNodeErr tags a LoomError with the node ID, wrapping foreign errors.
func wrapNodeErr(err error, nodeID string) error {
	if le, ok := err.(*schema.LoomError); ok {
		if le.NodeID == "" {
			le.NodeID = nodeID
		}
		return le
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "%s", err.Error()).
		WithNode(nodeID).WithCause(err)
}
