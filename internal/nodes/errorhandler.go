package nodes

import (
	"context"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// Error-route payload keys. The engine fills these when following an
// error-kind edge to a handler.
const (
	ErrorKey         = "error"
	OriginalInputKey = "originalInput"
	FailedNodeKey    = "failedNodeId"
)

// Recovery policies for error handler nodes. The retry policy is driven by
// the engine (it re-executes the failed source node); the executor only
// validates and shapes the handled output.
const (
	PolicyContinue = "continue"
	PolicyFallback = "fallback"
	PolicyRetry    = "retry"
	PolicyAbort    = "abort"
)

// ErrorHandlerExecutor consumes {error, originalInput} payloads routed over
// error edges and applies the configured recovery policy.
type ErrorHandlerExecutor struct {
	eval expressions.Evaluator
}

func NewErrorHandlerExecutor(eval expressions.Evaluator) *ErrorHandlerExecutor {
	return &ErrorHandlerExecutor{eval: eval}
}

func (e *ErrorHandlerExecutor) Type() schema.NodeType { return schema.NodeTypeErrorHandler }

func (e *ErrorHandlerExecutor) Execute(ctx context.Context, node *schema.Node, input Payload) (any, error) {
	cfg := configOf(node)
	policy := stringParam(cfg, "recovery_policy", PolicyContinue)

	errMsg := stringParam(input, ErrorKey, "")
	original := input[OriginalInputKey]

	switch policy {
	case PolicyContinue:
		return map[string]any{
			"handled": true,
			"policy":  PolicyContinue,
			"error":   errMsg,
			"data":    original,
		}, nil

	case PolicyFallback:
		fallback, ok := cfg["fallback_value"]
		if !ok {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"fallback policy requires 'fallback_value'").WithNode(node.ID)
		}
		if s, isStr := fallback.(string); isStr {
			resolved, err := e.eval.EvaluateTemplate(ctx, s, ScopeFrom(ctx).Vars())
			if err != nil {
				return nil, wrapNodeErr(err, node.ID)
			}
			fallback = resolved
		}
		return map[string]any{
			"handled": true,
			"policy":  PolicyFallback,
			"error":   errMsg,
			"data":    fallback,
		}, nil

	case PolicyRetry:
		// Reached only when the engine's retries are exhausted; degrade to
		// continue semantics so downstream nodes still receive the error.
		return map[string]any{
			"handled": true,
			"policy":  PolicyRetry,
			"error":   errMsg,
			"data":    original,
		}, nil

	case PolicyAbort:
		return nil, schema.NewErrorf(schema.ErrCodeNodeFailed,
			"error handler aborted run: %s", errMsg).WithNode(node.ID)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown recovery policy %q", policy).WithNode(node.ID)
	}
}
