package nodes

import (
	"context"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// StartExecutor passes the initial payload through unchanged.
type StartExecutor struct{}

func (e *StartExecutor) Type() schema.NodeType { return schema.NodeTypeStart }

func (e *StartExecutor) Execute(ctx context.Context, node *schema.Node, input Payload) (any, error) {
	if input == nil {
		return Payload{}, nil
	}
	return input, nil
}

// EndExecutor wraps its input as the branch's final result; the engine
// short-circuits the branch after recording it.
type EndExecutor struct{}

func (e *EndExecutor) Type() schema.NodeType { return schema.NodeTypeEnd }

func (e *EndExecutor) Execute(ctx context.Context, node *schema.Node, input Payload) (any, error) {
	return map[string]any{
		"finalResult": input,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// DisplayExecutor marks data as rendered and passes it downstream.
type DisplayExecutor struct{}

func (e *DisplayExecutor) Type() schema.NodeType { return schema.NodeTypeDisplay }

func (e *DisplayExecutor) Execute(ctx context.Context, node *schema.Node, input Payload) (any, error) {
	return map[string]any{
		"displayed": true,
		"data":      input,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// DelayExecutor sleeps for the configured duration. The sleep is context
// aware so stop and cancellation interrupt it.
type DelayExecutor struct{}

func (e *DelayExecutor) Type() schema.NodeType { return schema.NodeTypeDelay }

func (e *DelayExecutor) Execute(ctx context.Context, node *schema.Node, input Payload) (any, error) {
	cfg := configOf(node)
	d := durationParam(cfg, "duration", "delay_ms", time.Second)

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeCancelled,
			"delay interrupted after context cancellation").
			WithNode(node.ID).WithCause(ctx.Err())
	}

	return map[string]any{
		"delayed_ms": d.Milliseconds(),
		"data":       input,
	}, nil
}

// MergeExecutor combines prior node outputs. With `sources` configured it
// pulls those outputs from the run scope; otherwise it merges the "items"
// list of its payload.
type MergeExecutor struct{}

func (e *MergeExecutor) Type() schema.NodeType { return schema.NodeTypeMerge }

func (e *MergeExecutor) Execute(ctx context.Context, node *schema.Node, input Payload) (any, error) {
	cfg := configOf(node)
	op := stringParam(cfg, "operation", "combine")

	values, err := e.collect(ctx, node, cfg, input)
	if err != nil {
		return nil, err
	}

	switch op {
	case "combine":
		merged := map[string]any{}
		for _, v := range values {
			if m, ok := v.(map[string]any); ok {
				for k, elem := range m {
					merged[k] = elem
				}
			}
		}
		return merged, nil
	case "concat":
		var out []any
		for _, v := range values {
			if list, ok := v.([]any); ok {
				out = append(out, list...)
			} else {
				out = append(out, v)
			}
		}
		return out, nil
	case "pick_first":
		for _, v := range values {
			if v != nil {
				return v, nil
			}
		}
		return nil, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown merge operation %q", op).WithNode(node.ID)
	}
}

func (e *MergeExecutor) collect(ctx context.Context, node *schema.Node, cfg map[string]any, input Payload) ([]any, error) {
	if sources := listParam(cfg, "sources"); len(sources) > 0 {
		scope := ScopeFrom(ctx)
		values := make([]any, 0, len(sources))
		for _, s := range sources {
			id, ok := s.(string)
			if !ok {
				return nil, schema.NewError(schema.ErrCodeValidation,
					"merge sources must be node IDs").WithNode(node.ID)
			}
			values = append(values, scope.Nodes[id])
		}
		return values, nil
	}

	if items := listParam(input, "items"); items != nil {
		return items, nil
	}
	return []any{input}, nil
}
