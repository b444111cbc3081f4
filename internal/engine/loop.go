package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/nodes"
	"github.com/loomworks/loom/pkg/schema"
)

// runLoop drives a loop node: it executes the body subgraph once per
// iteration (sequentially or in parallel), collecting one result per
// iteration, and returns the aggregate output. Continuation edges are
// followed by the caller exactly once, afterwards.
func (e *Engine) runLoop(ctx context.Context, item branchItem) (any, error) {
	cfg := item.node.Config
	if cfg == nil {
		cfg = map[string]any{}
	}

	total := configInt(cfg, "iterations", e.cfg.DefaultLoopIterations)
	if total <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"loop iterations must be positive, got %d", total).WithNode(item.node.ID)
	}

	var items []any
	if coll, ok := cfg["collection"].(string); ok && coll != "" {
		val, err := e.eval.EvaluateTemplate(ctx, "{{ "+coll+" }}", e.scopeFor(item).Vars())
		if err != nil {
			return nil, err
		}
		list, ok := val.([]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"loop collection must evaluate to a list, got %T", val).WithNode(item.node.ID)
		}
		items = list
		total = len(items)
	}
	if total > e.cfg.MaxLoopIterations {
		total = e.cfg.MaxLoopIterations
	}

	bodyEdges := e.g.LoopBodyEdges(item.node.ID)
	if len(bodyEdges) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation,
			`loop node has no body edges (sourceHandle "loop")`).WithNode(item.node.ID)
	}

	e.emitNodeStatus(ctx, schema.NodeExecutionResult{
		NodeID:    item.node.ID,
		Status:    schema.NodeStatusRunning,
		Timestamp: time.Now(),
	})

	results := make([]any, total)

	runIteration := func(i int) error {
		// Stop and pause are observed at iteration boundaries.
		if err := e.control.gate(ctx); err != nil {
			return err
		}

		iterInput := make(nodes.Payload, len(item.input)+3)
		for k, v := range item.input {
			iterInput[k] = v
		}
		iterInput["loopIndex"] = i
		iterInput["loopTotal"] = total

		loopScope := map[string]any{"index": i, "total": total}
		if items != nil {
			iterInput["item"] = items[i]
			loopScope["item"] = items[i]
		}

		ns := fmt.Sprintf("%s/loop:%s#%d", item.ns, item.node.ID, i)

		var leaves []any
		if len(bodyEdges) == 1 {
			leaves = e.runBranch(ctx, branchItem{
				node:  e.g.Node(bodyEdges[0].Target),
				input: iterInput,
				ns:    ns,
				loop:  loopScope,
			})
		} else {
			var wg sync.WaitGroup
			parts := make([][]any, len(bodyEdges))
			for bi, edge := range bodyEdges {
				wg.Add(1)
				go func(bi int, edge schema.Edge) {
					defer wg.Done()
					parts[bi] = e.runBranch(ctx, branchItem{
						node:  e.g.Node(edge.Target),
						input: iterInput,
						ns:    ns,
						loop:  loopScope,
					})
				}(bi, edge)
			}
			wg.Wait()
			for _, p := range parts {
				leaves = append(leaves, p...)
			}
		}

		switch len(leaves) {
		case 0:
			results[i] = nil
		case 1:
			results[i] = leaves[0]
		default:
			results[i] = leaves
		}
		return nil
	}

	if boolConfig(cfg, "parallel") {
		maxConc := configInt(cfg, "max_concurrency", 4)
		if maxConc < 1 {
			maxConc = 1
		}
		sem := make(chan struct{}, maxConc)
		var wg sync.WaitGroup
		// Each loopIndex is consumed exactly once.
		for i := 0; i < total; i++ {
			if e.control.abortRequested() {
				break
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(i int) {
				defer func() {
					<-sem
					wg.Done()
				}()
				_ = runIteration(i)
			}(i)
		}
		wg.Wait()
	} else {
		for i := 0; i < total; i++ {
			if err := runIteration(i); err != nil {
				break
			}
			if e.control.abortRequested() {
				break
			}
		}
	}

	if e.control.abortRequested() && !e.control.stopRequested() {
		return nil, schema.NewError(schema.ErrCodeNodeFailed,
			"loop body failed").WithNode(item.node.ID)
	}

	return map[string]any{
		"results":    results,
		"iterations": total,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// scopeFor builds the expression scope for a dispatch.
func (e *Engine) scopeFor(item branchItem) *nodes.Scope {
	return &nodes.Scope{
		Input:     map[string]any(item.input),
		Variables: e.execCtx.Variables,
		Nodes:     e.outputsSnapshot(),
		Workflow: map[string]any{
			"workflow_id":  e.execCtx.WorkflowID,
			"execution_id": e.execCtx.ExecutionID,
		},
		Credentials: e.execCtx.Credentials,
		Loop:        item.loop,
	}
}

func configInt(cfg map[string]any, key string, defaultVal int) int {
	v, ok := cfg[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return defaultVal
	}
}

func boolConfig(cfg map[string]any, key string) bool {
	b, _ := cfg[key].(bool)
	return b
}
