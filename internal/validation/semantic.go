package validation

import (
	"github.com/loomworks/loom/pkg/schema"
)

const loopBodyHandle = "loop"

// checkSemantics enforces the graph rules JSON Schema cannot express. The
// rules mirror what engine construction rejects, so callers can surface the
// same errors before building an engine.
func checkSemantics(nodes []schema.Node, edges []schema.Edge) error {
	byID := make(map[string]schema.Node, len(nodes))
	var startCount int

	for _, n := range nodes {
		if _, dup := byID[n.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate node id %q", n.ID).WithNode(n.ID)
		}
		byID[n.ID] = n
		if n.Type == schema.NodeTypeStart {
			startCount++
		}
	}

	if startCount == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow has no start node")
	}
	if startCount > 1 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow has %d start nodes, want exactly one", startCount)
	}

	loopHasBody := make(map[string]bool)
	edgeIDs := make(map[string]bool, len(edges))

	for _, e := range edges {
		if edgeIDs[e.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate edge id %q", e.ID)
		}
		edgeIDs[e.ID] = true

		src, ok := byID[e.Source]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"edge %s references unknown source node %q", e.ID, e.Source)
		}
		target, ok := byID[e.Target]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"edge %s references unknown target node %q", e.ID, e.Target)
		}

		if e.IsError() && target.Type != schema.NodeTypeErrorHandler {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"error edge %s must target an error_handler node, got %q", e.ID, target.Type)
		}

		if src.Type == schema.NodeTypeLoop && e.SourceHandle == loopBodyHandle {
			loopHasBody[src.ID] = true
		}
	}

	for _, n := range nodes {
		if n.Type == schema.NodeTypeLoop && !loopHasBody[n.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation,
				`loop node %s has no body edges (sourceHandle "loop")`, n.ID).WithNode(n.ID)
		}
	}

	return nil
}
