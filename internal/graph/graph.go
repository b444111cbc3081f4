package graph

import (
	"github.com/loomworks/loom/pkg/schema"
)

// LoopBodyHandle is the source-handle value marking a loop-body edge.
const LoopBodyHandle = "loop"

// Graph is the immutable per-run representation of a workflow.
// Built once from the caller's nodes and edges, then read concurrently by the
// engine without further synchronization.
type Graph struct {
	Nodes    map[string]*schema.Node // node ID → node
	Outgoing map[string][]schema.Edge
	Incoming map[string][]schema.Edge
	Start    *schema.Node
}

// Build validates the node/edge lists and constructs the per-run indexes.
// It enforces the structural rules a run depends on: exactly one start node,
// unique node IDs, edges referencing known nodes, and error-kind edges
// terminating at an error handler.
func Build(nodes []schema.Node, edges []schema.Edge) (*Graph, error) {
	if len(nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "workflow has no nodes")
	}

	g := &Graph{
		Nodes:    make(map[string]*schema.Node, len(nodes)),
		Outgoing: make(map[string][]schema.Edge, len(nodes)),
		Incoming: make(map[string][]schema.Edge, len(nodes)),
	}

	for i := range nodes {
		n := &nodes[i]
		if n.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[n.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "duplicate node ID: %s", n.ID)
		}
		g.Nodes[n.ID] = n

		if n.Type == schema.NodeTypeStart {
			if g.Start != nil {
				return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
					"multiple start nodes: %s and %s", g.Start.ID, n.ID)
			}
			g.Start = n
		}
	}

	if g.Start == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "workflow has no start node")
	}

	for _, e := range edges {
		src, ok := g.Nodes[e.Source]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"edge %s references unknown source node: %s", e.ID, e.Source)
		}
		tgt, ok := g.Nodes[e.Target]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"edge %s references unknown target node: %s", e.ID, e.Target)
		}
		if e.IsError() && tgt.Type != schema.NodeTypeErrorHandler {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
				"error edge %s from %s must terminate at an error_handler node, got %s", e.ID, src.ID, tgt.Type)
		}
		g.Outgoing[e.Source] = append(g.Outgoing[e.Source], e)
		g.Incoming[e.Target] = append(g.Incoming[e.Target], e)
	}

	return g, nil
}

// Node returns the node with the given ID, or nil.
func (g *Graph) Node(id string) *schema.Node {
	return g.Nodes[id]
}

// NormalEdges returns the outgoing non-error edges of a node.
func (g *Graph) NormalEdges(nodeID string) []schema.Edge {
	var out []schema.Edge
	for _, e := range g.Outgoing[nodeID] {
		if !e.IsError() {
			out = append(out, e)
		}
	}
	return out
}

// ErrorEdges returns the outgoing error-kind edges of a node.
func (g *Graph) ErrorEdges(nodeID string) []schema.Edge {
	var out []schema.Edge
	for _, e := range g.Outgoing[nodeID] {
		if e.IsError() {
			out = append(out, e)
		}
	}
	return out
}

// BranchEdges returns the non-error edges whose source handle matches handle.
func (g *Graph) BranchEdges(nodeID, handle string) []schema.Edge {
	var out []schema.Edge
	for _, e := range g.Outgoing[nodeID] {
		if !e.IsError() && e.SourceHandle == handle {
			out = append(out, e)
		}
	}
	return out
}

// LoopBodyEdges returns the edges forming a loop node's body.
func (g *Graph) LoopBodyEdges(nodeID string) []schema.Edge {
	return g.BranchEdges(nodeID, LoopBodyHandle)
}

// LoopContinuationEdges returns a loop node's non-body, non-error edges.
// They are followed exactly once, after the loop completes.
func (g *Graph) LoopContinuationEdges(nodeID string) []schema.Edge {
	var out []schema.Edge
	for _, e := range g.Outgoing[nodeID] {
		if !e.IsError() && e.SourceHandle != LoopBodyHandle {
			out = append(out, e)
		}
	}
	return out
}

// HasNodeType reports whether any node of the given type exists.
func (g *Graph) HasNodeType(t schema.NodeType) bool {
	for _, n := range g.Nodes {
		if n.Type == t {
			return true
		}
	}
	return false
}
