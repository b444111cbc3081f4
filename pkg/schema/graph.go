package schema

// NodeType enumerates the kinds of nodes in a workflow graph.
type NodeType string

const (
	NodeTypeStart        NodeType = "start"
	NodeTypeEnd          NodeType = "end"
	NodeTypeAgent        NodeType = "agent"
	NodeTypeCondition    NodeType = "condition"
	NodeTypeLoop         NodeType = "loop"
	NodeTypeAction       NodeType = "action"
	NodeTypeErrorHandler NodeType = "error_handler"
	NodeTypeChatInput    NodeType = "chat_input"
	NodeTypeDisplay      NodeType = "display"
	NodeTypeHTTPRequest  NodeType = "http_request"
	NodeTypeDatabase     NodeType = "database"
	NodeTypeTransform    NodeType = "transform"
	NodeTypeFilter       NodeType = "filter"
	NodeTypeMerge        NodeType = "merge"
	NodeTypeDelay        NodeType = "delay"
)

// Node is a unit of work in the workflow graph.
// Config carries the type-specific settings entered in the builder UI.
type Node struct {
	ID     string         `json:"id"`
	Type   NodeType       `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// EdgeKind discriminates normal data edges from error routes.
type EdgeKind string

// EdgeKindError marks an edge that routes a node failure to an error handler
// instead of normal output.
const EdgeKindError EdgeKind = "error"

// Edge is a directed link between two nodes. SourceHandle selects which
// outcome of the source node the edge represents ("true"/"false" for binary
// conditions, a branch ID for multi-branch conditions, "loop" for loop bodies).
type Edge struct {
	ID           string   `json:"id"`
	Source       string   `json:"source"`
	Target       string   `json:"target"`
	SourceHandle string   `json:"sourceHandle,omitempty"`
	Kind         EdgeKind `json:"kind,omitempty"`
}

// IsError reports whether the edge is an error route.
func (e Edge) IsError() bool { return e.Kind == EdgeKindError }

// ExecutionContext carries the caller-supplied bindings for one run.
// Variables and Credentials are read-only for the duration of the run; node
// outputs flow downstream as input data, never back into Variables.
type ExecutionContext struct {
	WorkflowID  string         `json:"workflow_id"`
	ExecutionID string         `json:"execution_id"`
	Variables   map[string]any `json:"variables,omitempty"`
	Credentials map[string]any `json:"credentials,omitempty"`
}
