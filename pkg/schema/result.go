package schema

import "time"

// NodeStatus is the lifecycle status of a single node execution.
type NodeStatus string

const (
	NodeStatusRunning NodeStatus = "running"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusError   NodeStatus = "error"
	// NodeStatusSkipped is reserved for explicit short-circuit policies.
	// The traversal never assigns it: nodes on untaken branches are simply
	// absent from the results.
	NodeStatusSkipped NodeStatus = "skipped"
)

// Terminal reports whether the status is a final one.
func (s NodeStatus) Terminal() bool {
	return s == NodeStatusSuccess || s == NodeStatusError || s == NodeStatusSkipped
}

// RunStatus is the lifecycle status of a whole run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPaused    RunStatus = "paused"
)

// NodeExecutionResult records the outcome of one node entry. Loop bodies
// produce one result per iteration; every other node produces at most one.
type NodeExecutionResult struct {
	NodeID        string        `json:"node_id"`
	Status        NodeStatus    `json:"status"`
	Output        any           `json:"output,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	Timestamp     time.Time     `json:"timestamp"`
}

// WorkflowExecutionResult aggregates a full run. NodeResults are ordered by
// completion, which is not necessarily topological order.
type WorkflowExecutionResult struct {
	ExecutionID        string                `json:"execution_id"`
	Status             RunStatus             `json:"status"`
	NodeResults        []NodeExecutionResult `json:"node_results"`
	StartTime          time.Time             `json:"start_time"`
	EndTime            time.Time             `json:"end_time"`
	TotalExecutionTime time.Duration         `json:"total_execution_time"`
}

// Result returns the last recorded result for a node, or nil if the node was
// never entered.
func (r *WorkflowExecutionResult) Result(nodeID string) *NodeExecutionResult {
	for i := len(r.NodeResults) - 1; i >= 0; i-- {
		if r.NodeResults[i].NodeID == nodeID {
			return &r.NodeResults[i]
		}
	}
	return nil
}

// Results returns every recorded result for a node, in completion order.
func (r *WorkflowExecutionResult) Results(nodeID string) []NodeExecutionResult {
	var out []NodeExecutionResult
	for _, nr := range r.NodeResults {
		if nr.NodeID == nodeID {
			out = append(out, nr)
		}
	}
	return out
}
