package engine

import "github.com/loomworks/loom/pkg/schema"

// Observers are the caller-facing status callbacks. Both are optional and are
// invoked synchronously from the run's goroutines; implementations must be
// quick and safe for concurrent calls.
type Observers struct {
	// OnNodeStatus fires when a node starts running and again when it
	// reaches a terminal status (the terminal call carries the full result).
	OnNodeStatus func(result schema.NodeExecutionResult)

	// OnRunStatus fires on every run status transition.
	OnRunStatus func(executionID string, status schema.RunStatus)
}
