package engine

import "github.com/loomworks/loom/pkg/schema"

// Legal run status transitions. Terminal statuses have no exits.
var runTransitions = map[schema.RunStatus]map[schema.RunStatus]bool{
	schema.RunStatusRunning: {
		schema.RunStatusPaused:    true,
		schema.RunStatusCompleted: true,
		schema.RunStatusFailed:    true,
	},
	schema.RunStatusPaused: {
		schema.RunStatusRunning:   true,
		schema.RunStatusCompleted: true,
		schema.RunStatusFailed:    true,
	},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
}

// canTransitionRun reports whether a run may move from one status to another.
func canTransitionRun(from, to schema.RunStatus) bool {
	return runTransitions[from][to]
}

// Legal node status transitions: a node enters running once and settles on a
// single terminal status.
var nodeTransitions = map[schema.NodeStatus]map[schema.NodeStatus]bool{
	schema.NodeStatusRunning: {
		schema.NodeStatusSuccess: true,
		schema.NodeStatusError:   true,
	},
	schema.NodeStatusSuccess: {},
	schema.NodeStatusError:   {},
	schema.NodeStatusSkipped: {},
}

// canTransitionNode reports whether a node result may move between statuses.
func canTransitionNode(from, to schema.NodeStatus) bool {
	return nodeTransitions[from][to]
}
