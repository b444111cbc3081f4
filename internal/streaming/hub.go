package streaming

import (
	"context"

	"github.com/loomworks/loom/pkg/schema"
)

// Event types published during a run.
const (
	EventNodeRunning = "node_running"
	EventNodeSuccess = "node_success"
	EventNodeError   = "node_error"
	EventRunStarted  = "run_started"
	EventRunPaused   = "run_paused"
	EventRunResumed  = "run_resumed"
	EventRunFinished = "run_finished"
	EventInputNeeded = "input_needed"
)

// RunEvent is a real-time event emitted during a workflow run.
type RunEvent struct {
	ExecutionID string                      `json:"execution_id"`
	NodeID      string                      `json:"node_id,omitempty"`
	EventType   string                      `json:"event_type"`
	NodeResult  *schema.NodeExecutionResult `json:"node_result,omitempty"`
	RunStatus   schema.RunStatus            `json:"run_status,omitempty"`
	Payload     any                         `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// Hub provides pub/sub for run events.
type Hub interface {
	Publish(ctx context.Context, event RunEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan RunEvent, func(), error)
}
