package history

import (
	"context"
	"time"

	"github.com/loomworks/loom/pkg/schema"
)

// RunRecord is one persisted workflow run with its node results.
type RunRecord struct {
	ExecutionID string                       `json:"execution_id"`
	WorkflowID  string                       `json:"workflow_id"`
	Status      schema.RunStatus             `json:"status"`
	StartTime   time.Time                    `json:"start_time"`
	EndTime     time.Time                    `json:"end_time"`
	DurationMs  int64                        `json:"duration_ms"`
	NodeResults []schema.NodeExecutionResult `json:"node_results"`
}

// Filter narrows List queries. Zero values match everything.
type Filter struct {
	WorkflowID string
	Status     schema.RunStatus
	Since      *time.Time
	Limit      int
}

// Recorder persists finished runs. Recording happens after Execute returns;
// the engine itself never blocks on storage.
type Recorder interface {
	Record(ctx context.Context, workflowID string, result *schema.WorkflowExecutionResult) error
	Load(ctx context.Context, executionID string) (*RunRecord, error)
	List(ctx context.Context, filter Filter) ([]*RunRecord, error)
}
