package nodes

import (
	"context"
	"time"

	"github.com/loomworks/loom/internal/inputs"
	"github.com/loomworks/loom/pkg/schema"
)

// ChatInputExecutor suspends the branch until the input provider delivers an
// answer. The engine reports the run as waiting while Provide blocks.
type ChatInputExecutor struct {
	provider inputs.Provider
}

func NewChatInputExecutor(provider inputs.Provider) *ChatInputExecutor {
	return &ChatInputExecutor{provider: provider}
}

func (e *ChatInputExecutor) Type() schema.NodeType { return schema.NodeTypeChatInput }

func (e *ChatInputExecutor) Execute(ctx context.Context, node *schema.Node, input Payload) (any, error) {
	cfg := configOf(node)
	welcome := stringParam(cfg, "welcome_message", "")

	scope := ScopeFrom(ctx)
	var executionID string
	if scope.Workflow != nil {
		executionID, _ = scope.Workflow["execution_id"].(string)
	}

	answer, err := e.provider.Provide(ctx, inputs.Request{
		ExecutionID: executionID,
		NodeID:      node.ID,
		Prompt:      welcome,
	})
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}

	return map[string]any{
		"message":        answer,
		"userInput":      answer,
		"welcomeMessage": welcome,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}, nil
}
