package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func validGraph() ([]schema.Node, []schema.Edge) {
	return []schema.Node{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "ask", Type: schema.NodeTypeAgent, Config: map[string]any{"agent_id": "a1"}},
			{ID: "end", Type: schema.NodeTypeEnd},
		}, []schema.Edge{
			{ID: "e1", Source: "start", Target: "ask"},
			{ID: "e2", Source: "ask", Target: "end"},
		}
}

func TestValidateWorkflowAccepts(t *testing.T) {
	v := newValidator(t)
	nodes, edges := validGraph()
	assert.NoError(t, v.ValidateWorkflow(nodes, edges))
}

func TestValidateWorkflowRejectsUnknownNodeType(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateWorkflow([]schema.Node{
		{ID: "start", Type: schema.NodeTypeStart},
		{ID: "x", Type: "teleport"},
	}, nil)
	require.Error(t, err)
	le := err.(*schema.LoomError)
	assert.Equal(t, schema.ErrCodeValidation, le.Code)
}

func TestValidateWorkflowRejectsEmptyGraph(t *testing.T) {
	v := newValidator(t)
	require.Error(t, v.ValidateWorkflow(nil, nil))
}

func TestValidateWorkflowNodeConfigSchemas(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name string
		node schema.Node
		ok   bool
	}{
		{"agent missing agent_id", schema.Node{ID: "n", Type: schema.NodeTypeAgent}, false},
		{"agent with agent_id", schema.Node{ID: "n", Type: schema.NodeTypeAgent,
			Config: map[string]any{"agent_id": "a1"}}, true},
		{"condition bare", schema.Node{ID: "n", Type: schema.NodeTypeCondition}, false},
		{"condition binary", schema.Node{ID: "n", Type: schema.NodeTypeCondition,
			Config: map[string]any{"condition": "input.x > 1"}}, true},
		{"condition multi", schema.Node{ID: "n", Type: schema.NodeTypeCondition,
			Config: map[string]any{"expression": "input.cat", "branches": []any{"a", "b"}}}, true},
		{"loop zero iterations", schema.Node{ID: "n", Type: schema.NodeTypeLoop,
			Config: map[string]any{"iterations": 0}}, false},
		{"http missing url", schema.Node{ID: "n", Type: schema.NodeTypeHTTPRequest}, false},
		{"database missing statement", schema.Node{ID: "n", Type: schema.NodeTypeDatabase,
			Config: map[string]any{"dsn": "file:x.db"}}, false},
		{"handler bad policy", schema.Node{ID: "n", Type: schema.NodeTypeErrorHandler,
			Config: map[string]any{"recovery_policy": "shrug"}}, false},
		{"handler fallback without value", schema.Node{ID: "n", Type: schema.NodeTypeErrorHandler,
			Config: map[string]any{"recovery_policy": "fallback"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes := []schema.Node{{ID: "start", Type: schema.NodeTypeStart}, tt.node}
			var edges []schema.Edge
			if tt.node.Type == schema.NodeTypeLoop {
				edges = append(edges, schema.Edge{
					ID: "body", Source: "n", Target: "start", SourceHandle: "loop",
				})
			}
			err := v.ValidateWorkflow(nodes, edges)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				le := err.(*schema.LoomError)
				assert.Equal(t, schema.ErrCodeValidation, le.Code)
				assert.Equal(t, "n", le.NodeID)
			}
		})
	}
}

func TestValidateWorkflowViolationDetails(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateWorkflow([]schema.Node{
		{ID: "start", Type: schema.NodeTypeStart},
	}, []schema.Edge{
		{ID: "e1", Source: "start"}, // missing target
	})
	require.Error(t, err)
	le := err.(*schema.LoomError)
	assert.NotEmpty(t, le.Details["violations"])
}

func TestValidateInput(t *testing.T) {
	v := newValidator(t)
	inputSchema := []byte(`{
	  "type": "object",
	  "required": ["city"],
	  "properties": {
	    "city": { "type": "string" },
	    "days": { "type": "integer", "minimum": 1 }
	  }
	}`)

	assert.NoError(t, v.ValidateInput(map[string]any{"city": "Lima", "days": 3}, inputSchema))

	err := v.ValidateInput(map[string]any{"days": 0}, inputSchema)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, err.(*schema.LoomError).Code)

	// No schema means no validation.
	assert.NoError(t, v.ValidateInput(map[string]any{"anything": true}, nil))

	// Compiled schemas are cached and reused.
	assert.NoError(t, v.ValidateInput(map[string]any{"city": "Quito"}, inputSchema))
}

func TestValidateInputRejectsBadSchema(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateInput(map[string]any{}, []byte(`{not json`))
	require.Error(t, err)
}
