package validation

import "github.com/loomworks/loom/pkg/schema"

// Validator checks workflow graphs for correctness before an engine is
// constructed. Uses JSON Schema Draft 2020-12 for shape validation plus
// semantic checks the schema language cannot express.
type Validator interface {
	ValidateWorkflow(nodes []schema.Node, edges []schema.Edge) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
