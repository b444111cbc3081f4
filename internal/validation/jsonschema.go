package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomworks/loom/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for a workflow graph document.
// Kept as a constant so the validator carries no filesystem dependency.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loomworks.dev/schemas/workflow.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "type": "string",
          "enum": ["start", "end", "agent", "condition", "loop", "action",
                   "error_handler", "chat_input", "display", "http_request",
                   "database", "transform", "filter", "merge", "delay"]
        },
        "config": { "type": "object" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["id", "source", "target"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "source": {
          "type": "string",
          "minLength": 1
        },
        "target": {
          "type": "string",
          "minLength": 1
        },
        "sourceHandle": { "type": "string" },
        "kind": {
          "type": "string",
          "enum": ["", "error"]
        }
      },
      "additionalProperties": false
    }
  }
}`

// Per-node-type config schemas. Only types with required or constrained
// settings appear here; absent types accept any config object.
var nodeConfigSchemas = map[schema.NodeType]string{
	schema.NodeTypeAgent: `{
	  "type": "object",
	  "required": ["agent_id"],
	  "properties": {
	    "agent_id": { "type": "string", "minLength": 1 },
	    "parameters": { "type": "object" }
	  }
	}`,
	schema.NodeTypeCondition: `{
	  "type": "object",
	  "properties": {
	    "condition": { "type": "string", "minLength": 1 },
	    "expression": { "type": "string", "minLength": 1 },
	    "branches": {
	      "type": "array",
	      "items": { "type": "string" },
	      "minItems": 1
	    }
	  },
	  "anyOf": [
	    { "required": ["condition"] },
	    { "required": ["expression", "branches"] }
	  ]
	}`,
	schema.NodeTypeLoop: `{
	  "type": "object",
	  "properties": {
	    "iterations": { "type": "integer", "minimum": 1 },
	    "collection": { "type": "string", "minLength": 1 },
	    "parallel": { "type": "boolean" },
	    "max_concurrency": { "type": "integer", "minimum": 1 }
	  }
	}`,
	schema.NodeTypeErrorHandler: `{
	  "type": "object",
	  "properties": {
	    "recovery_policy": {
	      "type": "string",
	      "enum": ["continue", "fallback", "retry", "abort"]
	    },
	    "max_retries": { "type": "integer", "minimum": 1 },
	    "backoff": {
	      "type": "string",
	      "enum": ["constant", "linear", "exponential"]
	    },
	    "delay": {
	      "type": "string",
	      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
	    },
	    "max_delay": {
	      "type": "string",
	      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
	    }
	  },
	  "if": {
	    "properties": { "recovery_policy": { "const": "fallback" } },
	    "required": ["recovery_policy"]
	  },
	  "then": {
	    "required": ["fallback_value"]
	  }
	}`,
	schema.NodeTypeHTTPRequest: `{
	  "type": "object",
	  "required": ["url"],
	  "properties": {
	    "url": { "type": "string", "minLength": 1 },
	    "method": {
	      "type": "string",
	      "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"]
	    },
	    "headers": { "type": "object" },
	    "timeout_ms": { "type": "integer", "minimum": 1 }
	  }
	}`,
	schema.NodeTypeDatabase: `{
	  "type": "object",
	  "required": ["dsn", "statement"],
	  "properties": {
	    "driver": { "type": "string", "minLength": 1 },
	    "dsn": { "type": "string", "minLength": 1 },
	    "statement": { "type": "string", "minLength": 1 },
	    "operation": {
	      "type": "string",
	      "enum": ["query", "exec"]
	    }
	  }
	}`,
}

// JSONSchemaValidator implements Validator using JSON Schema Draft 2020-12.
// Workflow and node-config schemas are compiled once at construction; it is
// safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	configSchemas  map[schema.NodeType]*jsonschema.Schema

	// mu guards the cache for dynamic input-schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://loomworks.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wf, err := c.Compile("https://loomworks.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	configs := make(map[schema.NodeType]*jsonschema.Schema, len(nodeConfigSchemas))
	for nodeType, raw := range nodeConfigSchemas {
		cc := jsonschema.NewCompiler()
		cc.AssertFormat()

		url := fmt.Sprintf("https://loomworks.dev/schemas/node-config/%s.json", nodeType)
		cfgDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s config schema: %w", nodeType, err)
		}
		if err := cc.AddResource(url, cfgDoc); err != nil {
			return nil, fmt.Errorf("add %s config schema resource: %w", nodeType, err)
		}
		compiled, err := cc.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s config schema: %w", nodeType, err)
		}
		configs[nodeType] = compiled
	}

	return &JSONSchemaValidator{
		workflowSchema: wf,
		configSchemas:  configs,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateWorkflow checks graph shape, per-node configs, and semantics.
func (v *JSONSchemaValidator) ValidateWorkflow(nodes []schema.Node, edges []schema.Edge) error {
	doc, err := toJSONValue(map[string]any{
		"nodes": nodes,
		"edges": edges,
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation,
			"failed to serialize workflow graph").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toLoomError(err)
	}

	for _, n := range nodes {
		compiled, ok := v.configSchemas[n.Type]
		if !ok {
			continue
		}
		cfg := n.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		cfgDoc, err := toJSONValue(cfg)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"failed to serialize config of node %s", n.ID).WithNode(n.ID).WithCause(err)
		}
		if err := compiled.Validate(cfgDoc); err != nil {
			le := toLoomError(err)
			le.NodeID = n.ID
			return le
		}
	}

	return checkSemantics(nodes, edges)
}

// ValidateInput validates run input against a caller-supplied JSON Schema.
// The compiled schema is cached for subsequent calls with the same bytes.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toLoomError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid compiler collisions.
	url := fmt.Sprintf("loom://input-schema/%d", len(v.cache))
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toLoomError converts a jsonschema.ValidationError into a LoomError carrying
// the leaf violations.
func toLoomError(err error) *schema.LoomError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

var _ Validator = (*JSONSchemaValidator)(nil)
