package nodes

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// TransformHandler reshapes a payload. cfg is the node config, vars the
// expression scope of the dispatch.
type TransformHandler func(ctx context.Context, cfg map[string]any, input Payload, vars map[string]any) (any, error)

// TransformRegistry manages transform sub-handlers keyed by transformType.
type TransformRegistry struct {
	mu       sync.RWMutex
	handlers map[string]TransformHandler
}

// NewTransformRegistry creates a registry with the built-in handlers: jq,
// expression, template, and pick.
func NewTransformRegistry(eval *expressions.TemplateEvaluator, jq *expressions.GoJQEngine) *TransformRegistry {
	r := &TransformRegistry{handlers: make(map[string]TransformHandler)}

	r.handlers["jq"] = func(ctx context.Context, cfg map[string]any, input Payload, vars map[string]any) (any, error) {
		program := stringParam(cfg, "expression", "")
		if program == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "jq transform requires 'expression'")
		}
		return jq.EvaluateInput(ctx, program, map[string]any(input))
	}

	r.handlers["expression"] = func(ctx context.Context, cfg map[string]any, input Payload, vars map[string]any) (any, error) {
		expr := stringParam(cfg, "expression", "")
		if expr == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "expression transform requires 'expression'")
		}
		return eval.EvaluateTemplate(ctx, "{{ "+expr+" }}", vars)
	}

	r.handlers["template"] = func(ctx context.Context, cfg map[string]any, input Payload, vars map[string]any) (any, error) {
		tpl := stringParam(cfg, "template", "")
		if tpl == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "template transform requires 'template'")
		}
		return eval.EvaluateTemplate(ctx, tpl, vars)
	}

	r.handlers["pick"] = func(ctx context.Context, cfg map[string]any, input Payload, vars map[string]any) (any, error) {
		fields := listParam(cfg, "fields")
		if len(fields) == 0 {
			return nil, schema.NewError(schema.ErrCodeValidation, "pick transform requires 'fields'")
		}
		out := map[string]any{}
		for _, f := range fields {
			path, ok := f.(string)
			if !ok {
				continue
			}
			if v, found := lookupPath(input, path); found {
				out[path] = v
			}
		}
		return out, nil
	}

	return r
}

// RegisterHandler adds a transform kind. Returns error on duplicate name.
func (r *TransformRegistry) RegisterHandler(name string, handler TransformHandler) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform handler name is empty")
	}
	if handler == nil {
		return schema.NewError(schema.ErrCodeValidation, "transform handler is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "transform handler %q already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

// Get retrieves a transform handler by name.
func (r *TransformRegistry) Get(name string) (TransformHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "transform handler %q not registered", name)
	}
	return h, nil
}

// List returns registered transform kinds, sorted.
func (r *TransformRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// lookupPath walks a dot-delimited path through nested maps.
func lookupPath(root map[string]any, path string) (any, bool) {
	if v, ok := root[path]; ok {
		return v, true
	}

	segments := strings.Split(path, ".")
	var current any = root
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// TransformExecutor dispatches to the handler named by transformType.
type TransformExecutor struct {
	registry *TransformRegistry
	eval     *expressions.TemplateEvaluator
}

func NewTransformExecutor(registry *TransformRegistry, eval *expressions.TemplateEvaluator) *TransformExecutor {
	return &TransformExecutor{registry: registry, eval: eval}
}

func (e *TransformExecutor) Type() schema.NodeType { return schema.NodeTypeTransform }

func (e *TransformExecutor) Execute(ctx context.Context, node *schema.Node, input Payload) (any, error) {
	cfg := configOf(node)
	kind := stringParam(cfg, "transformType", "jq")

	handler, err := e.registry.Get(kind)
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}

	out, err := handler(ctx, cfg, input, ScopeFrom(ctx).Vars())
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}
	return out, nil
}
