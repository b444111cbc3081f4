package nodes

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// ActionHandler is one pluggable behavior behind an action node. Params are
// the node's template-resolved config values; input is the edge payload.
type ActionHandler func(ctx context.Context, params map[string]any, input Payload) (any, error)

// ActionRegistry manages action sub-handlers keyed by action_type. Runtime
// extensible; safe for concurrent use.
type ActionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ActionHandler
}

// NewActionRegistry creates a registry pre-loaded with the built-in handlers.
func NewActionRegistry() *ActionRegistry {
	r := &ActionRegistry{handlers: make(map[string]ActionHandler)}
	r.handlers["identity"] = identityAction
	r.handlers["log"] = logAction
	r.handlers["set"] = setAction
	r.handlers["delay"] = delayAction
	return r
}

// RegisterHandler adds a handler. Returns error on duplicate name.
func (r *ActionRegistry) RegisterHandler(name string, handler ActionHandler) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "action handler name is empty")
	}
	if handler == nil {
		return schema.NewError(schema.ErrCodeValidation, "action handler is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action handler %q already registered", name)
	}
	r.handlers[name] = handler
	return nil
}

// Get retrieves a handler by name.
func (r *ActionRegistry) Get(name string) (ActionHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action handler %q not registered", name)
	}
	return h, nil
}

// List returns registered handler names, sorted.
func (r *ActionRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func identityAction(ctx context.Context, params map[string]any, input Payload) (any, error) {
	return map[string]any{
		"action": "identity",
		"data":   input,
	}, nil
}

func logAction(ctx context.Context, params map[string]any, input Payload) (any, error) {
	slog.InfoContext(ctx, "action log",
		slog.Any("params", params),
		slog.Any("input", input))
	return map[string]any{
		"action": "log",
		"data":   input,
	}, nil
}

// setAction shallow-merges params["values"] over the payload.
func setAction(ctx context.Context, params map[string]any, input Payload) (any, error) {
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = v
	}
	for k, v := range mapParam(params, "values") {
		out[k] = v
	}
	return out, nil
}

func delayAction(ctx context.Context, params map[string]any, input Payload) (any, error) {
	d := durationParam(params, "duration", "delay_ms", 100*time.Millisecond)

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "delay action interrupted").
			WithCause(ctx.Err())
	}
	return map[string]any{
		"action":     "delay",
		"delayed_ms": d.Milliseconds(),
		"data":       input,
	}, nil
}

// ActionExecutor dispatches to the handler named by action_type (default
// identity) with template-resolved params.
type ActionExecutor struct {
	registry *ActionRegistry
	eval     *expressions.TemplateEvaluator
}

func NewActionExecutor(registry *ActionRegistry, eval *expressions.TemplateEvaluator) *ActionExecutor {
	return &ActionExecutor{registry: registry, eval: eval}
}

func (e *ActionExecutor) Type() schema.NodeType { return schema.NodeTypeAction }

func (e *ActionExecutor) Execute(ctx context.Context, node *schema.Node, input Payload) (any, error) {
	cfg := configOf(node)
	actionType := stringParam(cfg, "action_type", "identity")

	handler, err := e.registry.Get(actionType)
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}

	resolved, err := e.eval.ResolveValue(ctx, cfg, ScopeFrom(ctx).Vars())
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}
	params, _ := resolved.(map[string]any)

	out, err := handler(ctx, params, input)
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}
	return out, nil
}
