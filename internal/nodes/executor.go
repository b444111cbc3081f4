package nodes

import (
	"context"
	"sync"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/inputs"
	"github.com/loomworks/loom/pkg/schema"
)

// Payload is the data bag carried along edges. Upstream outputs that are not
// objects are wrapped under the "data" key before entering the next node.
type Payload = map[string]any

// NodeExecutor runs one node type. Execute receives the node definition and
// the payload carried by the first arriving edge and returns the node output.
type NodeExecutor interface {
	Type() schema.NodeType
	Execute(ctx context.Context, node *schema.Node, input Payload) (any, error)
}

// Scope is the expression variable scope for one node dispatch. The engine
// attaches it to the context before calling an executor.
type Scope struct {
	Input       any
	Variables   map[string]any
	Nodes       map[string]any
	Workflow    map[string]any
	Credentials map[string]any
	Loop        map[string]any
}

// Vars materializes the scope as the namespace map the expression engines
// consume.
func (s *Scope) Vars() map[string]any {
	if s == nil {
		return map[string]any{}
	}
	return map[string]any{
		expressions.ScopeInput:       s.Input,
		expressions.ScopeVariables:   s.Variables,
		expressions.ScopeNodes:       s.Nodes,
		expressions.ScopeWorkflow:    s.Workflow,
		expressions.ScopeCredentials: s.Credentials,
		expressions.ScopeLoop:        s.Loop,
	}
}

type scopeKey struct{}

// WithScope attaches the dispatch scope to ctx.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom retrieves the dispatch scope, or an empty one.
func ScopeFrom(ctx context.Context) *Scope {
	if s, ok := ctx.Value(scopeKey{}).(*Scope); ok && s != nil {
		return s
	}
	return &Scope{}
}

// Registry maps node types to executors. Built once at startup and read-only
// during runs.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.NodeType]NodeExecutor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[schema.NodeType]NodeExecutor)}
}

// Register adds an executor. Returns error on duplicate type.
func (r *Registry) Register(exec NodeExecutor) error {
	if exec == nil {
		return schema.NewError(schema.ErrCodeValidation, "node executor is nil")
	}
	t := exec.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "node executor type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for node type %q already registered", t)
	}
	r.executors[t] = exec
	return nil
}

// Get retrieves the executor for a node type.
func (r *Registry) Get(t schema.NodeType) (NodeExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no executor registered for node type %q", t)
	}
	return exec, nil
}

// Has checks whether a node type has an executor.
func (r *Registry) Has(t schema.NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[t]
	return ok
}

// Deps carries the shared collaborators node executors need.
type Deps struct {
	Evaluator *expressions.TemplateEvaluator
	JQ        *expressions.GoJQEngine
	Agent     AgentInvoker
	Inputs    inputs.Provider
	Actions   *ActionRegistry
	Transform *TransformRegistry
}

// DefaultRegistry builds a Registry with every built-in executor wired to the
// given dependencies. Missing optional deps fall back to defaults; a nil
// Inputs provider leaves the chat input executor unregistered, which the
// engine surfaces as a configuration error when the graph contains one.
func DefaultRegistry(deps Deps) (*Registry, error) {
	if deps.Evaluator == nil {
		deps.Evaluator = expressions.NewTemplateEvaluator()
	}
	if deps.JQ == nil {
		deps.JQ = expressions.NewGoJQEngine()
	}
	if deps.Actions == nil {
		deps.Actions = NewActionRegistry()
	}
	if deps.Transform == nil {
		deps.Transform = NewTransformRegistry(deps.Evaluator, deps.JQ)
	}

	r := NewRegistry()

	executors := []NodeExecutor{
		&StartExecutor{},
		&EndExecutor{},
		&DisplayExecutor{},
		&DelayExecutor{},
		&MergeExecutor{},
		NewConditionExecutor(deps.Evaluator),
		NewErrorHandlerExecutor(deps.Evaluator),
		NewAgentExecutor(deps.Agent, deps.Evaluator),
		NewActionExecutor(deps.Actions, deps.Evaluator),
		NewHTTPRequestExecutor(deps.Evaluator, HTTPConfig{}),
		NewDatabaseExecutor(deps.Evaluator),
		NewTransformExecutor(deps.Transform, deps.Evaluator),
		NewFilterExecutor(deps.Evaluator, deps.JQ),
	}
	if deps.Inputs != nil {
		executors = append(executors, NewChatInputExecutor(deps.Inputs))
	}

	for _, exec := range executors {
		if err := r.Register(exec); err != nil {
			return nil, err
		}
	}
	return r, nil
}
