package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/loomworks/loom/pkg/schema"
)

// Scope namespaces exposed to every expression engine. The engine package
// populates these when building the per-node variable map.
const (
	ScopeInput       = "input"
	ScopeVariables   = "variables"
	ScopeNodes       = "nodes"
	ScopeWorkflow    = "workflow"
	ScopeCredentials = "credentials"
	ScopeLoop        = "loop"
)

// CELEngine evaluates conditions with Google's Common Expression Language.
// It is an opt-in alternative for callers who want CEL's stricter typing
// over the default expr engine.
type CELEngine struct {
	env   *cel.Env
	cache *compileCache[cel.Program]
}

// NewCELEngine creates a new CEL engine with a sandboxed environment.
// The environment exposes the standard scope namespaces:
//   - input:       dyn, the data carried into the current node
//   - variables:   map(string, dyn), caller-supplied run variables
//   - nodes:       map(string, dyn), prior node outputs keyed by node ID
//   - workflow:    map(string, dyn), run metadata (workflow_id, execution_id)
//   - credentials: map(string, dyn), caller-supplied credentials
//   - loop:        map(string, dyn), loop iteration scope (item, index, total)
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable(ScopeInput, cel.DynType),
		cel.Variable(ScopeVariables, mapType),
		cel.Variable(ScopeNodes, mapType),
		cel.Variable(ScopeWorkflow, mapType),
		cel.Variable(ScopeCredentials, mapType),
		cel.Variable(ScopeLoop, mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: newCompileCache[cel.Program](),
	}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate compiles (or fetches a cached program for) a CEL expression and
// evaluates it against vars. Missing namespace keys default to empty maps
// to avoid CEL runtime nil-ref errors.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.cache.fetch(expression, func() (cel.Program, error) {
		return e.compile(expression)
	})
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(buildActivation(vars))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return prg, nil
}

// buildActivation fills missing namespaces with empty maps. Input stays nil
// when absent since CEL treats dyn nil as null.
func buildActivation(vars map[string]any) map[string]any {
	activation := make(map[string]any, 6)
	activation[ScopeInput] = vars[ScopeInput]

	for _, key := range []string{ScopeVariables, ScopeNodes, ScopeWorkflow, ScopeCredentials, ScopeLoop} {
		if v, ok := vars[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}

	return activation
}

var _ Engine = (*CELEngine)(nil)
