package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/loom/pkg/schema"
)

const (
	openMarker  = "{{"
	closeMarker = "}}"
)

// TemplateEvaluator resolves {{...}} references in node configuration and
// evaluates condition expressions. Template expressions run on the default
// expr engine; conditions run on a selectable engine (expr or CEL).
type TemplateEvaluator struct {
	templates  *ExprEngine
	conditions Engine
}

// NewTemplateEvaluator creates an evaluator backed by the default expr engine
// for both templates and conditions.
func NewTemplateEvaluator() *TemplateEvaluator {
	e := NewExprEngine()
	return &TemplateEvaluator{templates: e, conditions: e}
}

// NewTemplateEvaluatorWithConditions uses cond for condition expressions while
// keeping the expr engine for template resolution.
func NewTemplateEvaluatorWithConditions(cond Engine) *TemplateEvaluator {
	return &TemplateEvaluator{templates: NewExprEngine(), conditions: cond}
}

// EvaluateTemplate resolves every {{...}} reference in template against vars.
// When the template is exactly one reference ("{{ nodes.fetch.items }}") the
// resolved value keeps its native type; otherwise references are stringified
// into the surrounding text. A template with no references is returned as-is.
func (t *TemplateEvaluator) EvaluateTemplate(ctx context.Context, template string, vars map[string]any) (any, error) {
	if !strings.Contains(template, openMarker) {
		return template, nil
	}

	// Whole-string reference keeps the value's native type.
	trimmed := strings.TrimSpace(template)
	if strings.HasPrefix(trimmed, openMarker) && strings.HasSuffix(trimmed, closeMarker) {
		inner := trimmed[len(openMarker) : len(trimmed)-len(closeMarker)]
		if !strings.Contains(inner, openMarker) && !strings.Contains(inner, closeMarker) {
			expr := strings.TrimSpace(inner)
			if expr == "" {
				return nil, schema.NewError(schema.ErrCodeEvaluation, "empty template reference: {{ }}")
			}
			return t.templates.Evaluate(ctx, expr, vars)
		}
	}

	return t.interpolate(ctx, template, vars)
}

// EvaluateCondition evaluates a bare expression and coerces the result to a
// boolean. Only bool results are accepted; nil counts as false.
func (t *TemplateEvaluator) EvaluateCondition(ctx context.Context, expression string, vars map[string]any) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return false, schema.NewError(schema.ErrCodeValidation, "empty condition expression")
	}

	out, err := t.conditions.Evaluate(ctx, expression, vars)
	if err != nil {
		return false, err
	}

	switch v := out.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"condition %q evaluated to %T, expected bool", expression, out).
			WithDetails(map[string]any{"expression": expression, "result_type": fmt.Sprintf("%T", out)})
	}
}

// ResolveValue walks an arbitrary config value and resolves templates in every
// string it contains. Maps and slices are rebuilt; other types pass through.
func (t *TemplateEvaluator) ResolveValue(ctx context.Context, value any, vars map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return t.EvaluateTemplate(ctx, v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			resolved, err := t.ResolveValue(ctx, elem, vars)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			resolved, err := t.ResolveValue(ctx, elem, vars)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// interpolate scans template for {{...}} tokens, evaluates each, and embeds
// the results as text.
func (t *TemplateEvaluator) interpolate(ctx context.Context, template string, vars map[string]any) (string, error) {
	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], openMarker)
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + len(openMarker)

		end := strings.Index(template[start:], closeMarker)
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeEvaluation, "unclosed {{ reference in template")
		}
		end += start

		expr := strings.TrimSpace(template[start:end])
		if expr == "" {
			return "", schema.NewError(schema.ErrCodeEvaluation, "empty template reference: {{ }}")
		}
		if strings.Contains(expr, openMarker) {
			return "", schema.NewError(schema.ErrCodeEvaluation,
				"nested template references are not allowed")
		}

		val, err := t.templates.Evaluate(ctx, expr, vars)
		if err != nil {
			return "", err
		}

		result.WriteString(stringifyInline(val))
		i = end + len(closeMarker)
	}

	return result.String(), nil
}

// stringifyInline converts a resolved value into its inline text form.
// Strings embed without quotes; complex types JSON-encode.
func stringifyInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

var _ Evaluator = (*TemplateEvaluator)(nil)
