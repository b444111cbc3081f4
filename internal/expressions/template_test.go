package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateTemplatePlainString(t *testing.T) {
	ev := NewTemplateEvaluator()

	out, err := ev.EvaluateTemplate(context.Background(), "no references here", nil)
	require.NoError(t, err)
	assert.Equal(t, "no references here", out)
}

func TestEvaluateTemplateWholeReferenceKeepsType(t *testing.T) {
	ev := NewTemplateEvaluator()
	vars := map[string]any{
		"nodes": map[string]any{
			"fetch": map[string]any{"items": []any{1, 2, 3}, "count": 3},
		},
	}

	out, err := ev.EvaluateTemplate(context.Background(), "{{ nodes.fetch.items }}", vars)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, out)

	out, err = ev.EvaluateTemplate(context.Background(), "{{ nodes.fetch.count }}", vars)
	require.NoError(t, err)
	assert.Equal(t, 3, out)
}

func TestEvaluateTemplateMixedText(t *testing.T) {
	ev := NewTemplateEvaluator()
	vars := map[string]any{
		"input":     map[string]any{"city": "Lima"},
		"variables": map[string]any{"units": "metric"},
	}

	out, err := ev.EvaluateTemplate(context.Background(),
		"weather for {{ input.city }} in {{ variables.units }}", vars)
	require.NoError(t, err)
	assert.Equal(t, "weather for Lima in metric", out)
}

func TestEvaluateTemplateComplexValueStringifies(t *testing.T) {
	ev := NewTemplateEvaluator()
	vars := map[string]any{
		"input": map[string]any{"tags": []any{"a", "b"}},
	}

	out, err := ev.EvaluateTemplate(context.Background(), "tags: {{ input.tags }}", vars)
	require.NoError(t, err)
	assert.Equal(t, `tags: ["a","b"]`, out)
}

func TestEvaluateTemplateLoopScope(t *testing.T) {
	ev := NewTemplateEvaluator()
	vars := map[string]any{
		"loop": map[string]any{"item": "row-4", "index": 4},
	}

	out, err := ev.EvaluateTemplate(context.Background(),
		"processing {{ loop.item }} at {{ loop.index }}", vars)
	require.NoError(t, err)
	assert.Equal(t, "processing row-4 at 4", out)
}

func TestEvaluateTemplateErrors(t *testing.T) {
	ev := NewTemplateEvaluator()
	ctx := context.Background()

	_, err := ev.EvaluateTemplate(ctx, "broken {{ input.x", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unclosed")

	_, err = ev.EvaluateTemplate(ctx, "empty {{  }} ref", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty template reference")

	_, err = ev.EvaluateTemplate(ctx, "nested {{ a {{ b }} }}", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested")
}

func TestEvaluateCondition(t *testing.T) {
	ev := NewTemplateEvaluator()
	ctx := context.Background()
	vars := map[string]any{
		"input": map[string]any{"temp": 31},
	}

	ok, err := ev.EvaluateCondition(ctx, "input.temp > 30", vars)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.EvaluateCondition(ctx, "input.temp > 100", vars)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateConditionNonBool(t *testing.T) {
	ev := NewTemplateEvaluator()

	_, err := ev.EvaluateCondition(context.Background(), `"a string"`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected bool")
}

func TestEvaluateConditionNilIsFalse(t *testing.T) {
	ev := NewTemplateEvaluator()

	ok, err := ev.EvaluateCondition(context.Background(), "missing", map[string]any{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateConditionWithCELEngine(t *testing.T) {
	cel, err := NewCELEngine()
	require.NoError(t, err)
	ev := NewTemplateEvaluatorWithConditions(cel)

	ok, err := ev.EvaluateCondition(context.Background(),
		`nodes.check.status == "ok"`,
		map[string]any{"nodes": map[string]any{"check": map[string]any{"status": "ok"}}})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResolveValueDeep(t *testing.T) {
	ev := NewTemplateEvaluator()
	vars := map[string]any{
		"variables":   map[string]any{"base": "https://api.example.com"},
		"credentials": map[string]any{"token": "t0k3n"},
	}

	resolved, err := ev.ResolveValue(context.Background(), map[string]any{
		"url": "{{ variables.base }}/items",
		"headers": map[string]any{
			"Authorization": "Bearer {{ credentials.token }}",
		},
		"retries": 3,
		"paths":   []any{"{{ variables.base }}", "static"},
	}, vars)
	require.NoError(t, err)

	m := resolved.(map[string]any)
	assert.Equal(t, "https://api.example.com/items", m["url"])
	assert.Equal(t, "Bearer t0k3n", m["headers"].(map[string]any)["Authorization"])
	assert.Equal(t, 3, m["retries"])
	assert.Equal(t, []any{"https://api.example.com", "static"}, m["paths"])
}
