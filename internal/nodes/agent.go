package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// AgentInvoker calls out to an agent runtime with a reduced text message and
// returns the agent's reply.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentID, message string, params map[string]any) (any, error)
}

// AgentInvokerFunc adapts a function to AgentInvoker.
type AgentInvokerFunc func(ctx context.Context, agentID, message string, params map[string]any) (any, error)

func (f AgentInvokerFunc) Invoke(ctx context.Context, agentID, message string, params map[string]any) (any, error) {
	return f(ctx, agentID, message, params)
}

// HTTPAgentInvoker posts {"input": message} to <baseURL>/agents/<id>/invoke.
// Non-2xx responses become errors carrying the status and body text.
type HTTPAgentInvoker struct {
	baseURL string
	client  *http.Client
	maxBody int64
}

const agentMaxResponseBody = 10 * 1024 * 1024 // 10MB

// NewHTTPAgentInvoker creates an invoker against baseURL. A zero timeout
// defaults to 60s; agent calls are slow by nature.
func NewHTTPAgentInvoker(baseURL string, timeout time.Duration) *HTTPAgentInvoker {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPAgentInvoker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		maxBody: agentMaxResponseBody,
	}
}

func (h *HTTPAgentInvoker) Invoke(ctx context.Context, agentID, message string, params map[string]any) (any, error) {
	body := map[string]any{"input": message}
	if len(params) > 0 {
		body["parameters"] = params
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "marshal agent request").WithCause(err)
	}

	url := fmt.Sprintf("%s/agents/%s/invoke", h.baseURL, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "create agent request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "agent %s call failed: %v", agentID, err).
			WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, h.maxBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "read agent response").WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"agent %s returned %d: %s", agentID, resp.StatusCode, strings.TrimSpace(string(raw))).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(raw)})
	}

	var parsed any
	if len(raw) > 0 && json.Unmarshal(raw, &parsed) == nil {
		return parsed, nil
	}
	return string(raw), nil
}

// AgentExecutor resolves the node's parameter templates, reduces the input to
// a text message (query > input > text, else the JSON form of the payload),
// and invokes the agent.
type AgentExecutor struct {
	invoker AgentInvoker
	eval    expressions.Evaluator
}

func NewAgentExecutor(invoker AgentInvoker, eval expressions.Evaluator) *AgentExecutor {
	return &AgentExecutor{invoker: invoker, eval: eval}
}

func (e *AgentExecutor) Type() schema.NodeType { return schema.NodeTypeAgent }

func (e *AgentExecutor) Execute(ctx context.Context, node *schema.Node, input Payload) (any, error) {
	cfg := configOf(node)

	agentID := stringParam(cfg, "agent_id", "")
	if agentID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"agent node requires 'agent_id'").WithNode(node.ID)
	}
	if e.invoker == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration,
			"no agent invoker configured").WithNode(node.ID)
	}

	vars := ScopeFrom(ctx).Vars()

	params := map[string]any{}
	for k, v := range mapParam(cfg, "parameters") {
		if s, ok := v.(string); ok {
			resolved, err := e.eval.EvaluateTemplate(ctx, s, vars)
			if err != nil {
				return nil, wrapNodeErr(err, node.ID)
			}
			params[k] = resolved
		} else {
			params[k] = v
		}
	}

	message, err := reduceToText(input, params)
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}

	reply, err := e.invoker.Invoke(ctx, agentID, message, params)
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}

	return map[string]any{
		"agentId":  agentID,
		"response": reply,
	}, nil
}

// reduceToText picks the agent message: resolved parameter "query", then
// payload "input", then payload "text", else the whole payload as JSON.
func reduceToText(input Payload, params map[string]any) (string, error) {
	if q, ok := params["query"].(string); ok && q != "" {
		return q, nil
	}
	for _, key := range []string{"input", "text"} {
		if v, ok := input[key]; ok {
			if s, isStr := v.(string); isStr && s != "" {
				return s, nil
			}
		}
	}
	b, err := json.Marshal(input)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeExecution, "serialize agent input").WithCause(err)
	}
	return string(b), nil
}
