package nodes

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/pkg/schema"
)

// HTTPConfig bounds the HTTP request executor.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPRequestExecutor performs an HTTP call described by the node config.
// Non-2xx responses are part of the output, not an error, unless
// fail_on_error_status is set.
type HTTPRequestExecutor struct {
	eval   *expressions.TemplateEvaluator
	config HTTPConfig
}

func NewHTTPRequestExecutor(eval *expressions.TemplateEvaluator, cfg HTTPConfig) *HTTPRequestExecutor {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPRequestExecutor{eval: eval, config: cfg}
}

func (e *HTTPRequestExecutor) Type() schema.NodeType { return schema.NodeTypeHTTPRequest }

func (e *HTTPRequestExecutor) Execute(ctx context.Context, node *schema.Node, input Payload) (any, error) {
	resolved, err := e.eval.ResolveValue(ctx, configOf(node), ScopeFrom(ctx).Vars())
	if err != nil {
		return nil, wrapNodeErr(err, node.ID)
	}
	cfg, _ := resolved.(map[string]any)
	if cfg == nil {
		cfg = map[string]any{}
	}

	rawURL := stringParam(cfg, "url", "")
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"http_request node requires 'url'").WithNode(node.ID)
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid url %q", rawURL).WithNode(node.ID)
	}

	method := strings.ToUpper(stringParam(cfg, "method", "GET"))
	timeout := durationParam(cfg, "timeout", "timeout_ms", e.config.DefaultTimeout)
	followRedirects := boolParam(cfg, "follow_redirects", true)
	maxRedirects := intParam(cfg, "max_redirects", 10)
	tlsSkipVerify := boolParam(cfg, "tls_skip_verify", false)
	failOnErrorStatus := boolParam(cfg, "fail_on_error_status", false)

	var bodyReader io.Reader
	var contentType string
	if rawBody, ok := cfg["body"]; ok && rawBody != nil {
		if s, isStr := rawBody.(string); isStr {
			bodyReader = strings.NewReader(s)
			contentType = "text/plain"
		} else {
			b, err := json.Marshal(rawBody)
			if err != nil {
				return nil, schema.NewError(schema.ErrCodeExecution,
					"marshal request body").WithNode(node.ID).WithCause(err)
			}
			bodyReader = strings.NewReader(string(b))
			contentType = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "create request").
			WithNode(node.ID).WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range mapParam(cfg, "headers") {
		req.Header.Set(k, fmt.Sprintf("%v", v))
	}

	// New client per call to avoid mutating shared transport state.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if tlsSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if !followRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if maxRedirects > 0 {
		limit := maxRedirects
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "request failed: %v", err).
			WithNode(node.ID).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "read response body").
			WithNode(node.ID).WithCause(err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsedBody any
	switch {
	case len(bodyBytes) == 0:
		parsedBody = nil
	case strings.Contains(respContentType, "application/json"):
		var jsonBody any
		if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
			parsedBody = jsonBody
		} else {
			parsedBody = string(bodyBytes)
		}
	default:
		parsedBody = string(bodyBytes)
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	result := map[string]any{
		"statusCode":  resp.StatusCode,
		"status":      resp.Status,
		"headers":     respHeaders,
		"body":        parsedBody,
		"contentType": respContentType,
		"durationMs":  durationMs,
	}

	if failOnErrorStatus && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"server returned %d", resp.StatusCode).
			WithNode(node.ID).WithDetails(result)
	}

	return result, nil
}
