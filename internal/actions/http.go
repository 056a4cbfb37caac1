package actions

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// HTTPConfig configures outbound HTTP calls made by call_api actions and webhook steps.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "query": {"type": "object"},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": true}
  },
  "required": ["url"]
}`

const httpRequestOutputSchema = `{
  "type": "object",
  "properties": {
    "status_code": {"type": "integer"},
    "status": {"type": "string"},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body": {},
    "content_type": {"type": "string"},
    "duration_ms": {"type": "integer"}
  }
}`

// HTTPRequestAction implements the "call_api" action and backs webhook steps.
type HTTPRequestAction struct {
	config HTTPConfig
}

// NewHTTPRequestAction creates a new call_api action.
func NewHTTPRequestAction(cfg HTTPConfig) *HTTPRequestAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPRequestAction{config: cfg}
}

func (a *HTTPRequestAction) Name() string { return "call_api" }

func (a *HTTPRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Call an HTTP API with method, headers, body, auth and redirect control. Non-2xx fails unless fail_on_error_status is false.",
		InputSchema:  json.RawMessage(httpRequestInputSchema),
		OutputSchema: json.RawMessage(httpRequestOutputSchema),
	}
}

func (a *HTTPRequestAction) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", rawURL)
	}
	return nil
}

func (a *HTTPRequestAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	result, err := a.Do(ctx, input.Params)
	if err != nil {
		return nil, err
	}
	return &ActionOutput{Data: result}, nil
}

// apiCall is a call_api request after defaults have been applied.
type apiCall struct {
	method       string
	target       *url.URL
	headers      map[string]any
	auth         map[string]any
	body         any
	encoding     string
	timeout      time.Duration
	redirects    int // 0 disables following
	insecure     bool
	strictStatus bool
	hasBody      bool
}

func (a *HTTPRequestAction) parseCall(params map[string]any) (*apiCall, error) {
	if err := a.Validate(params); err != nil {
		return nil, err
	}
	target, _ := url.Parse(stringParam(params, "url", ""))
	if q, ok := params["query"].(map[string]any); ok && len(q) > 0 {
		vals := target.Query()
		for k, v := range q {
			vals.Set(k, fmt.Sprint(v))
		}
		target.RawQuery = vals.Encode()
	}

	call := &apiCall{
		method:       strings.ToUpper(stringParam(params, "method", http.MethodGet)),
		target:       target,
		encoding:     stringParam(params, "body_encoding", "json"),
		timeout:      durationParam(params, "timeout", a.config.DefaultTimeout),
		redirects:    intParam(params, "max_redirects", 10),
		insecure:     boolParam(params, "tls_skip_verify", false),
		strictStatus: boolParam(params, "fail_on_error_status", true),
	}
	if !boolParam(params, "follow_redirects", true) {
		call.redirects = 0
	}
	call.headers, _ = params["headers"].(map[string]any)
	call.auth, _ = params["auth"].(map[string]any)
	call.body, call.hasBody = params["body"]
	call.hasBody = call.hasBody && call.body != nil
	return call, nil
}

// encodeBody renders the request payload and the matching content type.
func (c *apiCall) encodeBody() (io.Reader, string, error) {
	if !c.hasBody {
		return nil, "", nil
	}
	switch c.encoding {
	case "form":
		fields, ok := c.body.(map[string]any)
		if !ok {
			return nil, "", nil
		}
		vals := url.Values{}
		for k, v := range fields {
			vals.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(c.body)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprint(c.body)), "", nil
	}
	b, err := json.Marshal(c.body)
	if err != nil {
		return nil, "", schema.NewError(schema.ErrCodeAction, "failed to marshal body as JSON").WithCause(err)
	}
	return bytes.NewReader(b), "application/json", nil
}

func (c *apiCall) newRequest(ctx context.Context) (*http.Request, error) {
	body, contentType, err := c.encodeBody()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, c.method, c.target.String(), body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAction, "failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range c.headers {
		req.Header.Set(k, fmt.Sprint(v))
	}
	switch stringParam(c.auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(c.auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(c.auth, "username", ""), stringParam(c.auth, "password", ""))
	case "api_key":
		if name := stringParam(c.auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(c.auth, "header_value", ""))
		}
	}
	return req, nil
}

// client is built per call so TLS and redirect settings never leak between steps.
func (c *apiCall) client() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if c.insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	limit := c.redirects
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if limit == 0 {
				return http.ErrUseLastResponse
			}
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		},
	}
}

// Do performs the request described by params and returns the response summary.
func (a *HTTPRequestAction) Do(ctx context.Context, params map[string]any) (map[string]any, error) {
	call, err := a.parseCall(params)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, call.timeout)
	defer cancel()
	req, err := call.newRequest(reqCtx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := call.client().Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "request timed out after %s", call.timeout).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeAction, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	result, err := a.summarize(resp, elapsed)
	if err != nil {
		return nil, err
	}
	if call.strictStatus && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return nil, schema.NewErrorf(schema.ErrCodeAction, "%s %s: server returned HTTP %d", call.method, req.URL.Redacted(), resp.StatusCode).
			WithDetails(result)
	}
	return result, nil
}

// summarize reads at most MaxResponseBody bytes. JSON bodies are decoded,
// anything else is returned as a string.
func (a *HTTPRequestAction) summarize(resp *http.Response, elapsed time.Duration) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeAction, "failed to read response body").WithCause(err)
	}

	contentType := resp.Header.Get("Content-Type")
	var body any
	if len(raw) > 0 {
		body = string(raw)
		var decoded any
		if strings.Contains(contentType, "application/json") && json.Unmarshal(raw, &decoded) == nil {
			body = decoded
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         body,
		"content_type": contentType,
		"duration_ms":  elapsed.Milliseconds(),
	}, nil
}
