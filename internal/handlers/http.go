package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/chainflow/internal/dispatch"
	"github.com/rendis/chainflow/internal/logging"
	"github.com/rendis/chainflow/internal/xjson"
	"github.com/rendis/chainflow/pkg/schema"
)

// httpRequest calls an HTTP endpoint. Config:
//
//	method, url, headers, query, body, bodyEncoding (json|form|text),
//	timeout, followRedirects, failOnErrorStatus (default true),
//	credential: provider name whose access token is sent as a bearer token,
//	auth: {type: bearer|basic|api_key, token, username, password, header, value}
//
// With a credential, a 401 answer triggers one token refresh and one retry.
func (h *Handlers) httpRequest(ctx context.Context, args dispatch.HandlerArgs) (dispatch.ActionResult, error) {
	cfg := args.Config
	rawURL := stringParam(cfg, "url", "")
	if rawURL == "" {
		return dispatch.ActionResult{}, schema.NewError(schema.ErrCodeConfiguration, "http_request: missing required config 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return dispatch.ActionResult{}, schema.NewErrorf(schema.ErrCodeConfiguration, "http_request: invalid url %q", rawURL)
	}
	if q := mapParam(cfg, "query"); len(q) > 0 {
		vals := u.Query()
		for k, v := range q {
			vals.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = vals.Encode()
	}

	body, contentType, err := encodeBody(cfg)
	if err != nil {
		return dispatch.ActionResult{}, err
	}

	timeout := h.cfg.DefaultTimeout
	if ts := stringParam(cfg, "timeout", ""); ts != "" {
		d, err := time.ParseDuration(ts)
		if err != nil {
			return dispatch.ActionResult{}, schema.NewErrorf(schema.ErrCodeConfiguration, "http_request: invalid timeout %q", ts)
		}
		timeout = d
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	provider := stringParam(cfg, "credential", "")
	var token string
	if provider != "" {
		if h.tokens == nil {
			return dispatch.ActionResult{}, schema.NewError(schema.ErrCodeConfiguration, "http_request: credentials are not configured")
		}
		if token, err = h.tokens.AccessToken(ctx, args.UserID, provider); err != nil {
			return dispatch.ActionResult{}, err
		}
	}

	method := strings.ToUpper(stringParam(cfg, "method", http.MethodGet))
	client := h.client(boolParam(cfg, "followRedirects", true))

	start := time.Now()
	resp, err := h.send(reqCtx, client, method, u.String(), body, contentType, cfg, token)
	if err == nil && resp.StatusCode == http.StatusUnauthorized && provider != "" {
		_ = resp.Body.Close()
		logging.LogWith(ctx, h.cfg.Logger).InfoContext(ctx, "http_request unauthorized, refreshing credential", "provider", provider)
		if token, err = h.tokens.Refresh(ctx, args.UserID, provider); err != nil {
			return dispatch.ActionResult{}, err
		}
		resp, err = h.send(reqCtx, client, method, u.String(), body, contentType, cfg, token)
	}
	if err != nil {
		code := schema.ErrCodeHandler
		if reqCtx.Err() == context.DeadlineExceeded {
			code = schema.ErrCodeTimeout
		}
		return dispatch.ActionResult{}, schema.NewErrorf(code, "http_request: %s %s: %v", method, u.Redacted(), err).WithCause(err)
	}
	defer resp.Body.Close()

	out, err := h.readResponse(resp)
	if err != nil {
		return dispatch.ActionResult{}, err
	}
	out["duration_ms"] = time.Since(start).Milliseconds()

	if resp.StatusCode >= 400 && boolParam(cfg, "failOnErrorStatus", true) {
		return dispatch.ActionResult{Output: out}, schema.NewErrorf(statusCode(resp.StatusCode),
			"http_request: %s %s returned %d", method, u.Redacted(), resp.StatusCode)
	}
	return dispatch.Success(out), nil
}

func statusCode(status int) string {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return schema.ErrCodeCredential
	case status == http.StatusNotFound:
		return schema.ErrCodeNotFound
	case status == http.StatusTooManyRequests || status >= 500:
		return schema.ErrCodeHandler
	default:
		return schema.ErrCodeValidation
	}
}

func encodeBody(cfg map[string]any) ([]byte, string, error) {
	raw, ok := cfg["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}
	switch enc := stringParam(cfg, "bodyEncoding", "json"); enc {
	case "json":
		b, err := xjson.Marshal(raw)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeConfiguration, "http_request: body is not JSON encodable").WithCause(err)
		}
		return b, "application/json", nil
	case "form":
		fields, ok := raw.(map[string]any)
		if !ok {
			return nil, "", schema.NewError(schema.ErrCodeConfiguration, "http_request: form body must be an object")
		}
		vals := url.Values{}
		for k, v := range fields {
			vals.Set(k, fmt.Sprint(v))
		}
		return []byte(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return []byte(fmt.Sprint(raw)), "text/plain", nil
	default:
		return nil, "", schema.NewErrorf(schema.ErrCodeConfiguration, "http_request: unknown bodyEncoding %q", enc)
	}
}

func (h *Handlers) client(followRedirects bool) *http.Client {
	if followRedirects {
		return h.cfg.HTTPClient
	}
	c := *h.cfg.HTTPClient
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return &c
}

func (h *Handlers) send(ctx context.Context, client *http.Client, method, target string, body []byte, contentType string, cfg map[string]any, token string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range mapParam(cfg, "headers") {
		req.Header.Set(k, fmt.Sprint(v))
	}
	if auth := mapParam(cfg, "auth"); auth != nil {
		switch stringParam(auth, "type", "") {
		case "bearer":
			req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
		case "basic":
			req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
		case "api_key":
			if name := stringParam(auth, "header", ""); name != "" {
				req.Header.Set(name, stringParam(auth, "value", ""))
			}
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return client.Do(req)
}

func (h *Handlers) readResponse(resp *http.Response) (map[string]any, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, h.cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeHandler, "http_request: read response body").WithCause(err)
	}

	ct := resp.Header.Get("Content-Type")
	var body any
	if len(data) > 0 {
		body = string(data)
		if strings.Contains(ct, "json") {
			var decoded any
			if err := xjson.Unmarshal(data, &decoded); err == nil {
				body = decoded
			}
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
		"content_type": ct,
	}, nil
}
