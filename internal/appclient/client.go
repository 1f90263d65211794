// Package appclient is a typed client for the autoclickd operator API.
package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/g960059/autoclick/internal/api"
)

const defaultUnaryTimeout = 10 * time.Second

// Client talks to autoclickd. Every request is bounded by the unary
// timeout unless the caller's context already expires sooner.
type Client struct {
	base    string
	hc      *http.Client
	timeout time.Duration
}

// New dials the daemon over its unix socket.
func New(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
	}
	return NewWithClient("http://autoclickd", &http.Client{Transport: &http.Transport{DialContext: dial}})
}

func NewWithClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimSuffix(baseURL, "/"), hc: hc, timeout: defaultUnaryTimeout}
}

// WithUnaryTimeout returns a copy of c using timeout per request. Zero
// disables the bound.
func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	cp := *c
	cp.timeout = timeout
	return &cp
}

// RequestError is a non-2xx reply. Code is the daemon's E_* code, or
// HTTP_<status> when the body carried none.
type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *RequestError) Error() string {
	parts := make([]string, 0, 2)
	if e.Code != "" {
		parts = append(parts, e.Code)
	} else if e.StatusCode > 0 {
		parts = append(parts, "http "+strconv.Itoa(e.StatusCode))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if len(parts) == 0 {
		return "request failed"
	}
	return strings.Join(parts, ": ")
}

// Retryable reports whether the same request may succeed later.
func (e *RequestError) Retryable() bool {
	switch {
	case e.StatusCode >= http.StatusInternalServerError:
		return true
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	}
	return false
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	return get[api.HealthResponse](ctx, c, "/v1/health", nil)
}

func (c *Client) Status(ctx context.Context) (api.StatusEnvelope, error) {
	return get[api.StatusEnvelope](ctx, c, "/v1/status", nil)
}

type LogsOptions struct {
	Limit int
	// Source is "live" (the in-memory buffer) or "history" (the store).
	Source string
}

func (o LogsOptions) query() url.Values {
	q := url.Values{}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if s := strings.TrimSpace(o.Source); s != "" {
		q.Set("source", s)
	}
	return q
}

func (c *Client) Logs(ctx context.Context, opts LogsOptions) (api.LogsEnvelope, error) {
	return get[api.LogsEnvelope](ctx, c, "/v1/logs", opts.query())
}

func (c *Client) StartScan(ctx context.Context) (api.CommandEnvelope, error) {
	return send[api.CommandEnvelope](ctx, c, http.MethodPost, "/v1/scan/start", nil)
}

func (c *Client) StopScan(ctx context.Context) (api.CommandEnvelope, error) {
	return send[api.CommandEnvelope](ctx, c, http.MethodPost, "/v1/scan/stop", nil)
}

func (c *Client) ResetSafetyLock(ctx context.Context) (api.CommandEnvelope, error) {
	return send[api.CommandEnvelope](ctx, c, http.MethodPost, "/v1/safety/reset", nil)
}

func (c *Client) ConnectBridge(ctx context.Context, req api.BridgeConnectRequest) (api.CommandEnvelope, error) {
	return send[api.CommandEnvelope](ctx, c, http.MethodPost, "/v1/bridge/connect", req)
}

func (c *Client) DisconnectBridge(ctx context.Context) (api.CommandEnvelope, error) {
	return send[api.CommandEnvelope](ctx, c, http.MethodPost, "/v1/bridge/disconnect", nil)
}

func (c *Client) Settings(ctx context.Context) (api.SettingsEnvelope, error) {
	return get[api.SettingsEnvelope](ctx, c, "/v1/settings", nil)
}

func (c *Client) UpdateSettings(ctx context.Context, req api.SettingsUpdateRequest) (api.SettingsEnvelope, error) {
	return send[api.SettingsEnvelope](ctx, c, http.MethodPut, "/v1/settings", req)
}

func (c *Client) ListTargets(ctx context.Context) (api.TargetsEnvelope, error) {
	return get[api.TargetsEnvelope](ctx, c, "/v1/targets", nil)
}

func (c *Client) GetTarget(ctx context.Context, id string) (api.TargetsEnvelope, error) {
	p, err := targetPath(id)
	if err != nil {
		return api.TargetsEnvelope{}, err
	}
	return get[api.TargetsEnvelope](ctx, c, p, nil)
}

func (c *Client) CreateTarget(ctx context.Context, req api.TargetRequest) (api.TargetsEnvelope, error) {
	return send[api.TargetsEnvelope](ctx, c, http.MethodPost, "/v1/targets", req)
}

func (c *Client) UpdateTarget(ctx context.Context, id string, req api.TargetRequest) (api.TargetsEnvelope, error) {
	p, err := targetPath(id)
	if err != nil {
		return api.TargetsEnvelope{}, err
	}
	return send[api.TargetsEnvelope](ctx, c, http.MethodPut, p, req)
}

func (c *Client) DeleteTarget(ctx context.Context, id string) error {
	p, err := targetPath(id)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodDelete, p, nil, nil)
	return err
}

func (c *Client) ListPatterns(ctx context.Context) (api.PatternsEnvelope, error) {
	return get[api.PatternsEnvelope](ctx, c, "/v1/patterns", nil)
}

func (c *Client) CreatePattern(ctx context.Context, req api.PatternRequest) (api.PatternsEnvelope, error) {
	return send[api.PatternsEnvelope](ctx, c, http.MethodPost, "/v1/patterns", req)
}

func (c *Client) UpdatePattern(ctx context.Context, id string, req api.PatternRequest) (api.PatternsEnvelope, error) {
	p, err := patternPath(id)
	if err != nil {
		return api.PatternsEnvelope{}, err
	}
	return send[api.PatternsEnvelope](ctx, c, http.MethodPut, p, req)
}

func (c *Client) DeletePattern(ctx context.Context, id string) error {
	p, err := patternPath(id)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodDelete, p, nil, nil)
	return err
}

type FollowOptions struct {
	PollInterval    time.Duration
	RetryMinBackoff time.Duration
	RetryMaxBackoff time.Duration
}

func (o FollowOptions) withDefaults() FollowOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.RetryMinBackoff <= 0 {
		o.RetryMinBackoff = 250 * time.Millisecond
	}
	if o.RetryMaxBackoff <= 0 {
		o.RetryMaxBackoff = 4 * time.Second
	}
	o.RetryMaxBackoff = max(o.RetryMaxBackoff, o.RetryMinBackoff)
	return o
}

// FollowLogs polls the live log and calls onEntry once for every entry
// it has not reported before, in log order. Transient request failures
// are retried with capped exponential backoff.
func (c *Client) FollowLogs(ctx context.Context, opts FollowOptions, onEntry func(api.LogEntryResponse) error) error {
	opts = opts.withDefaults()
	delay := opts.RetryMinBackoff
	// The live buffer is bounded, so ids from the previous poll are
	// enough to tell new entries apart.
	var prev map[string]bool

	for ctx.Err() == nil {
		env, err := c.Logs(ctx, LogsOptions{Source: "live"})
		if err != nil {
			if reqErr := (*RequestError)(nil); errors.As(err, &reqErr) && !reqErr.Retryable() {
				return err
			}
			if err := pause(ctx, delay); err != nil {
				return err
			}
			delay = min(2*delay, opts.RetryMaxBackoff)
			continue
		}
		delay = opts.RetryMinBackoff

		cur := make(map[string]bool, len(env.Entries))
		for _, e := range env.Entries {
			cur[e.ID] = true
			if prev[e.ID] || onEntry == nil {
				continue
			}
			if err := onEntry(e); err != nil {
				return err
			}
		}
		prev = cur
		if err := pause(ctx, opts.PollInterval); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func targetPath(id string) (string, error)  { return itemPath("/v1/targets/", "target", id) }
func patternPath(id string) (string, error) { return itemPath("/v1/patterns/", "pattern", id) }

func itemPath(prefix, kind, id string) (string, error) {
	if id = strings.TrimSpace(id); id == "" {
		return "", fmt.Errorf("%s id is required", kind)
	}
	return prefix + url.PathEscape(id), nil
}

func get[T any](ctx context.Context, c *Client, path string, q url.Values) (T, error) {
	return decode[T](c.do(ctx, http.MethodGet, path, q, nil))
}

func send[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	return decode[T](c.do(ctx, method, path, nil, body))
}

func decode[T any](payload []byte, err error) (T, error) {
	var out T
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body any) ([]byte, error) {
	if c.timeout > 0 {
		if dl, ok := ctx.Deadline(); !ok || time.Until(dl) > c.timeout {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
	}
	target := c.base + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	if resp.StatusCode < http.StatusBadRequest {
		return payload, nil
	}
	return nil, replyError(resp.StatusCode, payload)
}

func replyError(status int, payload []byte) *RequestError {
	var env api.ErrorResponse
	if json.Unmarshal(payload, &env) == nil && env.Error.Code != "" {
		return &RequestError{StatusCode: status, Code: env.Error.Code, Message: env.Error.Message}
	}
	return &RequestError{
		StatusCode: status,
		Code:       "HTTP_" + strconv.Itoa(status),
		Message:    strings.TrimSpace(string(payload)),
	}
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
