package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"

	"github.com/agent-toolbox/toolbox/breaker"
	toolerrors "github.com/agent-toolbox/toolbox/errors"
	"github.com/agent-toolbox/toolbox/logging"
	"github.com/agent-toolbox/toolbox/ratelimit"
	"github.com/agent-toolbox/toolbox/retry"
	"github.com/agent-toolbox/toolbox/telemetry"
)

// Defaults for zero Client fields.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 10 << 20
)

// MaxRetryAfter caps a server's Retry-After hint.
const MaxRetryAfter = 24 * time.Hour

const maxSnippetBytes = 200

// RequestIDHeader carries the per-call request ID. Retries of one call
// share the ID.
const RequestIDHeader = "X-Request-ID"

// Client calls a JSON REST API. The zero value sends requests to absolute
// URLs with no limiting, breaker or retries.
type Client struct {
	// BaseURL is joined with relative endpoints.
	BaseURL string

	// Headers are added to every request.
	Headers map[string]string

	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client
	Timeout    time.Duration

	// Limiter is acquired once before every HTTP attempt. When Limiter or
	// Resources is set, it replaces the limiter of Retry.
	Limiter ratelimit.Limiter

	// Resources and Resource gate attempts through a shared limiter when
	// Limiter is nil. A 429 response announces reduced capacity for
	// Resource.
	Resources ratelimit.ResourceLimiter
	Resource  string

	// Retry, when set, retries failed attempts. Each attempt is admitted by
	// the limiter and guarded by the breaker separately. A nil
	// Retry.Retryable means retry.DefaultClassifier.
	Retry *retry.Policy

	Breaker *breaker.Breaker

	// MaxBodyBytes bounds how much of a response body is read.
	MaxBodyBytes int64

	Logger *logging.Logger
	Tracer *telemetry.Tracer
}

// New returns a client for baseURL with default settings.
func New(baseURL string, headers map[string]string) *Client {
	return &Client{BaseURL: baseURL, Headers: headers}
}

// Get sends a GET with optional query parameters and decodes the reply.
func (c *Client) Get(ctx context.Context, endpoint string, query url.Values) (map[string]any, error) {
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + query.Encode()
	}
	return c.call(ctx, http.MethodGet, endpoint, nil)
}

// Post sends body as JSON and decodes the reply.
func (c *Client) Post(ctx context.Context, endpoint string, body any) (map[string]any, error) {
	return c.call(ctx, http.MethodPost, endpoint, body)
}

// Put sends body as JSON and decodes the reply.
func (c *Client) Put(ctx context.Context, endpoint string, body any) (map[string]any, error) {
	return c.call(ctx, http.MethodPut, endpoint, body)
}

// Delete sends a DELETE and decodes the reply.
func (c *Client) Delete(ctx context.Context, endpoint string) (map[string]any, error) {
	return c.call(ctx, http.MethodDelete, endpoint, nil)
}

func (c *Client) call(ctx context.Context, method, endpoint string, body any) (map[string]any, error) {
	resp, err := c.Do(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	return resp.Map()
}

// Do sends one logical request. body may be nil, []byte, a string, or any
// value encodable as JSON. Responses with status 400 and above fail with
// the code errors.FromHTTPStatus assigns, carrying any Retry-After hint.
func (c *Client) Do(ctx context.Context, method, endpoint string, body any) (*Response, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	target, err := c.resolve(endpoint)
	if err != nil {
		return nil, err
	}
	requestID := uuid.NewString()

	gate := c.limiter()
	attempt := func(ctx context.Context) (*Response, error) {
		if gate != nil {
			if err := gate.Acquire(ctx, 1); err != nil {
				return nil, err
			}
		}

		var resp *Response
		send := func(ctx context.Context) (err error) {
			resp, err = c.send(ctx, method, target, payload, requestID)
			return err
		}
		var err error
		if c.Breaker != nil {
			err = c.Breaker.Execute(ctx, send)
		} else {
			err = send(ctx)
		}
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	if c.Retry == nil {
		return attempt(ctx)
	}
	p := *c.Retry
	if gate != nil {
		p.Limiter = nil
	}
	if p.Retryable == nil {
		p.Retryable = retry.DefaultClassifier
	}
	if p.Name == "" {
		p.Name = method + " " + endpoint
	}
	if p.Logger == nil {
		p.Logger = c.Logger
	}
	if p.Tracer == nil {
		p.Tracer = c.Tracer
	}
	return retry.Do(ctx, p, attempt)
}

func (c *Client) limiter() ratelimit.Limiter {
	if c.Limiter != nil {
		return c.Limiter
	}
	if c.Resources != nil && c.Resource != "" {
		return c.Resources.For(c.Resource)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func (c *Client) tracer() *telemetry.Tracer {
	if c.Tracer != nil {
		return c.Tracer
	}
	return telemetry.GetTracer()
}

// resolve joins endpoint with BaseURL unless it is already absolute.
func (c *Client) resolve(endpoint string) (string, error) {
	if u, err := url.Parse(endpoint); err == nil && u.IsAbs() {
		return endpoint, nil
	}
	if c.BaseURL == "" {
		return "", toolerrors.InvalidInput(fmt.Sprintf("relative endpoint %q with no base URL", endpoint))
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/"), nil
}

// send performs one HTTP exchange.
func (c *Client) send(ctx context.Context, method, target string, payload []byte, requestID string) (*Response, error) {
	logger := logging.OrNop(c.Logger).WithComponent("apiclient").WithTraceID(requestID)
	tracer := c.tracer()

	ctx, span := tracer.StartRequestSpan(ctx, method, target)
	start := time.Now()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		err = toolerrors.WrapWithCode(err, toolerrors.ErrCodeInvalidInput, "build request")
		tracer.EndRequestSpan(span, 0, err)
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set(RequestIDHeader, requestID)
	telemetry.InjectContext(ctx, propagation.HeaderCarrier(req.Header))

	httpResp, err := c.httpClient().Do(req)
	if err != nil {
		err = transportError(ctx, method, target, err)
		logger.RequestComplete(method, target, 0, time.Since(start), err)
		tracer.EndRequestSpan(span, 0, err)
		return nil, err
	}
	defer httpResp.Body.Close()

	limit := c.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(httpResp.Body, limit))
	if err != nil {
		err = transportError(ctx, method, target, err)
		logger.RequestComplete(method, target, httpResp.StatusCode, time.Since(start), err)
		tracer.EndRequestSpan(span, httpResp.StatusCode, err)
		return nil, err
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
		RequestID:  requestID,
		Duration:   time.Since(start),
	}

	if resp.StatusCode >= 400 {
		err = c.statusError(method, target, resp)
	}
	logger.RequestComplete(method, target, resp.StatusCode, resp.Duration, err)
	tracer.EndRequestSpan(span, resp.StatusCode, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) statusError(method, target string, resp *Response) error {
	opts := []toolerrors.Option{
		toolerrors.WithMetadata("request_id", resp.RequestID),
		toolerrors.WithMetadata("url", target),
	}
	if c.Resource != "" {
		opts = append(opts, toolerrors.WithResource(c.Resource))
	}
	if hint := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); hint > 0 {
		opts = append(opts, toolerrors.WithRetryAfter(hint))
	}

	if resp.StatusCode == http.StatusTooManyRequests && c.Resources != nil && c.Resource != "" {
		c.Resources.AnnounceReduced(c.Resource, "http 429 from "+method+" "+target)
	}

	msg := fmt.Sprintf("%s %s: %d %s", method, target, resp.StatusCode, http.StatusText(resp.StatusCode))
	if snippet := strings.TrimSpace(string(resp.Body)); snippet != "" {
		msg += ": " + truncate(snippet, maxSnippetBytes)
	}
	return toolerrors.FromHTTPStatus(resp.StatusCode, msg, opts...)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// transportError keeps context errors as they are and marks everything
// else as a network failure.
func transportError(ctx context.Context, method, target string, err error) error {
	msg := method + " " + target
	if ctx.Err() != nil {
		return toolerrors.Wrap(ctx.Err(), msg, toolerrors.WithMetadata("transport_error", err.Error()))
	}
	return toolerrors.WrapWithCode(err, toolerrors.ErrCodeNetworkErr, msg)
}

// parseRetryAfter reads a Retry-After value in delay-seconds or HTTP-date
// form, capped at MaxRetryAfter.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		if secs >= int(MaxRetryAfter/time.Second) {
			return MaxRetryAfter
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return min(d, MaxRetryAfter)
		}
	}
	return 0
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case json.RawMessage:
		return b, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, toolerrors.WrapWithCode(err, toolerrors.ErrCodeInvalidInput, "encode request body")
	}
	return data, nil
}
