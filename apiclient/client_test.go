package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/agent-toolbox/toolbox/breaker"
	toolerrors "github.com/agent-toolbox/toolbox/errors"
	"github.com/agent-toolbox/toolbox/logging"
	"github.com/agent-toolbox/toolbox/ratelimit"
	"github.com/agent-toolbox/toolbox/retry"
	"github.com/agent-toolbox/toolbox/telemetry"
)

// scripted replies with the given statuses in order, then 200 {"ok": true}.
type scripted struct {
	mu       sync.Mutex
	statuses []int
	headers  map[string]string
	hits     atomic.Int32
	ids      []string
}

func (s *scripted) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(s.hits.Add(1))
	s.mu.Lock()
	s.ids = append(s.ids, r.Header.Get(RequestIDHeader))
	s.mu.Unlock()

	if n <= len(s.statuses) {
		for k, v := range s.headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(s.statuses[n-1])
		_, _ = w.Write([]byte(`{"error": "nope"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok": true}`))
}

func TestClient_Get(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		_, _ = w.Write([]byte(`{"login": "octocat", "id": 1}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/", map[string]string{"Authorization": "Bearer t0ken"})
	out, err := c.Get(context.Background(), "/users/octocat", url.Values{"fields": {"login"}})
	require.NoError(t, err)

	assert.Equal(t, "octocat", out["login"])
	assert.Equal(t, float64(1), out["id"])

	require.NotNil(t, got)
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "/users/octocat", got.URL.Path)
	assert.Equal(t, "login", got.URL.Query().Get("fields"))
	assert.Equal(t, "Bearer t0ken", got.Header.Get("Authorization"))
	assert.Equal(t, "application/json", got.Header.Get("Accept"))
	assert.NotEmpty(t, got.Header.Get(RequestIDHeader))
}

func TestClient_PostPutDelete(t *testing.T) {
	type seen struct {
		method, contentType string
		body                map[string]any
	}
	var last seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		last = seen{method: r.Method, contentType: r.Header.Get("Content-Type")}
		data, _ := io.ReadAll(r.Body)
		if len(data) > 0 {
			_ = json.Unmarshal(data, &last.body)
		}
		switch r.Method {
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case http.MethodPut:
			_, _ = w.Write([]byte(`[1, 2, 3]`))
		default:
			_, _ = w.Write(data)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	ctx := context.Background()

	out, err := c.Post(ctx, "items", map[string]any{"name": "widget"})
	require.NoError(t, err)
	assert.Equal(t, "widget", out["name"])
	assert.Equal(t, http.MethodPost, last.method)
	assert.Equal(t, "application/json", last.contentType)
	assert.Equal(t, "widget", last.body["name"])

	out, err = c.Put(ctx, "items/1", []byte(`{"name": "gadget"}`))
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, out["data"])
	assert.Equal(t, "gadget", last.body["name"])

	out, err = c.Delete(ctx, "items/1")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, http.MethodDelete, last.method)
	assert.Empty(t, last.contentType)
}

func TestClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Custom", "yes")
		_, _ = w.Write([]byte(`{"n": 7}`))
	}))
	defer srv.Close()

	resp, err := New(srv.URL, nil).Do(context.Background(), http.MethodGet, "/n", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Custom"))
	assert.NotEmpty(t, resp.RequestID)

	var v struct{ N int }
	require.NoError(t, resp.JSON(&v))
	assert.Equal(t, 7, v.N)
}

func TestClient_StatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		code      toolerrors.ErrorCode
		retryable bool
	}{
		{http.StatusBadRequest, toolerrors.ErrCodeInvalidInput, false},
		{http.StatusUnauthorized, toolerrors.ErrCodeUnauthorized, false},
		{http.StatusNotFound, toolerrors.ErrCodeNotFound, false},
		{http.StatusTooManyRequests, toolerrors.ErrCodeRateLimit, true},
		{http.StatusInternalServerError, toolerrors.ErrCodeUnavailable, true},
		{http.StatusServiceUnavailable, toolerrors.ErrCodeUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(&scripted{statuses: []int{tt.status}})
			defer srv.Close()

			_, err := New(srv.URL, nil).Get(context.Background(), "/x", nil)
			require.Error(t, err)
			assert.Equal(t, tt.code, toolerrors.Code(err))
			assert.Equal(t, tt.retryable, toolerrors.IsRetryable(err))
			assert.Contains(t, err.Error(), "nope")

			te := toolerrors.AsToolError(err)
			require.NotNil(t, te)
			assert.Equal(t, tt.status, te.Status())
		})
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	s := &scripted{statuses: []int{http.StatusServiceUnavailable, http.StatusBadGateway}}
	srv := httptest.NewServer(s)
	defer srv.Close()

	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	c := &Client{BaseURL: srv.URL, Retry: &policy}

	out, err := c.Get(context.Background(), "/flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, int32(3), s.hits.Load())

	require.Len(t, s.ids, 3)
	assert.Equal(t, s.ids[0], s.ids[1], "retries share the request ID")
	assert.Equal(t, s.ids[0], s.ids[2])
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	s := &scripted{statuses: []int{http.StatusNotFound, http.StatusNotFound}}
	srv := httptest.NewServer(s)
	defer srv.Close()

	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	c := &Client{BaseURL: srv.URL, Retry: &policy}

	_, err := c.Get(context.Background(), "/missing", nil)
	require.Error(t, err)
	assert.True(t, toolerrors.Is(err, toolerrors.ErrCodeNonRetryable))
	assert.Equal(t, 1, toolerrors.Attempts(err))
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, int32(1), s.hits.Load())
}

func TestClient_HonorsRetryAfter(t *testing.T) {
	s := &scripted{
		statuses: []int{http.StatusTooManyRequests},
		headers:  map[string]string{"Retry-After": "1"},
	}
	srv := httptest.NewServer(s)
	defer srv.Close()

	var delays []time.Duration
	policy := retry.Policy{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    20 * time.Millisecond,
		OnRetry: func(_ int, _ error, d time.Duration) {
			delays = append(delays, d)
		},
	}
	c := &Client{BaseURL: srv.URL, Retry: &policy}

	_, err := c.Get(context.Background(), "/limited", nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{20 * time.Millisecond}, delays, "hint raised the wait, clipped to MaxDelay")
}

func TestClient_429ReducesSharedCapacity(t *testing.T) {
	srv := httptest.NewServer(&scripted{statuses: []int{http.StatusTooManyRequests}})
	defer srv.Close()

	limits := ratelimit.NewMemoryLimiter()
	defer limits.Close()
	limits.SetCapacity("api", 8, time.Minute)

	c := &Client{BaseURL: srv.URL, Resources: limits, Resource: "api"}
	_, err := c.Get(context.Background(), "/", nil)
	require.True(t, toolerrors.Is(err, toolerrors.ErrCodeRateLimit))

	te := toolerrors.AsToolError(err)
	require.NotNil(t, te)
	assert.Equal(t, "api", te.Resource())

	capacity := limits.GetCapacity("api")
	require.NotNil(t, capacity)
	assert.Equal(t, 6, capacity.Total)
}

func TestClient_LimiterGatesAttempts(t *testing.T) {
	s := &scripted{}
	srv := httptest.NewServer(s)
	defer srv.Close()

	limiter, err := ratelimit.NewSlidingWindow(1, time.Hour)
	require.NoError(t, err)
	c := &Client{BaseURL: srv.URL, Limiter: limiter}

	_, err = c.Get(context.Background(), "/", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Get(ctx, "/", nil)
	require.True(t, toolerrors.Is(err, toolerrors.ErrCodeRateLimitTimeout))
	assert.Equal(t, int32(1), s.hits.Load())
}

func TestClient_OneAdmissionPerAttempt(t *testing.T) {
	s := &scripted{statuses: []int{http.StatusServiceUnavailable}}
	srv := httptest.NewServer(s)
	defer srv.Close()

	limiter, err := ratelimit.NewSlidingWindow(10, time.Minute)
	require.NoError(t, err)
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Limiter: limiter}
	c := &Client{BaseURL: srv.URL, Limiter: limiter, Retry: &policy}

	_, err = c.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), s.hits.Load())
	assert.Equal(t, 8, limiter.Available(), "two attempts take two units")
	assert.Same(t, limiter, policy.Limiter, "caller's policy is left alone")
}

func TestClient_PolicyLimiterGatesWithoutClientLimiter(t *testing.T) {
	s := &scripted{}
	srv := httptest.NewServer(s)
	defer srv.Close()

	limiter, err := ratelimit.NewSlidingWindow(10, time.Minute)
	require.NoError(t, err)
	policy := retry.Policy{MaxAttempts: 2, Limiter: limiter}
	c := &Client{BaseURL: srv.URL, Retry: &policy}

	_, err = c.Get(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, 9, limiter.Available())
}

func TestClient_NilClassifierSkipsClientErrors(t *testing.T) {
	s := &scripted{statuses: []int{http.StatusBadRequest, http.StatusBadRequest}}
	srv := httptest.NewServer(s)
	defer srv.Close()

	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	c := &Client{BaseURL: srv.URL, Retry: &policy}

	_, err := c.Get(context.Background(), "/", nil)
	require.Error(t, err)
	assert.True(t, toolerrors.Is(err, toolerrors.ErrCodeNonRetryable))
	assert.Nil(t, policy.Retryable)
}

func TestClient_ErrorSnippetKeepsRunes(t *testing.T) {
	body := strings.Repeat("a", maxSnippetBytes-1) + "é and more"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	_, err := New(srv.URL, nil).Get(context.Background(), "/", nil)
	require.Error(t, err)
	assert.True(t, utf8.ValidString(err.Error()))
	assert.Contains(t, err.Error(), strings.Repeat("a", maxSnippetBytes-1)+"...")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
	assert.Equal(t, "a...", truncate("aé", 2))
}

func TestClient_BreakerOpens(t *testing.T) {
	s := &scripted{statuses: []int{500, 500, 500, 500}}
	srv := httptest.NewServer(s)
	defer srv.Close()

	b := breaker.NewManager().GetOrCreate("api", breaker.Config{ConsecutiveFailures: 2, Timeout: time.Hour})
	c := &Client{BaseURL: srv.URL, Breaker: b}

	for i := 0; i < 2; i++ {
		_, err := c.Get(context.Background(), "/", nil)
		require.True(t, toolerrors.Is(err, toolerrors.ErrCodeUnavailable))
	}
	_, err := c.Get(context.Background(), "/", nil)
	require.True(t, toolerrors.Is(err, toolerrors.ErrCodeCircuitOpen))
	assert.Equal(t, int32(2), s.hits.Load())
}

func TestClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(&scripted{})
	target := srv.URL
	srv.Close()

	_, err := New(target, nil).Get(context.Background(), "/", nil)
	require.Error(t, err)
	assert.True(t, toolerrors.Is(err, toolerrors.ErrCodeNetworkErr))
	assert.True(t, toolerrors.IsRetryable(err))
}

func TestClient_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(&scripted{})
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(srv.URL, nil).Get(ctx, "/", nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, toolerrors.Is(err, toolerrors.ErrCodeCanceled))
}

func TestClient_Resolve(t *testing.T) {
	c := &Client{BaseURL: "https://api.example.com/v1/"}
	got, err := c.resolve("/users")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com/v1/users", got)

	got, err = c.resolve("https://other.example.com/x")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/x", got)

	_, err = (&Client{}).resolve("users")
	assert.True(t, toolerrors.Is(err, toolerrors.ErrCodeInvalidInput))
}

func TestClient_InvalidBody(t *testing.T) {
	_, err := New("http://localhost", nil).Post(context.Background(), "/", make(chan int))
	assert.True(t, toolerrors.Is(err, toolerrors.ErrCodeInvalidInput))
}

func TestClient_Logs(t *testing.T) {
	srv := httptest.NewServer(&scripted{statuses: []int{http.StatusNotFound}})
	defer srv.Close()

	var buf bytes.Buffer
	logger := logging.New()
	logger.SetOutput(&buf)
	logger.SetFormat(logging.FormatJSON)
	logger.SetLevel(logging.LevelDebug)

	c := &Client{BaseURL: srv.URL, Logger: logger}
	_, _ = c.Get(context.Background(), "/a", nil)
	_, _ = c.Get(context.Background(), "/b", nil)

	out := buf.String()
	assert.Contains(t, out, "request_failed")
	assert.Contains(t, out, "request_complete")
	assert.Contains(t, out, `"logger":"apiclient"`)
	assert.Contains(t, out, `"status":404`)
}

func TestClient_RequestSpan(t *testing.T) {
	srv := httptest.NewServer(&scripted{})
	defer srv.Close()

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	c := &Client{BaseURL: srv.URL, Tracer: telemetry.NewTracerFromProvider(tp, "test", false)}

	_, err := c.Get(context.Background(), "/traced", nil)
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "http.GET", spans[0].Name())

	var status attribute.Value
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "http.response.status_code" {
			status = kv.Value
		}
	}
	assert.Equal(t, int64(200), status.AsInt64())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "120", 2 * time.Minute},
		{"zero", "0", 0},
		{"negative", "-5", 0},
		{"date", now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{"past date", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage", "soon", 0},
		{"huge seconds", "9999999999999", MaxRetryAfter},
		{"far date", now.Add(90 * 24 * time.Hour).Format(http.TimeFormat), MaxRetryAfter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.value, now))
		})
	}
}

func TestResponse_Map(t *testing.T) {
	m, err := (&Response{Body: []byte("  ")}).Map()
	require.NoError(t, err)
	assert.Empty(t, m)

	m, err = (&Response{Body: []byte(`"hello"`)}).Map()
	require.NoError(t, err)
	assert.Equal(t, "hello", m["data"])

	_, err = (&Response{Body: []byte(`{broken`)}).Map()
	assert.Error(t, err)
}
