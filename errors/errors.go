package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// ToolError is the interface for all structured errors in the toolbox.
// It extends the standard error interface with the context a caller needs
// to log or branch on a failed outbound call.
type ToolError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Resource names the limited resource or endpoint, if any.
	Resource() string

	// Attempts is the number of attempts made before the error surfaced.
	Attempts() int

	// Elapsed is the time spent waiting or retrying.
	Elapsed() time.Duration

	// RetryAfter is a wait hint from a limiter or server; zero if none.
	RetryAfter() time.Duration

	// Status is the HTTP status the error came from; zero if none.
	Status() int
}

// Error is the concrete implementation of ToolError.
type Error struct {
	code       ErrorCode
	category   ErrorCategory
	message    string
	cause      error
	metadata   map[string]string
	retryable  *bool // nil means use default based on category
	timestamp  time.Time
	resource   string        // limited resource or endpoint, if applicable
	attempts   int           // attempts made before this error surfaced
	elapsed    time.Duration // time spent waiting or retrying
	retryAfter time.Duration // server or limiter supplied wait hint
	status     int           // HTTP status, if the error came from a response
}

// Ensure Error implements ToolError and json.Marshaler/Unmarshaler.
var (
	_ ToolError        = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns the error metadata.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return make(map[string]string)
	}
	// Return a copy to prevent modification
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// Resource returns the limited resource or endpoint, if set.
func (e *Error) Resource() string {
	return e.resource
}

// Attempts returns how many attempts were made, if set.
func (e *Error) Attempts() int {
	return e.attempts
}

// Elapsed returns the time spent before the error surfaced.
func (e *Error) Elapsed() time.Duration {
	return e.elapsed
}

// RetryAfter returns the wait hint carried by the error, or zero.
func (e *Error) RetryAfter() time.Duration {
	return e.retryAfter
}

// Status returns the HTTP status code, or zero.
func (e *Error) Status() int {
	return e.status
}

// errorJSON is the JSON representation of an Error.
type errorJSON struct {
	Code       ErrorCode         `json:"code"`
	Category   ErrorCategory     `json:"category"`
	Message    string            `json:"message"`
	Cause      string            `json:"cause,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Retryable  bool              `json:"retryable"`
	Timestamp  string            `json:"timestamp,omitempty"`
	Resource   string            `json:"resource,omitempty"`
	Attempts   int               `json:"attempts,omitempty"`
	ElapsedMS  int64             `json:"elapsed_ms,omitempty"`
	RetryAfter string            `json:"retry_after,omitempty"`
	Status     int               `json:"status,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		Resource:  e.resource,
		Attempts:  e.attempts,
		ElapsedMS: e.elapsed.Milliseconds(),
		Status:    e.status,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	if e.retryAfter > 0 {
		j.RetryAfter = e.retryAfter.String()
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.resource = j.Resource
	e.attempts = j.Attempts
	e.elapsed = time.Duration(j.ElapsedMS) * time.Millisecond
	e.status = j.Status
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	if j.RetryAfter != "" {
		if d, err := time.ParseDuration(j.RetryAfter); err == nil {
			e.retryAfter = d
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds metadata key-value pairs.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithMetadataMap adds multiple metadata key-value pairs.
func WithMetadataMap(m map[string]string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		for k, v := range m {
			e.metadata[k] = v
		}
	}
}

// WithResource sets the limited resource or endpoint.
func WithResource(resource string) Option {
	return func(e *Error) {
		e.resource = resource
	}
}

// WithAttempts records how many attempts were made.
func WithAttempts(n int) Option {
	return func(e *Error) {
		e.attempts = n
	}
}

// WithElapsed records the time spent before the error surfaced.
func WithElapsed(d time.Duration) Option {
	return func(e *Error) {
		e.elapsed = d
	}
}

// WithRetryAfter attaches a wait hint.
func WithRetryAfter(d time.Duration) Option {
	return func(e *Error) {
		e.retryAfter = d
	}
}

// WithStatus records the HTTP status code.
func WithStatus(status int) Option {
	return func(e *Error) {
		e.status = status
	}
}

// WithTimestamp sets a custom timestamp.
func WithTimestamp(t time.Time) Option {
	return func(e *Error) {
		e.timestamp = t
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// Timeout creates a timeout error.
func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

// NotFound creates a not found error.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// RateLimited creates a rate limit error.
func RateLimited(message string, opts ...Option) *Error {
	return New(ErrCodeRateLimit, message, opts...)
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string, opts ...Option) *Error {
	return New(ErrCodeUnauthorized, message, opts...)
}

// Forbidden creates a forbidden error.
func Forbidden(message string, opts ...Option) *Error {
	return New(ErrCodeForbidden, message, opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// Conflict creates a conflict error.
func Conflict(message string, opts ...Option) *Error {
	return New(ErrCodeConflict, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}

// RateLimitTimeout creates an error for a blocking acquire that gave up.
func RateLimitTimeout(resource string, waited time.Duration, opts ...Option) *Error {
	opts = append([]Option{WithResource(resource), WithElapsed(waited)}, opts...)
	return New(ErrCodeRateLimitTimeout,
		fmt.Sprintf("rate limit on %s not admitted after %s", resource, waited), opts...)
}

// RetriesExhausted creates the terminal error of a retry loop that ran out
// of attempts. The last failure is kept as the cause.
func RetriesExhausted(attempts int, elapsed time.Duration, last error, opts ...Option) *Error {
	opts = append([]Option{WithAttempts(attempts), WithElapsed(elapsed), WithCause(last)}, opts...)
	return New(ErrCodeRetriesExhausted, fmt.Sprintf("giving up after %d attempts", attempts), opts...)
}

// NonRetryable creates the error for a failure classified as fatal.
func NonRetryable(attempt int, elapsed time.Duration, cause error, opts ...Option) *Error {
	opts = append([]Option{WithAttempts(attempt), WithElapsed(elapsed), WithCause(cause)}, opts...)
	return New(ErrCodeNonRetryable, fmt.Sprintf("attempt %d failed permanently", attempt), opts...)
}

// CircuitOpen creates the error returned when a breaker rejects a call.
func CircuitOpen(name string, opts ...Option) *Error {
	opts = append([]Option{WithResource(name)}, opts...)
	return New(ErrCodeCircuitOpen, fmt.Sprintf("circuit %s is open", name), opts...)
}

// FromHTTPStatus creates an error for a non-success HTTP response.
// The code follows CodeForHTTPStatus; statuses with no specific mapping
// use HTTP_STATUS. Returns nil for statuses below 400.
func FromHTTPStatus(status int, message string, opts ...Option) *Error {
	code := CodeForHTTPStatus(status)
	if code == "" {
		return nil
	}
	if message == "" {
		message = fmt.Sprintf("http status %d", status)
	}
	opts = append([]Option{WithStatus(status)}, opts...)
	return New(code, message, opts...)
}
