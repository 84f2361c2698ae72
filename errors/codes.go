package errors

import "net/http"

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: network timeouts, temporary service unavailability.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: invalid input, resource not found, permission denied.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion or quota issues.
	// Examples: rate limiting, storage quota exceeded, connection pool exhausted.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	// Examples: nil pointer, assertion failures, corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for common failure scenarios.
const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // Operation timed out
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // Service temporarily unavailable
	ErrCodeNetworkErr  ErrorCode = "NETWORK_ERR" // Network connectivity issue
	ErrCodeRetryLater  ErrorCode = "RETRY_LATER" // Server requested retry

	// Permanent errors
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"      // Resource does not exist
	ErrCodeConflict      ErrorCode = "CONFLICT"       // Conflicting operation or state
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"  // Malformed or invalid input
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"   // Authentication failed
	ErrCodeForbidden     ErrorCode = "FORBIDDEN"      // Authorization denied
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS" // Resource already exists
	ErrCodePrecondition  ErrorCode = "PRECONDITION"   // Precondition not met
	ErrCodeUnsupported   ErrorCode = "UNSUPPORTED"    // Operation not supported
	ErrCodeCanceled      ErrorCode = "CANCELED"       // Operation was canceled
	ErrCodeHTTPStatus    ErrorCode = "HTTP_STATUS"    // Unexpected HTTP status

	// Resource errors
	ErrCodeRateLimit        ErrorCode = "RATE_LIMITED"       // Rate limit exceeded
	ErrCodeRateLimitTimeout ErrorCode = "RATE_LIMIT_TIMEOUT" // Gave up waiting for admission
	ErrCodeQuotaExceeded    ErrorCode = "QUOTA_EXCEEDED"     // Resource quota exhausted
	ErrCodeResourceBusy     ErrorCode = "RESOURCE_BUSY"      // Resource is busy/locked
	ErrCodeCapacity         ErrorCode = "CAPACITY"           // System at capacity

	// Retry outcomes
	ErrCodeRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED" // All attempts failed
	ErrCodeNonRetryable     ErrorCode = "NON_RETRYABLE"     // Fatal failure, not retried
	ErrCodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"      // Circuit breaker rejected the call

	// Internal errors
	ErrCodeInternal   ErrorCode = "INTERNAL"   // Unexpected internal error
	ErrCodeCorruption ErrorCode = "CORRUPTION" // Data corruption detected
	ErrCodeAssertion  ErrorCode = "ASSERTION"  // Assertion/invariant violation
	ErrCodePanic      ErrorCode = "PANIC"      // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	// Transient
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeNetworkErr, ErrCodeRetryLater:
		return CategoryTransient

	// Permanent
	case ErrCodeNotFound, ErrCodeConflict, ErrCodeInvalidInput, ErrCodeUnauthorized,
		ErrCodeForbidden, ErrCodeAlreadyExists, ErrCodePrecondition, ErrCodeUnsupported,
		ErrCodeCanceled, ErrCodeHTTPStatus:
		return CategoryPermanent

	// Resource
	case ErrCodeRateLimit, ErrCodeRateLimitTimeout, ErrCodeQuotaExceeded,
		ErrCodeResourceBusy, ErrCodeCapacity:
		return CategoryResource

	// Terminal retry outcomes are never retried again by an outer loop
	case ErrCodeRetriesExhausted, ErrCodeNonRetryable, ErrCodeCircuitOpen:
		return CategoryPermanent

	// Internal
	case ErrCodeInternal, ErrCodeCorruption, ErrCodeAssertion, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:          "operation timed out",
	ErrCodeUnavailable:      "service temporarily unavailable",
	ErrCodeNetworkErr:       "network connectivity error",
	ErrCodeRetryLater:       "server requested retry later",
	ErrCodeNotFound:         "resource not found",
	ErrCodeConflict:         "conflicting operation",
	ErrCodeInvalidInput:     "invalid input provided",
	ErrCodeUnauthorized:     "authentication required",
	ErrCodeForbidden:        "access denied",
	ErrCodeAlreadyExists:    "resource already exists",
	ErrCodePrecondition:     "precondition failed",
	ErrCodeUnsupported:      "operation not supported",
	ErrCodeCanceled:         "operation canceled",
	ErrCodeHTTPStatus:       "unexpected http status",
	ErrCodeRateLimit:        "rate limit exceeded",
	ErrCodeRateLimitTimeout: "timed out waiting for rate limit admission",
	ErrCodeQuotaExceeded:    "quota exceeded",
	ErrCodeResourceBusy:     "resource is busy",
	ErrCodeCapacity:         "system at capacity",
	ErrCodeRetriesExhausted: "retries exhausted",
	ErrCodeNonRetryable:     "non-retryable failure",
	ErrCodeCircuitOpen:      "circuit breaker open",
	ErrCodeInternal:         "internal error",
	ErrCodeCorruption:       "data corruption detected",
	ErrCodeAssertion:        "assertion failed",
	ErrCodePanic:            "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}

// CodeForHTTPStatus maps an HTTP status code onto the taxonomy.
// 2xx and 3xx statuses return the empty code.
func CodeForHTTPStatus(status int) ErrorCode {
	switch {
	case status < 400:
		return ""
	case status == http.StatusTooManyRequests:
		return ErrCodeRateLimit
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return ErrCodeTimeout
	case status == http.StatusUnauthorized:
		return ErrCodeUnauthorized
	case status == http.StatusForbidden:
		return ErrCodeForbidden
	case status == http.StatusNotFound, status == http.StatusGone:
		return ErrCodeNotFound
	case status == http.StatusConflict:
		return ErrCodeConflict
	case status == http.StatusPreconditionFailed:
		return ErrCodePrecondition
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ErrCodeInvalidInput
	case status == http.StatusNotImplemented:
		return ErrCodeUnsupported
	case status >= 500:
		return ErrCodeUnavailable
	default:
		return ErrCodeHTTPStatus
	}
}
