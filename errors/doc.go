// Package errors provides the structured error taxonomy shared by the
// toolbox limiters, retry policies, breakers and API client.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: Temporary failures where retry may succeed (network issues, 5xx)
//   - Permanent: Failures where retry will not help (invalid input, not found)
//   - Resource: Resource exhaustion issues (rate limits, quotas)
//   - Internal: Unexpected errors indicating bugs or system failures
//
// # Outbound Call Codes
//
//   - RATE_LIMITED: a non-blocking acquire found no capacity
//   - RATE_LIMIT_TIMEOUT: a blocking acquire gave up before admission
//   - NON_RETRYABLE: a failure classified as fatal, surfaced on first occurrence
//   - RETRIES_EXHAUSTED: the last failure after max attempts, with the count
//   - CIRCUIT_OPEN: a breaker rejected the call without running it
//   - HTTP_STATUS: a response status with no more specific mapping
//
// Every error produced by the toolbox carries the context a caller needs:
// the resource, the number of attempts, the elapsed wait, and an optional
// retry-after hint.
//
// # Usage
//
//	err := errors.RateLimited("quota hit", errors.WithRetryAfter(2*time.Second))
//
//	if d, ok := errors.RetryAfter(err); ok {
//	    time.Sleep(d)
//	}
//
//	if errors.Is(err, errors.ErrCodeRetriesExhausted) {
//	    log.Printf("gave up after %d attempts", errors.Attempts(err))
//	}
//
// # JSON Serialization
//
// Errors round-trip through JSON so they can cross the message bus:
//
//	data, err := json.Marshal(toolErr)
//
//	var restored errors.Error
//	json.Unmarshal(data, &restored)
package errors
