// Package retry runs an operation again when it fails with an error worth
// retrying, waiting longer between attempts each time.
//
// # Policy
//
// A Policy is a plain value, safe to share between goroutines:
//
//	p := retry.Policy{
//	    Name:        "github.get_repo",
//	    MaxAttempts: 4,
//	    BaseDelay:   500 * time.Millisecond,
//	    Multiplier:  2,
//	    MaxDelay:    10 * time.Second,
//	    Jitter:      retry.JitterProportional,
//	}
//
// The wait before attempt k (k >= 2) is BaseDelay * Multiplier^(k-2),
// clipped to MaxDelay, then scaled by the jitter factor. Fixed, Linear and
// Fibonacci strategies are also available. When a failure carries a
// retry-after hint (see errors.WithRetryAfter) the wait is at least the
// hint.
//
// # Running
//
//	repo, err := retry.Do(ctx, p, func(ctx context.Context) (*Repo, error) {
//	    return client.GetRepo(ctx, "owner/name")
//	})
//
// Do returns the first success. A failure the classifier rejects is
// returned at once as a NON_RETRYABLE error; running out of attempts
// returns RETRIES_EXHAUSTED. Both wrap the underlying failure and record
// the attempt count:
//
//	if errors.Is(err, errors.ErrCodeRetriesExhausted) {
//	    log.Printf("gave up after %d attempts", errors.Attempts(err))
//	}
//
// # Classification
//
// A policy without a classifier retries every failure. DefaultClassifier
// narrows that to toolbox errors in retryable categories and common network
// failures. RetryOn and RetryOnCodes build other classifiers, StopOn vetoes
// specific errors, and Permanent marks a single error as final from inside
// the operation.
//
// # Rate Limits
//
// Setting Policy.Limiter makes every attempt acquire one unit first, so
// retries never push a caller past its limit.
package retry
