package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	toolerrors "github.com/agent-toolbox/toolbox/errors"
)

// Classifier reports whether a failure is worth another attempt.
type Classifier func(err error) bool

// Connection failures that usually clear on their own.
var transientErrors = []error{
	io.EOF,
	io.ErrUnexpectedEOF,
	syscall.ECONNRESET,
	syscall.ECONNREFUSED,
	syscall.ECONNABORTED,
	syscall.EPIPE,
}

var transientPhrases = []string{
	"use of closed network connection",
	"connection reset by peer",
	"server closed idle connection",
	"transport connection broken",
	"unexpected EOF",
	"TLS handshake timeout",
}

// DefaultClassifier retries toolbox errors whose category is retryable,
// network timeouts, and connection failures. Context errors and anything
// else are not retried. Policies use it only when set as Retryable;
// apiclient sets it for policies that leave Retryable nil.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if te := toolerrors.AsToolError(err); te != nil {
		return te.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	for _, target := range transientErrors {
		if errors.Is(err, target) {
			return true
		}
	}

	msg := err.Error()
	for _, phrase := range transientPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// RetryAll retries every failure.
func RetryAll(err error) bool {
	return err != nil
}

// RetryOn retries failures matching any of targets under errors.Is.
func RetryOn(targets ...error) Classifier {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}

// RetryOnCodes retries toolbox errors with one of codes.
func RetryOnCodes(codes ...toolerrors.ErrorCode) Classifier {
	return func(err error) bool {
		code := toolerrors.Code(err)
		for _, c := range codes {
			if code == c {
				return true
			}
		}
		return false
	}
}

// Any retries when at least one classifier does.
func Any(classifiers ...Classifier) Classifier {
	return func(err error) bool {
		for _, c := range classifiers {
			if c(err) {
				return true
			}
		}
		return false
	}
}

// Permanent marks err as not worth retrying under any classifier.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
