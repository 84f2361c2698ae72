package logging

import "time"

// --- Call-gating events ---

// RateLimited logs a rejected or delayed admission.
func (l *Logger) RateLimited(resource string, retryAfter time.Duration) {
	l.Debug("rate_limited", map[string]interface{}{
		"resource":    resource,
		"retry_after": retryAfter,
	})
}

// Admitted logs a successful admission that had to wait.
func (l *Logger) Admitted(resource string, tokens int, waited time.Duration) {
	l.Debug("admitted", map[string]interface{}{
		"resource": resource,
		"tokens":   tokens,
		"waited":   waited,
	})
}

// CapacityChanged logs a limiter resize, local or announced by a peer.
func (l *Logger) CapacityChanged(resource string, from, to int, reason string) {
	l.Info("capacity_changed", map[string]interface{}{
		"resource": resource,
		"from":     from,
		"to":       to,
		"reason":   reason,
	})
}

// RetryAttempt logs a failed attempt that will be retried after delay.
func (l *Logger) RetryAttempt(op string, attempt int, err error, delay time.Duration) {
	fields := map[string]interface{}{
		"op":      op,
		"attempt": attempt,
		"delay":   delay,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Warn("retry_attempt", fields)
}

// RetrySucceeded logs success after at least one retry.
func (l *Logger) RetrySucceeded(op string, attempts int, elapsed time.Duration) {
	l.Info("retry_succeeded", map[string]interface{}{
		"op":       op,
		"attempts": attempts,
		"elapsed":  elapsed,
	})
}

// RetryExhausted logs the terminal failure of a retry loop.
func (l *Logger) RetryExhausted(op string, attempts int, err error) {
	fields := map[string]interface{}{
		"op":       op,
		"attempts": attempts,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error("retry_exhausted", fields)
}

// BreakerStateChange logs a circuit breaker transition.
func (l *Logger) BreakerStateChange(name, from, to string) {
	l.Warn("breaker_state_change", map[string]interface{}{
		"breaker": name,
		"from":    from,
		"to":      to,
	})
}

// RequestComplete logs an outbound HTTP request.
func (l *Logger) RequestComplete(method, url string, status int, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"method":   method,
		"url":      url,
		"status":   status,
		"duration": duration,
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("request_failed", fields)
		return
	}
	l.Debug("request_complete", fields)
}
