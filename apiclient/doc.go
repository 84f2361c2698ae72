// Package apiclient is a small JSON REST client whose calls go through the
// toolbox's rate limiters, circuit breakers and retry policies.
//
// Every attempt acquires from the limiter, runs inside the breaker and is
// retried by the policy:
//
//	limiter, _ := ratelimit.NewSlidingWindow(60, time.Minute)
//	policy := retry.DefaultPolicy()
//	c := &apiclient.Client{
//		BaseURL: "https://api.example.com",
//		Limiter: limiter,
//		Retry:   &policy,
//		Breaker: breakers.GetOrCreate("example", breaker.HTTPServiceConfig()),
//	}
//	user, err := c.Get(ctx, "/users/42", nil)
//
// Error responses become toolbox errors: 429 is RATE_LIMITED, 5xx is
// UNAVAILABLE, 404 is NOT_FOUND, and a Retry-After header becomes the
// error's retry hint, which retry policies honor.
package apiclient
