// Package breaker stops calling a dependency that keeps failing.
//
// A Manager holds named breakers built on sony/gobreaker. A breaker is
// closed while calls succeed, opens after ConsecutiveFailures failures in
// a row (or once FailureRatio of at least MinRequests calls failed), and
// after Timeout lets MaxRequests trial calls through in the half-open
// state. Calls rejected while open fail fast with CIRCUIT_OPEN:
//
//	m := breaker.NewManager(breaker.WithLogger(logger))
//	b := m.GetOrCreate("github", breaker.HTTPServiceConfig())
//	err := b.Execute(ctx, func(ctx context.Context) error {
//		return callGitHub(ctx)
//	})
//
// Cancellation and permanent toolbox errors such as NOT_FOUND do not count
// as failures; override Config.IsFailure to change that.
package breaker
