// Package shutdown releases toolbox resources in a fixed order when a
// process stops.
//
// Handlers are registered with a phase; lower phases run first and
// handlers sharing a phase run concurrently. The usual order is:
//
//	PhaseLimiters     close limiters so blocked Acquire calls return
//	PhaseCoordination unsubscribe from the bus, close Redis and NATS
//	PhaseTelemetry    flush and stop the tracer provider
//
// Typical use in a command:
//
//	coord := shutdown.NewCoordinator(shutdown.Config{Logger: logger})
//	ctx, stop := coord.NotifyContext(context.Background())
//	defer stop()
//	coord.Register("limiters", shutdown.PhaseLimiters, limits.Close)
//	...
//	defer coord.ShutdownWithTimeout(10 * time.Second)
package shutdown
