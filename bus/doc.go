// Package bus carries coordination messages between toolbox processes.
//
// Distributed rate limiters use it to tell each other when a remote API
// pushed back, so every process slows down instead of each one finding out
// on its own.
//
// # Implementations
//
//   - NATSBus: NATS core pub/sub, for limiters in separate processes
//   - MemoryBus: in-process channels, for tests and single-binary setups
//
// # Usage
//
//	sub, _ := b.Subscribe("ratelimit.capacity")
//	defer sub.Unsubscribe()
//
//	b.Publish("ratelimit.capacity", data)
//
//	for msg := range sub.Messages() {
//	    // handle msg.Data
//	}
//
// Delivery is at-most-once. A subscriber that falls behind by more than
// Config.BufferSize messages loses the excess, which suits capacity hints:
// a later update or the recovery loop supersedes a missed one.
package bus
