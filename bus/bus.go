package bus

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message is a payload received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte
}

// MessageBus broadcasts messages to every subscriber of a subject.
// Delivery is at-most-once: a subscriber whose buffer is full misses the
// message.
type MessageBus interface {
	// Publish sends data to all current subscribers of subject.
	Publish(subject string, data []byte) error

	// Subscribe starts receiving messages published to subject.
	Subscribe(subject string) (Subscription, error)

	// Close shuts down the bus and ends every subscription.
	Close() error
}

// Subscription is an active subscription.
type Subscription interface {
	// Messages returns the channel of incoming messages.
	// It is closed when the subscription ends.
	Messages() <-chan *Message

	// Unsubscribe ends the subscription. It is safe to call more than once.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultConfig().BufferSize
	}
	return c
}

// ValidateSubject checks that subject is a dot-separated list of non-empty
// tokens without whitespace or wildcards.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	for _, token := range strings.Split(subject, ".") {
		if token == "" || token == "*" || token == ">" {
			return ErrInvalidSubject
		}
		if strings.ContainsAny(token, " \t\r\n") {
			return ErrInvalidSubject
		}
	}
	return nil
}
