package bus

import (
	"sync"
)

// MemoryBus implements MessageBus with in-process channels. Limiters that
// share one MemoryBus coordinate as if they were separate processes.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool
}

type memorySub struct {
	subject string
	ch      chan *Message
	bus     *MemoryBus
	once    sync.Once
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	return &MemoryBus{
		config: cfg.withDefaults(),
		subs:   make(map[string][]*memorySub),
	}
}

// Publish delivers data to every subscriber of subject. Subscribers with a
// full buffer miss the message.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}

	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-delivery.
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for _, sub := range b.subs[subject] {
		msg := &Message{Subject: subject, Data: data}
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe creates a subscription to subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		subject: subject,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
	b.subs[subject] = append(b.subs[subject], sub)
	return sub, nil
}

// Close ends every subscription. Closing twice is a no-op.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.subs = nil
	return nil
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe removes the subscription and closes its channel.
func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	s.once.Do(func() { close(s.ch) })
	return nil
}

var _ MessageBus = (*MemoryBus)(nil)
