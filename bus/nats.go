package bus

import (
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	toolerrors "github.com/agent-toolbox/toolbox/errors"
	"github.com/agent-toolbox/toolbox/logging"
)

// NATSBus implements MessageBus using NATS core pub/sub.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name shown in server monitoring.
	Name string

	// Token for token-based auth.
	Token string

	// User and Password for basic auth.
	User     string
	Password string

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	// ConnectTimeout for initial connection.
	ConnectTimeout time.Duration

	// Logger receives connection state changes.
	Logger *logging.Logger
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		Name:           "toolbox",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
	}
}

// NewNATSBus connects to NATS.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	cfg.Config = cfg.Config.withDefaults()
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, toolerrors.WrapWithCode(err, toolerrors.ErrCodeUnavailable, "nats connect",
			toolerrors.WithResource(cfg.URL))
	}

	return &NATSBus{
		conn:   conn,
		config: cfg,
	}, nil
}

// NewNATSBusFromConn creates a NATSBus from an existing connection.
func NewNATSBusFromConn(conn *nats.Conn, cfg NATSConfig) *NATSBus {
	cfg.Config = cfg.Config.withDefaults()
	return &NATSBus{
		conn:   conn,
		config: cfg,
	}
}

func buildNATSOptions(cfg NATSConfig) []nats.Option {
	logger := logging.OrNop(cfg.Logger).WithComponent("bus")

	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			fields := map[string]interface{}{"url": cfg.URL}
			if err != nil {
				fields["error"] = err.Error()
			}
			logger.Warn("bus_disconnected", fields)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("bus_reconnected", map[string]interface{}{"url": c.ConnectedUrl()})
		}),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	return opts
}

// Publish sends a message to a subject.
func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}

	if err := b.conn.Publish(subject, data); err != nil {
		return toolerrors.WrapWithCode(err, toolerrors.ErrCodeNetworkErr, "nats publish",
			toolerrors.WithMetadata("subject", subject))
	}
	return nil
}

// Subscribe creates a subscription to a subject.
func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	s := &natsSubscription{ch: make(chan *Message, b.config.BufferSize)}

	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		s.deliver(&Message{Subject: m.Subject, Data: m.Data})
	})
	if err != nil {
		return nil, toolerrors.WrapWithCode(err, toolerrors.ErrCodeNetworkErr, "nats subscribe",
			toolerrors.WithMetadata("subject", subject))
	}
	s.sub = sub
	return s, nil
}

// Close closes the NATS connection, ending every subscription.
func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}

// Conn returns the underlying NATS connection.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

type natsSubscription struct {
	sub *nats.Subscription

	mu     sync.Mutex
	ch     chan *Message
	closed bool
}

func (s *natsSubscription) deliver(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
	}
}

// Messages returns the message channel.
func (s *natsSubscription) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *natsSubscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)

	if err := s.sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
		return toolerrors.WrapWithCode(err, toolerrors.ErrCodeNetworkErr, "nats unsubscribe")
	}
	return nil
}

var _ MessageBus = (*NATSBus)(nil)
