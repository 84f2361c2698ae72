package breaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	toolerrors "github.com/agent-toolbox/toolbox/errors"
	"github.com/agent-toolbox/toolbox/logging"
	"github.com/agent-toolbox/toolbox/telemetry"
)

// State is the position of a breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

// Counts are the request statistics of the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Listener observes state transitions. Listeners run on their own
// goroutine.
type Listener func(name string, from, to State)

// Breaker guards calls to one dependency.
type Breaker struct {
	name    string
	config  Config
	manager *Manager

	mu       sync.RWMutex
	cb       *gobreaker.CircuitBreaker
	openedAt time.Time
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

func (b *Breaker) current() *gobreaker.CircuitBreaker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb
}

// rebuild replaces the underlying breaker with a fresh closed one.
func (b *Breaker) rebuild() {
	cfg := b.config
	settings := gobreaker.Settings{
		Name:        b.name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return cfg.readyToTrip(c.Requests, c.TotalFailures, c.ConsecutiveFailures)
		},
		IsSuccessful: func(err error) bool {
			return !cfg.IsFailure(err)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openedAt = time.Now()
				b.mu.Unlock()
			}
			b.manager.stateChanged(b.name, fromGobreaker(from), fromGobreaker(to))
		},
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	b.mu.Lock()
	b.cb = cb
	b.openedAt = time.Time{}
	b.mu.Unlock()
}

// Execute runs fn unless the breaker is open. A rejected call returns
// CIRCUIT_OPEN without invoking fn, with a retry hint for when the
// breaker will next admit a trial call.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	cb := b.current()
	before := cb.State()

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	if after := cb.State(); after != before {
		b.manager.tracer().RecordBreakerState(ctx, b.name, string(fromGobreaker(before)), string(fromGobreaker(after)))
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return toolerrors.CircuitOpen(b.name,
			toolerrors.WithCause(err),
			toolerrors.WithRetryAfter(b.remainingOpen()),
		)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return toolerrors.CircuitOpen(b.name,
			toolerrors.WithCause(err),
			toolerrors.WithMetadata("state", string(StateHalfOpen)),
		)
	}
	return err
}

func (b *Breaker) remainingOpen() time.Duration {
	b.mu.RLock()
	opened := b.openedAt
	b.mu.RUnlock()
	if opened.IsZero() {
		return 0
	}
	if left := b.config.Timeout - time.Since(opened); left > 0 {
		return left
	}
	return 0
}

// State returns the breaker position.
func (b *Breaker) State() State {
	return fromGobreaker(b.current().State())
}

// Counts returns the current statistics.
func (b *Breaker) Counts() Counts {
	c := b.current().Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

// Manager owns named breakers and fans out their transitions.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*Breaker
	listeners []Listener

	logger *logging.Logger
	trace  *telemetry.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for state transitions.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTracer sets the tracer that receives transition events.
func WithTracer(t *telemetry.Tracer) Option {
	return func(m *Manager) { m.trace = t }
}

// NewManager creates an empty manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{breakers: make(map[string]*Breaker)}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger).WithComponent("breaker")
	return m
}

func (m *Manager) tracer() *telemetry.Tracer {
	if m.trace != nil {
		return m.trace
	}
	return telemetry.GetTracer()
}

// GetOrCreate returns the breaker called name, creating it with cfg on
// first use. Later calls ignore cfg.
func (m *Manager) GetOrCreate(name string, cfg Config) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[name]; ok {
		return b
	}

	b = &Breaker{name: name, config: cfg.withDefaults(), manager: m}
	b.rebuild()
	m.breakers[name] = b
	m.logger.Debug("breaker_created", map[string]interface{}{
		"breaker":              name,
		"consecutive_failures": b.config.ConsecutiveFailures,
		"timeout":              b.config.Timeout,
	})
	return b
}

// Get returns the breaker called name.
func (m *Manager) Get(name string) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[name]
	return b, ok
}

// Execute runs fn through the named breaker. The breaker must exist.
func (m *Manager) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	b, ok := m.Get(name)
	if !ok {
		return toolerrors.NotFound("no breaker named "+name, toolerrors.WithResource(name))
	}
	return b.Execute(ctx, fn)
}

// State returns the named breaker's position, or StateUnknown.
func (m *Manager) State(name string) State {
	b, ok := m.Get(name)
	if !ok {
		return StateUnknown
	}
	return b.State()
}

// Counts returns the named breaker's statistics.
func (m *Manager) Counts(name string) Counts {
	b, ok := m.Get(name)
	if !ok {
		return Counts{}
	}
	return b.Counts()
}

// IsHealthy reports whether the named breaker is closed.
func (m *Manager) IsHealthy(name string) bool {
	return m.State(name) == StateClosed
}

// Reset closes the named breaker and clears its counts. Breakers
// already handed out stay valid.
func (m *Manager) Reset(name string) bool {
	b, ok := m.Get(name)
	if !ok {
		return false
	}
	from := b.State()
	b.rebuild()
	m.logger.Info("breaker_reset", map[string]interface{}{
		"breaker": name,
		"from":    string(from),
	})
	return true
}

// Names returns the breaker names in order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.breakers))
	for name := range m.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnStateChange registers l for every breaker's transitions.
func (m *Manager) OnStateChange(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// stateChanged runs inside gobreaker's lock; listeners are dispatched on
// their own goroutines so they may call back into the breaker.
func (m *Manager) stateChanged(name string, from, to State) {
	m.logger.BreakerStateChange(name, string(from), string(to))

	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, l := range listeners {
		go func(l Listener) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("breaker_listener_panic", map[string]interface{}{
						"breaker": name,
						"panic":   r,
					})
				}
			}()
			l(name, from, to)
		}(l)
	}
}
