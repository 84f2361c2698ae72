package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/agent-toolbox/toolbox/logging"
)

var (
	// ErrAlreadyShutdown is returned by every Shutdown after the first.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout means the context ended before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")
)

// Phases used by the toolbox. Any int is a valid phase.
const (
	PhaseLimiters     = 10
	PhaseCoordination = 20
	PhaseTelemetry    = 30
)

// Func releases one resource.
type Func func(ctx context.Context) error

// Closer adapts an io.Closer-style method.
func Closer(close func() error) Func {
	return func(context.Context) error { return close() }
}

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds ShutdownWithTimeout when it is given zero.
	// Default: 30 seconds.
	Timeout time.Duration

	Logger *logging.Logger
}

// HandlerResult describes one handler's run.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result describes a whole shutdown.
type Result struct {
	Duration time.Duration
	Handlers []HandlerResult
	Err      error
}

// Failed returns the names of handlers that returned an error.
func (r *Result) Failed() []string {
	var names []string
	for _, h := range r.Handlers {
		if h.Err != nil {
			names = append(names, h.Name)
		}
	}
	return names
}

type registration struct {
	name  string
	phase int
	fn    Func
}

// Coordinator runs registered handlers once, phase by phase.
type Coordinator struct {
	timeout time.Duration
	logger  *logging.Logger

	mu       sync.Mutex
	handlers []registration
	once     sync.Once
	done     chan struct{}
	result   *Result
}

// NewCoordinator creates a coordinator with no handlers.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Coordinator{
		timeout: cfg.Timeout,
		logger:  logging.OrNop(cfg.Logger).WithComponent("shutdown"),
		done:    make(chan struct{}),
	}
}

// Register adds fn under name in phase. Handlers registered after
// shutdown began are ignored.
func (c *Coordinator) Register(name string, phase int, fn Func) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, phase: phase, fn: fn})
}

// NotifyContext returns a context canceled on SIGINT or SIGTERM. Stop
// releases the signal registration.
func (c *Coordinator) NotifyContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			c.logger.Info("signal_received", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}

// Shutdown runs every handler. A handler error does not stop later
// handlers; all errors are joined into the result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	ran := false
	c.once.Do(func() {
		ran = true
		c.result = c.run(ctx)
		close(c.done)
	})
	if !ran {
		return ErrAlreadyShutdown
	}
	return c.result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or the configured
// timeout when zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// Done is closed once Shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Result returns the outcome, or nil before Shutdown has finished.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) *Result {
	start := time.Now()

	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{}
	var errs []error
	for len(handlers) > 0 {
		n := 1
		for n < len(handlers) && handlers[n].phase == handlers[0].phase {
			n++
		}
		group := handlers[:n]
		handlers = handlers[n:]

		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%w: phase %d not run", ErrTimeout, group[0].phase))
			break
		}
		for _, hr := range c.runPhase(ctx, group) {
			result.Handlers = append(result.Handlers, hr)
			if hr.Err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", hr.Name, hr.Err))
			}
		}
	}

	result.Duration = time.Since(start)
	result.Err = errors.Join(errs...)
	c.logger.Info("shutdown_complete", map[string]interface{}{
		"handlers": len(result.Handlers),
		"failed":   len(result.Failed()),
		"duration": result.Duration,
	})
	return result
}

func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, reg := range group {
		wg.Add(1)
		go func(i int, reg registration) {
			defer wg.Done()
			start := time.Now()
			err := reg.fn(ctx)
			results[i] = HandlerResult{
				Name:     reg.name,
				Phase:    reg.phase,
				Duration: time.Since(start),
				Err:      err,
			}

			fields := map[string]interface{}{
				"handler":  reg.name,
				"phase":    reg.phase,
				"duration": results[i].Duration,
			}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Warn("shutdown_handler_failed", fields)
				return
			}
			c.logger.Debug("shutdown_handler_done", fields)
		}(i, reg)
	}
	wg.Wait()
	return results
}
