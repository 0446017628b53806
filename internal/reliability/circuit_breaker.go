package reliability

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/hotelhub/hotelmq/internal/metrics"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// StateChangeListener receives circuit breaker state change notifications
type StateChangeListener interface {
	OnStateChange(name string, from, to State)
}

// CircuitBreaker fails calls fast once the protected dependency keeps failing.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

type circuitBreakerConfig struct {
	settings     gobreaker.Settings
	failureRatio float64
	minRequests  uint32
	isFailure    func(error) bool
	listeners    []StateChangeListener
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*circuitBreakerConfig)

// WithMaxRequests sets how many calls pass while half-open
func WithMaxRequests(n uint32) CircuitBreakerOption {
	return func(c *circuitBreakerConfig) {
		if n > 0 {
			c.settings.MaxRequests = n
		}
	}
}

// WithInterval sets the cyclic period after which closed-state counts reset
func WithInterval(interval time.Duration) CircuitBreakerOption {
	return func(c *circuitBreakerConfig) {
		if interval > 0 {
			c.settings.Interval = interval
		}
	}
}

// WithTimeout sets how long the breaker stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *circuitBreakerConfig) {
		if timeout > 0 {
			c.settings.Timeout = timeout
		}
	}
}

// WithFailureRatio trips the breaker once at least minRequests calls were made
// and ratio of them failed.
func WithFailureRatio(ratio float64, minRequests uint32) CircuitBreakerOption {
	return func(c *circuitBreakerConfig) {
		if ratio > 0 && minRequests > 0 {
			c.failureRatio = ratio
			c.minRequests = minRequests
		}
	}
}

// WithFailurePredicate decides which errors count against the breaker.
// Context cancellation never does.
func WithFailurePredicate(isFailure func(error) bool) CircuitBreakerOption {
	return func(c *circuitBreakerConfig) {
		c.isFailure = isFailure
	}
}

// WithStateChangeListener adds a state change listener
func WithStateChangeListener(listener StateChangeListener) CircuitBreakerOption {
	return func(c *circuitBreakerConfig) {
		c.listeners = append(c.listeners, listener)
	}
}

// NewCircuitBreaker creates a breaker named name. It defaults to tripping when
// half of at least 5 calls in a 60s window failed and probing again after 30s.
func NewCircuitBreaker(name string, options ...CircuitBreakerOption) *CircuitBreaker {
	cfg := &circuitBreakerConfig{
		settings: gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
		},
		failureRatio: 0.5,
		minRequests:  5,
	}
	for _, opt := range options {
		opt(cfg)
	}

	ratio, minRequests := cfg.failureRatio, cfg.minRequests
	cfg.settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.Requests < minRequests {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
	}

	isFailure := cfg.isFailure
	cfg.settings.IsSuccessful = func(err error) bool {
		if err == nil || errors.Is(err, context.Canceled) {
			return true
		}
		if isFailure != nil {
			return !isFailure(err)
		}
		return false
	}

	listeners := cfg.listeners
	cfg.settings.OnStateChange = func(name string, from, to gobreaker.State) {
		updateStateMetric(name, to)
		for _, l := range listeners {
			l.OnStateChange(name, fromGobreaker(from), fromGobreaker(to))
		}
	}

	cb := gobreaker.NewCircuitBreaker(cfg.settings)
	updateStateMetric(name, cb.State())

	return &CircuitBreaker{cb: cb}
}

// Execute runs fn unless the breaker is open. A rejected call returns a
// *CircuitBreakerError matching ErrCircuitOpen; otherwise fn's error is returned
// unchanged.
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &CircuitBreakerError{Name: c.cb.Name(), State: c.State(), Op: "execute", Err: err}
	}
	return err
}

// State returns the current state
func (c *CircuitBreaker) State() State {
	return fromGobreaker(c.cb.State())
}

// Name returns the breaker name
func (c *CircuitBreaker) Name() string {
	return c.cb.Name()
}

// Counts returns the counters of the current generation
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

func updateStateMetric(name string, state gobreaker.State) {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(fromGobreaker(state)))
}
