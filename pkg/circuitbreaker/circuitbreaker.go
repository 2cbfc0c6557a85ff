// Package circuitbreaker provides a wrapper around sony/gobreaker for outbound calls
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// State represents the circuit breaker state
type State gobreaker.State

// String returns the string representation of the state
func (s State) String() string {
	return gobreaker.State(s).String()
}

// State constants
const (
	StateClosed   State = State(gobreaker.StateClosed)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
	StateOpen     State = State(gobreaker.StateOpen)
)

// Config holds circuit breaker configuration
type Config struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	// IsFailure decides which errors count toward tripping; nil counts every error
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the settings used for provider and ledger calls
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

// New creates a new CircuitBreaker with the given config
func New(cfg Config) *CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if cfg.IsFailure != nil {
		settings.IsSuccessful = func(err error) bool {
			return err == nil || !cfg.IsFailure(err)
		}
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from gobreaker.State, to gobreaker.State) {
			cfg.OnStateChange(name, State(from), State(to))
		}
	}
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs fn through the circuit breaker unless ctx is already done
func (c *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			return nil, fn()
		}
	})
	return err
}

// State returns the current state of the circuit breaker
func (c *CircuitBreaker) State() State {
	return State(c.cb.State())
}

// Name returns the breaker name
func (c *CircuitBreaker) Name() string {
	return c.cb.Name()
}

// IsRejected reports whether err means the breaker refused the call
func IsRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
