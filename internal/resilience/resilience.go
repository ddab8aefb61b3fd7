// Package resilience provides fault tolerance patterns backed by
// github.com/sony/gobreaker/v2 (circuit breaking) and
// github.com/cenkalti/backoff/v4 (retry with exponential backoff). The
// circuit breaker wraps the outbound HTTP calls of the API security
// pipeline; tool-adapter subprocess invocations do not go through it.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// State mirrors gobreaker's circuit states under our own names so callers
// never import gobreaker directly.
type State int

const (
	StateClosed State = State(gobreaker.StateClosed)
	StateOpen   State = State(gobreaker.StateOpen)
	StateHalfOpen State = State(gobreaker.StateHalfOpen)
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

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config configures a CircuitBreaker.
type Config struct {
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(from, to State)
}

// DefaultConfig returns sensible defaults: trip after 5 consecutive
// failures, stay open 30s, allow 3 probes in half-open.
func DefaultConfig() Config {
	return Config{MaxFailures: 5, Timeout: 30 * time.Second, HalfOpenMax: 3}
}

// CircuitBreaker wraps gobreaker.CircuitBreaker while exposing a narrow
// Execute(ctx, fn) surface to the rest of the codebase.
type CircuitBreaker struct {
	gb *gobreaker.CircuitBreaker[any]
}

// New creates a CircuitBreaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}

	maxFailures := uint32(cfg.MaxFailures)
	settings := gobreaker.Settings{
		MaxRequests: uint32(cfg.HalfOpenMax),
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(State(from), State(to))
		}
	}

	return &CircuitBreaker{gb: gobreaker.NewCircuitBreaker[any](settings)}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() State { return State(cb.gb.State()) }

// Execute runs fn through the breaker, translating gobreaker's sentinel
// errors to our own.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	result, err := cb.gb.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		switch {
		case errors.Is(err, gobreaker.ErrOpenState):
			return nil, ErrCircuitOpen
		case errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, ErrTooManyRequests
		}
	}
	return result, err
}

// RetryConfig configures exponential backoff retry.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns 3 attempts, starting at a 100ms delay and
// doubling up to 10s between attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, Multiplier: 2.0}
}

// Retry executes fn with exponential backoff, backed by
// cenkalti/backoff/v4, honoring ctx cancellation between attempts.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialDelay > 0 {
		b.InitialInterval = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		b.MaxElapsedTime = 0
		b.MaxInterval = cfg.MaxDelay
	}
	if cfg.Multiplier > 0 {
		b.Multiplier = cfg.Multiplier
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	withCtx := backoff.WithContext(b, ctx)
	attempt := 0
	var lastErr error
	op := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt >= maxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, withCtx); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}
