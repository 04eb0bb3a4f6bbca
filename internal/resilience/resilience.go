// Package resilience wraps calls to the backend with a circuit breaker and
// bounded retries.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = gobreaker.ErrOpenState
	// ErrTooManyRequests indicates the half-open breaker rejected the call.
	ErrTooManyRequests = gobreaker.ErrTooManyRequests
	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")
	// ErrExhaustedRetries indicates retry attempts were exhausted.
	ErrExhaustedRetries = errors.New("retry attempts exhausted")
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateHalfOpen
	StateOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF-OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// DelayedError asks WithRetry to wait at least Wait before the next attempt.
type DelayedError struct {
	Wait time.Duration
	Err  error
}

func (e *DelayedError) Error() string { return e.Err.Error() }

func (e *DelayedError) Unwrap() error { return e.Err }

// CircuitBreaker guards a remote dependency.
type CircuitBreaker struct {
	name     string
	timeout  time.Duration
	openFor  time.Duration
	openedAt atomic.Int64
	now      func() time.Time
	cb       *gobreaker.CircuitBreaker
}

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenLimit int
	ResetInterval time.Duration
	// IsFailure decides which errors count against the breaker. Nil counts
	// every error.
	IsFailure     func(error) bool
	OnStateChange func(name string, from, to CircuitState)
}

func mapState(state gobreaker.State) CircuitState {
	switch state {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// NewCircuitBreaker creates a circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenLimit <= 0 {
		cfg.HalfOpenLimit = 1
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = 60 * time.Second
	}

	breaker := &CircuitBreaker{
		name:    cfg.Name,
		timeout: cfg.Timeout,
		openFor: cfg.ResetInterval,
		now:     time.Now,
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.HalfOpenLimit),
		Interval:    cfg.ResetInterval,
		Timeout:     cfg.ResetInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				breaker.openedAt.Store(breaker.now().UnixNano())
			}
			slog.Info("Circuit breaker state changed", "name", name, "from", mapState(from), "to", mapState(to))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, mapState(from), mapState(to))
			}
		},
	}
	if cfg.IsFailure != nil {
		isFailure := cfg.IsFailure
		settings.IsSuccessful = func(err error) bool { return err == nil || !isFailure(err) }
	}

	breaker.cb = gobreaker.NewCircuitBreaker(settings)
	return breaker
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	return mapState(cb.cb.State())
}

// remainingOpen returns how long the breaker stays open.
func (cb *CircuitBreaker) remainingOpen() time.Duration {
	until := time.Unix(0, cb.openedAt.Load()).Add(cb.openFor)
	return max(until.Sub(cb.now()), 0)
}

// Execute runs operation through the breaker, adding a timeout when ctx has
// no deadline. While the breaker is open, errors are returned as a
// *DelayedError carrying the rest of the open period.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func(context.Context) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.timeout)
		defer cancel()
	}

	_, err := cb.cb.Execute(func() (interface{}, error) {
		if err := operation(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			return nil, err
		}
		return nil, nil
	})
	if err != nil && cb.State() == StateOpen {
		return &DelayedError{Wait: cb.remainingOpen(), Err: err}
	}
	return err
}

// RetryConfig configures WithRetry. Multiplier 1 and RandomFactor 0 give a
// fixed delay between attempts.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	RandomFactor    float64
	// Retryable decides whether an error is worth another attempt. Nil
	// retries everything.
	Retryable func(error) bool
	// Sleep replaces the wait between attempts.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns an exponential backoff configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		RandomFactor:    0.1,
	}
}

// FixedRetryConfig returns a configuration with a constant delay.
func FixedRetryConfig(attempts int, delay time.Duration) RetryConfig {
	return RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: delay,
		MaxInterval:     delay,
		Multiplier:      1,
	}
}

// WithRetry runs operation until it succeeds, fails permanently, or the
// attempts are exhausted. It returns the number of attempts made.
func WithRetry(ctx context.Context, operation func(context.Context) error, cfg RetryConfig) (int, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 1
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	interval := cfg.InitialInterval
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := operation(ctx)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return attempt, fmt.Errorf("retry abandoned: %w", ctx.Err())
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return attempt, err
		}

		if attempt < cfg.MaxAttempts {
			wait := interval
			if cfg.RandomFactor > 0 {
				wait = time.Duration(float64(wait) * (1.0 + cfg.RandomFactor*(2*rnd.Float64()-1)))
			}
			var delayed *DelayedError
			if errors.As(err, &delayed) && delayed.Wait > wait {
				wait = delayed.Wait
			}

			slog.Debug("Operation failed, retrying",
				"attempt", attempt,
				"max_attempts", cfg.MaxAttempts,
				"next_interval", wait,
				"error", err,
			)

			if err := sleep(ctx, wait); err != nil {
				return attempt, fmt.Errorf("retry abandoned: %w", err)
			}

			interval = time.Duration(float64(interval) * cfg.Multiplier)
			if cfg.MaxInterval > 0 && interval > cfg.MaxInterval {
				interval = cfg.MaxInterval
			}
		}
	}

	return cfg.MaxAttempts, fmt.Errorf("%w after %d attempts: %w", ErrExhaustedRetries, cfg.MaxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
