// Package breaker wraps gobreaker so every remote adapter (memory host,
// generation service) fails fast while its dependency is down.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/scrypster/tiermem/pkg/types"
)

// ErrOpen is returned when the breaker is open and rejects requests.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a Breaker.
type Config struct {
	// Name identifies the breaker in logs and metrics.
	Name string

	// MaxFailures is the number of consecutive failures required to trip.
	// Default: 3
	MaxFailures uint32

	// Timeout is how long the breaker stays open before going half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of successes in half-open state
	// needed to close again.
	// Default: 2
	HalfOpenMaxSuccesses uint32
}

// Counters holds request totals.
type Counters struct {
	TotalRequests        uint64
	TotalSuccesses       uint64
	TotalFailures        uint64
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker has three states. Closed passes requests through. After
// MaxFailures consecutive failures it opens and rejects everything. After
// Timeout it goes half-open and lets probe requests through.
//
// Caller errors (not found, unauthorized, invalid input, read-only) do not
// count as failures: the remote answered, it just said no.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker
	config   Config
	mu       sync.RWMutex
	counters Counters
}

// New creates a breaker with default settings.
func New(name string) *Breaker {
	return NewWithConfig(Config{Name: name})
}

// NewWithConfig creates a breaker, filling zero fields with defaults.
func NewWithConfig(config Config) *Breaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 3
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenMaxSuccesses == 0 {
		config.HalfOpenMaxSuccesses = 2
	}
	if config.Name == "" {
		config.Name = "remote"
	}

	b := &Breaker{config: config}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.HalfOpenMaxSuccesses,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isCallerError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("component", "breaker").Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	return b
}

func isCallerError(err error) bool {
	return errors.Is(err, types.ErrNotFound) ||
		errors.Is(err, types.ErrUnauthorized) ||
		errors.Is(err, types.ErrInvalidInput) ||
		errors.Is(err, types.ErrReadOnlyViolation)
}

// Execute runs fn through the breaker. A cancelled context short-circuits
// before fn is called.
func (b *Breaker) Execute(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		b.record(err)
		return nil, err
	}

	result, err := b.cb.Execute(func() (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return fn()
	})
	b.record(err)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return result, err
}

// Do is a typed convenience over Execute.
func Do[T any](ctx context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if b == nil {
		return fn()
	}
	out, err := b.Execute(ctx, func() (any, error) { return fn() })
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// State returns "closed", "open" or "half-open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Name returns the configured breaker name.
func (b *Breaker) Name() string { return b.config.Name }

// Counters returns a snapshot of request totals.
func (b *Breaker) Counters() Counters {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := b.cb.Counts()
	c := b.counters
	c.ConsecutiveSuccesses = counts.ConsecutiveSuccesses
	c.ConsecutiveFailures = counts.ConsecutiveFailures
	return c
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counters.TotalRequests++
	if err == nil || isCallerError(err) {
		b.counters.TotalSuccesses++
	} else {
		b.counters.TotalFailures++
	}
}
