package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig configures the per-worker circuit breakers.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // failures that trip the breaker (default 5)
	OpenTimeout         time.Duration // how long it stays open before probing (default 30s)
	HalfOpenRequests    uint32        // trial requests allowed while half-open (default 3)
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    3,
	}
}

// BreakerRegistry manages per-worker circuit breakers. A worker whose
// breaker is open is treated as unavailable.
type BreakerRegistry struct {
	cfg      BreakerConfig
	logger   *slog.Logger
	onChange func(workerID string, from, to gobreaker.State)

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a breaker registry. onChange, when non-nil, is
// called on every state transition.
func NewBreakerRegistry(cfg BreakerConfig, logger *slog.Logger, onChange func(workerID string, from, to gobreaker.State)) *BreakerRegistry {
	d := DefaultBreakerConfig()
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = d.ConsecutiveFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = d.OpenTimeout
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = d.HalfOpenRequests
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		cfg:      cfg,
		logger:   logger,
		onChange: onChange,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given worker, creating it on first use.
func (r *BreakerRegistry) Get(workerID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[workerID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        workerID,
		MaxRequests: r.cfg.HalfOpenRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("worker circuit breaker changed state", "worker", name, "from", from.String(), "to", to.String())
			if r.onChange != nil {
				r.onChange(name, from, to)
			}
		},
		IsSuccessful: func(err error) bool {
			// Cancellation is not a worker failure.
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[workerID] = cb
	return cb
}

// Open reports whether the worker's breaker currently rejects calls.
func (r *BreakerRegistry) Open(workerID string) bool {
	r.mu.Lock()
	cb, ok := r.breakers[workerID]
	r.mu.Unlock()
	return ok && cb.State() == gobreaker.StateOpen
}

// isBreakerRejection reports whether err came from a breaker refusing a call.
func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
