package cbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/internal/clock"
)

var (
	ErrOpenState = errors.New("circuit breaker is in open state")
)

type state int

const (
	_ state = iota
	closed
	open
	halfOpen
)

func (s state) String() string {
	switch s {
	case closed:
		return "closed"
	case open:
		return "open"
	case halfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calls to a node after consecutive failures and
// probes it again once the reset timeout elapsed.
type CircuitBreaker struct {
	mu    sync.RWMutex
	state state
	clock clock.Clock

	consecutiveFailures  int
	consecutiveSuccesses int

	failureThreshold int
	successThreshold int

	resetTimeout time.Duration
	nextProbeAt  time.Time
}

type Option func(*CircuitBreaker)

func WithClock(c clock.Clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

func NewCircuitBreaker(cfg api.CircuitBreakerCfg, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            closed,
		clock:            clock.Real{},
		failureThreshold: max(1, cfg.FailureThreshold),
		successThreshold: max(1, cfg.SuccessThreshold),
		resetTimeout:     cfg.ResetTimeout,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

type rpcCall[Response any] func(context.Context) (Response, error)

// Do runs the given rpcCall protected by the circuit breaker.
// Errors for which countable returns false pass through without
// affecting the breaker.
func Do[Response any](ctx context.Context, cb *CircuitBreaker, req rpcCall[Response]) (resp Response, err error) {
	cb.mu.Lock()
	if cb.state == open {
		if cb.clock.Now().Before(cb.nextProbeAt) {
			cb.mu.Unlock()
			return resp, ErrOpenState
		}
		cb.state = halfOpen
		cb.consecutiveSuccesses = 0
	}
	cb.mu.Unlock()

	resp, err = req(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && countable(err) {
		cb.consecutiveSuccesses = 0
		if cb.state == halfOpen {
			cb.open()
		} else {
			cb.consecutiveFailures++
			if cb.consecutiveFailures >= cb.failureThreshold {
				cb.open()
			}
		}
		return
	}

	if cb.state == halfOpen {
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.successThreshold {
			cb.reset()
		}
	} else {
		cb.consecutiveFailures = 0
	}

	return
}

// countable reports whether err counts as a node failure. Cancellation by
// the caller does not.
func countable(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// IsClosed reports whether calls are let through.
func (cb *CircuitBreaker) IsClosed() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state == closed || cb.state == halfOpen
}

func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state.String()
}

func (cb *CircuitBreaker) open() {
	cb.state = open
	cb.nextProbeAt = cb.clock.Now().Add(cb.resetTimeout)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
}

func (cb *CircuitBreaker) reset() {
	cb.state = closed
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
}
