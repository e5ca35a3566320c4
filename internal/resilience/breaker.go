package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/docmill/docmill/internal/observability"
)

// ErrCircuitOpen is returned for calls rejected without being attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the circuit breaker state machine position.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
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

// CircuitBreaker sheds load from a repeatedly failing engine. Closed
// counts consecutive failures; at the threshold it opens and rejects
// calls until the cooldown elapses, then admits exactly one probe. A
// successful probe closes the circuit, a failed one restarts the
// cooldown.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	logger    *observability.Logger

	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, cooldown time.Duration, logger *observability.Logger) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger.WithComponent("circuit-breaker"),
		state:     StateClosed,
	}
}

// Do runs fn if the breaker admits the call, recording the outcome.
// Rejected calls return ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err == nil)
	return err
}

// Call is Do for operations with a result.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var res T
	err := cb.Do(ctx, func(ctx context.Context) error {
		var ferr error
		res, ferr = fn(ctx)
		return ferr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return res, nil
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

// Failures returns the consecutive failure count while closed.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case StateClosed:
		return nil
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.probing {
			// One probe at a time.
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case StateClosed:
		if success {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.transition(StateOpen)
		}

	case StateHalfOpen:
		cb.probing = false
		if success {
			cb.failures = 0
			cb.transition(StateClosed)
		} else {
			cb.transition(StateOpen)
		}

	case StateOpen:
		// A call admitted earlier finished after the circuit tripped;
		// the cooldown clock stands.
	}
}

// stateLocked resolves Open into HalfOpen once the cooldown has elapsed.
// Callers hold cb.mu.
func (cb *CircuitBreaker) stateLocked() BreakerState {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cooldown {
		cb.state = StateHalfOpen
		cb.probing = false
		cb.logger.Info().
			Str("from", StateOpen.String()).
			Str("to", StateHalfOpen.String()).
			Msg("Circuit breaker cooldown elapsed")
	}
	return cb.state
}

// transition moves to a new state. Callers hold cb.mu.
func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	cb.state = to
	if to == StateOpen {
		cb.openedAt = time.Now()
	}
	cb.logger.Warn().
		Str("from", from.String()).
		Str("to", to.String()).
		Int("failures", cb.failures).
		Msg("Circuit breaker state change")
}
