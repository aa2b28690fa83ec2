package ingest

import (
	"context"
	"time"
)

// BreakerState is one of the three circuit breaker states.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig holds the breaker's trip/reset thresholds.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// CircuitBreakerObserver receives state-transition and trip
// notifications for metrics wiring. All methods must be cheap and
// non-blocking; the breaker calls them synchronously from Execute.
type CircuitBreakerObserver interface {
	OnStateChange(state BreakerState)
	OnTrip()
}

// noopObserver discards every notification.
type noopObserver struct{}

func (noopObserver) OnStateChange(BreakerState) {}
func (noopObserver) OnTrip()                    {}

// CircuitBreaker prevents a failing sink from consuming the buffer at
// full rate and gives the sink time to recover. It has no internal
// concurrency: callers must serialize calls, or apply their own
// locking. The engine has exactly one writer goroutine and therefore
// never needs to lock it.
type CircuitBreaker struct {
	config   BreakerConfig
	observer CircuitBreakerObserver

	state           BreakerState
	failures        int
	lastFailureTime time.Time
	lastSuccessTime time.Time

	now func() time.Time
}

// NewCircuitBreaker builds a breaker in the CLOSED state.
func NewCircuitBreaker(cfg BreakerConfig, observer CircuitBreakerObserver) *CircuitBreaker {
	if observer == nil {
		observer = noopObserver{}
	}
	return &CircuitBreaker{
		config:          cfg,
		observer:        observer,
		state:           StateClosed,
		lastSuccessTime: time.Now(),
		now:             time.Now,
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() BreakerState { return cb.state }

// Failures returns the current consecutive-failure count.
func (cb *CircuitBreaker) Failures() int { return cb.failures }

func (cb *CircuitBreaker) shouldAttemptReset() bool {
	return cb.now().Sub(cb.lastFailureTime) >= cb.config.ResetTimeout
}

// Execute runs op under the breaker's protection.
//
//  1. If OPEN and the reset window hasn't elapsed, fails fast with
//     CircuitOpenError; op is never invoked.
//  2. If OPEN and the reset window has elapsed, transitions to
//     HALF_OPEN and invokes op.
//  3. On success: HALF_OPEN -> CLOSED, failures reset to 0.
//  4. On failure: failures++, OPEN if threshold reached (or any failure
//     while HALF_OPEN restarts the OPEN state and its reset timer);
//     returns a CircuitFailureError wrapping the cause.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if cb.state == StateOpen {
		if cb.shouldAttemptReset() {
			cb.state = StateHalfOpen
			cb.observer.OnStateChange(cb.state)
		} else {
			return &CircuitOpenError{
				WaitRemaining: cb.config.ResetTimeout - cb.now().Sub(cb.lastFailureTime),
			}
		}
	}

	err := op(ctx)
	if err == nil {
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
			cb.observer.OnStateChange(cb.state)
		}
		cb.failures = 0
		cb.lastSuccessTime = cb.now()
		return nil
	}

	cb.failures++
	cb.lastFailureTime = cb.now()

	if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
		tripped := cb.state == StateClosed
		cb.state = StateOpen
		cb.observer.OnStateChange(cb.state)
		if tripped {
			cb.observer.OnTrip()
		}
	}

	return &CircuitFailureError{State: cb.state.String(), Err: err}
}
