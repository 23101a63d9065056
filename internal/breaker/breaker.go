// Package breaker provides the circuit breaker guarding calls to the
// verification provider.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is the sentinel wrapped by OpenError.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

// OpenError is returned when a call is rejected. Callers must treat it as
// retryable-later, not as a provider failure.
type OpenError struct {
	NextAttempt time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%v: next attempt at %s", ErrCircuitOpen, e.NextAttempt.Format(time.RFC3339))
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// Config configures a Breaker.
type Config struct {
	// FailureThreshold opens the circuit once the failure count reaches it.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before allowing
	// a single half-open trial call.
	RecoveryTimeout time.Duration
	// OnStateChange is an optional transition callback.
	OnStateChange func(from, to State)
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Breaker is a three-state circuit breaker. A success while closed
// decrements (not zeroes) the failure count, so isolated blips decay
// instead of being forgotten all at once.
type Breaker struct {
	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	trialInFlight   bool

	threshold     int
	recovery      time.Duration
	onStateChange func(from, to State)
	now           func() time.Time
}

// New creates a Breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		state:         StateClosed,
		threshold:     cfg.FailureThreshold,
		recovery:      cfg.RecoveryTimeout,
		onStateChange: cfg.OnStateChange,
		now:           now,
	}
}

// Execute runs fn under breaker protection. When the circuit rejects the
// call it returns an *OpenError carrying the next allowed attempt time.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}
	err := fn(ctx)
	b.afterCall(err)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.lastFailureTime)
		if elapsed < b.recovery {
			return &OpenError{NextAttempt: b.lastFailureTime.Add(b.recovery)}
		}
		// Recovery window elapsed: half-open lazily and admit one trial.
		b.transitionTo(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		// Exactly one trial call at a time.
		if b.trialInFlight {
			return &OpenError{NextAttempt: b.lastFailureTime.Add(b.recovery)}
		}
		b.trialInFlight = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}

	if err != nil {
		b.failureCount++
		b.lastFailureTime = b.now()
		switch b.state {
		case StateClosed:
			if b.failureCount >= b.threshold {
				b.transitionTo(StateOpen)
			}
		case StateHalfOpen:
			// Trial failed: reopen and restart the recovery timer.
			b.transitionTo(StateOpen)
		}
		return
	}

	switch b.state {
	case StateClosed:
		// Hysteresis: decay the count instead of resetting it.
		if b.failureCount > 0 {
			b.failureCount--
		}
	case StateHalfOpen:
		b.failureCount = 0
		b.transitionTo(StateClosed)
	}
}

func (b *Breaker) transitionTo(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if next != StateHalfOpen {
		b.trialInFlight = false
	}
	if b.onStateChange != nil {
		b.onStateChange(prev, next)
	}
}

// State returns the current state without triggering lazy transitions.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time snapshot for the health recorder.
type Stats struct {
	State           State
	FailureCount    int
	LastFailureTime time.Time
}

// GetStats returns a snapshot of the breaker internals.
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:           b.state,
		FailureCount:    b.failureCount,
		LastFailureTime: b.lastFailureTime,
	}
}
