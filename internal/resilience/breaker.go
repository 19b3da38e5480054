// Package resilience provides the circuit breaker and retry primitives
// that guard every outbound call the coordinator makes.
package resilience

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current state.
type BreakerState string

const (
	// StateClosed passes calls through and counts failures.
	StateClosed BreakerState = "closed"
	// StateOpen fails calls fast without invoking the operation.
	StateOpen BreakerState = "open"
	// StateHalfOpen allows a single trial call.
	StateHalfOpen BreakerState = "half_open"
)

// CircuitOpenError is returned when a call is rejected because the
// breaker is open. Callers can distinguish "currently degraded" from
// an ordinary failure by checking for this type.
type CircuitOpenError struct {
	// Name identifies the protected call site.
	Name string
	// RetryAt is when the breaker will next allow a trial call.
	RetryAt time.Time
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %s open until %s", e.Name, e.RetryAt.Format(time.RFC3339))
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within MonitoringPeriod
	// that opens the circuit.
	FailureThreshold int
	// MonitoringPeriod is the rolling window over which failures count.
	MonitoringPeriod time.Duration
	// Timeout is how long the circuit stays open before allowing a
	// half-open trial call.
	Timeout time.Duration
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		MonitoringPeriod: 60 * time.Second,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker guards one protected call site. It tracks failures in a
// rolling window and fails fast while the downstream dependency recovers.
type CircuitBreaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures []time.Time
	openedAt time.Time
	// trialInFlight serializes half-open probes: only one at a time.
	trialInFlight bool

	// now is injectable for deterministic tests.
	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker for the named call site.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// SetClock overrides the breaker's clock. Intended for tests.
func (b *CircuitBreaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now != nil {
		b.now = now
	}
}

// Name returns the protected call site's name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// State returns the breaker's current state, applying the open->half-open
// transition if the cooldown has elapsed.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshLocked()
	return b.state
}

// Execute runs op through the breaker. While open, it returns
// *CircuitOpenError without invoking op. In half-open state a single
// trial call is admitted; its result decides the next state.
func (b *CircuitBreaker) Execute(op func() error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op()
	b.record(err == nil)
	return err
}

// admit decides whether a call may proceed.
func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refreshLocked()

	switch b.state {
	case StateOpen:
		return &CircuitOpenError{Name: b.name, RetryAt: b.openedAt.Add(b.cfg.Timeout)}
	case StateHalfOpen:
		if b.trialInFlight {
			return &CircuitOpenError{Name: b.name, RetryAt: b.openedAt.Add(b.cfg.Timeout)}
		}
		b.trialInFlight = true
		return nil
	default:
		return nil
	}
}

// record applies the result of an admitted call.
func (b *CircuitBreaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
		if success {
			// Trial succeeded - close and reset the counter.
			b.state = StateClosed
			b.failures = nil
		} else {
			// Trial failed - reopen for another full timeout.
			b.state = StateOpen
			b.openedAt = now
		}
		return
	}

	if success {
		return
	}

	// Closed-state failure: count it within the rolling window.
	b.failures = append(b.failures, now)
	b.pruneLocked(now)
	if len(b.failures) >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = now
	}
}

// refreshLocked applies the open -> half-open transition once the
// cooldown has elapsed. Caller must hold b.mu.
func (b *CircuitBreaker) refreshLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Timeout {
		b.state = StateHalfOpen
		b.trialInFlight = false
	}
}

// pruneLocked drops failures older than the monitoring period.
// Caller must hold b.mu.
func (b *CircuitBreaker) pruneLocked(now time.Time) {
	if b.cfg.MonitoringPeriod <= 0 {
		return
	}
	cutoff := now.Add(-b.cfg.MonitoringPeriod)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}
