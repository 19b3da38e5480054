package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// fakeClock lets tests advance breaker time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, window, timeout time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewCircuitBreaker("test", BreakerConfig{
		FailureThreshold: threshold,
		MonitoringPeriod: window,
		Timeout:          timeout,
	})
	b.SetClock(clock.now)
	return b, clock
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute, 30*time.Second)

	for i := 0; i < 3; i++ {
		if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: got %v, want errBoom", i, err)
		}
	}

	if got := b.State(); got != StateOpen {
		t.Fatalf("state after %d failures = %s, want open", 3, got)
	}

	// The next call must fail fast without invoking the operation.
	invoked := false
	err := b.Execute(func() error { invoked = true; return nil })
	var open *CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("open breaker returned %v, want CircuitOpenError", err)
	}
	if invoked {
		t.Error("open breaker invoked the wrapped operation")
	}
}

func TestBreaker_WindowExpiryResetsCount(t *testing.T) {
	b, clock := newTestBreaker(3, time.Minute, 30*time.Second)

	_ = b.Execute(func() error { return errBoom })
	_ = b.Execute(func() error { return errBoom })

	// Let the first two failures age out of the window.
	clock.advance(2 * time.Minute)

	_ = b.Execute(func() error { return errBoom })
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %s, want closed (old failures outside monitoring period)", got)
	}
}

func TestBreaker_HalfOpenTrialSuccess(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute, 30*time.Second)

	_ = b.Execute(func() error { return errBoom })
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %s, want open", got)
	}

	clock.advance(31 * time.Second)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after timeout = %s, want half_open", got)
	}

	if err := b.Execute(func() error { return nil }); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state after successful trial = %s, want closed", got)
	}

	// Closed again: ordinary calls pass through.
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Errorf("closed breaker rejected a call: %v", err)
	}
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute, 30*time.Second)

	_ = b.Execute(func() error { return errBoom })
	clock.advance(31 * time.Second)

	if err := b.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("trial call: got %v, want errBoom", err)
	}
	if got := b.State(); got != StateOpen {
		t.Errorf("state after failed trial = %s, want open", got)
	}
}

func TestBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute, 30*time.Second)

	_ = b.Execute(func() error { return errBoom })
	clock.advance(31 * time.Second)

	// First probe is admitted; hold it open by checking admit directly.
	if err := b.admit(); err != nil {
		t.Fatalf("first half-open probe rejected: %v", err)
	}
	// Second concurrent probe must be rejected.
	if err := b.admit(); err == nil {
		t.Fatal("second concurrent half-open probe was admitted")
	}
	b.record(true)
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
}
