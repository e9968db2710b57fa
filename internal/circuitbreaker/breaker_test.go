package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errStore = errors.New("store down")

func newTestBreaker(now *time.Time) *CircuitBreaker {
	cb := New("test", Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 5 * time.Second})
	cb.nowFunc = func() time.Time { return *now }
	return cb
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := newTestBreaker(&now)

	for i := 0; i < 3; i++ {
		if err := cb.Do(func() error { return errStore }); !errors.Is(err, errStore) {
			t.Fatalf("call %d: expected store error, got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	called := false
	err := cb.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := newTestBreaker(&now)

	_ = cb.Do(func() error { return errStore })
	_ = cb.Do(func() error { return errStore })
	_ = cb.Do(func() error { return nil })
	_ = cb.Do(func() error { return errStore })
	_ = cb.Do(func() error { return errStore })

	if cb.State() != StateClosed {
		t.Fatalf("non-consecutive failures should not open, got %s", cb.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := newTestBreaker(&now)
	for i := 0; i < 3; i++ {
		_ = cb.Do(func() error { return errStore })
	}

	now = now.Add(6 * time.Second)
	if err := cb.Do(func() error { return nil }); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after one success, got %s", cb.State())
	}
	if err := cb.Do(func() error { return nil }); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := newTestBreaker(&now)
	for i := 0; i < 3; i++ {
		_ = cb.Do(func() error { return errStore })
	}
	now = now.Add(6 * time.Second)
	_ = cb.Do(func() error { return errStore })
	if cb.State() != StateOpen {
		t.Fatalf("expected open after failed probe, got %s", cb.State())
	}
}

func TestBreaker_StaleProbeDoesNotLeakIntoNextHalfOpen(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := newTestBreaker(&now)
	for i := 0; i < 3; i++ {
		_ = cb.Do(func() error { return errStore })
	}
	now = now.Add(6 * time.Second)

	// slow probe from the first half-open period
	started, unblock, done := make(chan struct{}), make(chan struct{}), make(chan struct{})
	go func() {
		defer close(done)
		_ = cb.Do(func() error {
			close(started)
			<-unblock
			return nil
		})
	}()
	<-started

	// a second probe fails and reopens; the next half-open period begins
	_ = cb.Do(func() error { return errStore })
	if cb.State() != StateOpen {
		t.Fatalf("expected open after failed probe, got %s", cb.State())
	}
	now = now.Add(6 * time.Second)

	holding, release := make(chan struct{}), make(chan struct{})
	held := make(chan struct{})
	go func() {
		defer close(held)
		_ = cb.Do(func() error {
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	close(unblock)
	<-done

	if cb.State() != StateHalfOpen {
		t.Fatalf("stale probe changed state to %s", cb.State())
	}
	if n := cb.successes.Load(); n != 0 {
		t.Errorf("stale probe success counted: successes = %d", n)
	}
	if n := cb.probes.Load(); n != 1 {
		t.Errorf("in-flight probes = %d, want 1", n)
	}

	close(release)
	<-held
	if err := cb.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after two probes of the current period, got %s", cb.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := newTestBreaker(&now)
	for i := 0; i < 3; i++ {
		_ = cb.Do(func() error { return errStore })
	}
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after reset, got %s", cb.State())
	}
}
