package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"edgeguard/edge-service/internal/metrics"

	"github.com/rs/zerolog/log"
)

// State represents the circuit breaker state
type State int32

const (
	// StateClosed - calls reach the store
	StateClosed State = iota
	// StateOpen - calls fail fast without touching the store
	StateOpen
	// StateHalfOpen - a bounded number of probes test recovery
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

// ErrOpen is returned (wrapped) when a call is refused without reaching the store.
var ErrOpen = errors.New("circuit breaker open")

// Config holds circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in half-open before closing
	SuccessThreshold int
	// Timeout is how long to stay open before letting probes through
	Timeout time.Duration
}

// DefaultConfig suits a store on the request hot path: trip quickly, retry soon.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
	}
}

// CircuitBreaker guards a single external dependency.
type CircuitBreaker struct {
	name   string
	config Config

	state        atomic.Int32
	failures     atomic.Int64 // consecutive failures while closed
	successes    atomic.Int64 // consecutive successes while half-open
	probes       atomic.Int64 // in-flight probes while half-open
	lastFailTime atomic.Int64 // unix nano
	gen          atomic.Int64 // bumped on every transition

	mu      sync.Mutex // serializes state transitions
	nowFunc func() time.Time
}

// New creates a closed circuit breaker.
func New(name string, config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	cb := &CircuitBreaker{
		name:    name,
		config:  config,
		nowFunc: time.Now,
	}
	cb.state.Store(int32(StateClosed))
	cb.lastFailTime.Store(cb.nowFunc().UnixNano())
	metrics.StoreCircuitState.WithLabelValues(name).Set(float64(StateClosed))
	return cb
}

// allow reports whether a call may proceed. When probe is true the caller
// must call release with the returned generation once the call has finished.
func (cb *CircuitBreaker) allow() (probe bool, gen int64, err error) {
	switch State(cb.state.Load()) {
	case StateClosed:
		return false, 0, nil

	case StateOpen:
		elapsed := cb.nowFunc().Sub(time.Unix(0, cb.lastFailTime.Load()))
		if elapsed >= cb.config.Timeout {
			cb.mu.Lock()
			if State(cb.state.Load()) == StateOpen {
				cb.transitionTo(StateHalfOpen)
			}
			cb.mu.Unlock()
			return cb.allow()
		}
		retry := (cb.config.Timeout - elapsed).Round(time.Millisecond)
		return false, 0, fmt.Errorf("%w: %s (retry in %v)", ErrOpen, cb.name, retry)

	case StateHalfOpen:
		cb.mu.Lock()
		if State(cb.state.Load()) != StateHalfOpen {
			cb.mu.Unlock()
			return cb.allow()
		}
		gen = cb.gen.Load()
		if int(cb.probes.Add(1)) > cb.config.SuccessThreshold {
			cb.probes.Add(-1)
			cb.mu.Unlock()
			return false, 0, fmt.Errorf("%w: %s half-open, probe limit reached", ErrOpen, cb.name)
		}
		cb.mu.Unlock()
		metrics.StoreCircuitHalfOpenProbes.WithLabelValues(cb.name).Inc()
		return true, gen, nil

	default:
		return false, 0, fmt.Errorf("circuit breaker %s in unknown state", cb.name)
	}
}

// release ends a half-open probe. Probes from an earlier half-open period
// hold no slot in the current one.
func (cb *CircuitBreaker) release(gen int64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if State(cb.state.Load()) == StateHalfOpen && cb.gen.Load() == gen {
		cb.probes.Add(-1)
	}
}

// stale reports whether a probe outlived the half-open period it started in.
func (cb *CircuitBreaker) stale(gen int64) bool {
	return cb.gen.Load() != gen
}

// Do runs fn under the breaker and records its outcome. The outcome of a
// stale probe is dropped.
func (cb *CircuitBreaker) Do(fn func() error) error {
	probe, gen, err := cb.allow()
	if err != nil {
		return err
	}
	if probe {
		defer cb.release(gen)
	}
	if err := fn(); err != nil {
		if !probe || !cb.stale(gen) {
			cb.RecordFailure()
		}
		return err
	}
	if !probe || !cb.stale(gen) {
		cb.RecordSuccess()
	}
	return nil
}

// RecordSuccess records a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	switch State(cb.state.Load()) {
	case StateClosed:
		cb.failures.Store(0)

	case StateHalfOpen:
		successes := cb.successes.Add(1)
		if int(successes) >= cb.config.SuccessThreshold {
			cb.mu.Lock()
			if State(cb.state.Load()) == StateHalfOpen {
				cb.transitionTo(StateClosed)
				log.Info().
					Str("store", cb.name).
					Int64("successes", successes).
					Msg("circuit breaker recovered")
			}
			cb.mu.Unlock()
		}
	}
}

// RecordFailure records a failed call
func (cb *CircuitBreaker) RecordFailure() {
	cb.lastFailTime.Store(cb.nowFunc().UnixNano())

	switch State(cb.state.Load()) {
	case StateClosed:
		failures := cb.failures.Add(1)
		if int(failures) >= cb.config.FailureThreshold {
			cb.mu.Lock()
			if State(cb.state.Load()) == StateClosed {
				cb.transitionTo(StateOpen)
				log.Error().
					Str("store", cb.name).
					Int64("failures", failures).
					Msg("circuit breaker opened")
			}
			cb.mu.Unlock()
		}

	case StateHalfOpen:
		// any probe failure reopens
		cb.mu.Lock()
		if State(cb.state.Load()) == StateHalfOpen {
			cb.transitionTo(StateOpen)
			log.Warn().
				Str("store", cb.name).
				Msg("circuit breaker reopened after half-open failure")
		}
		cb.mu.Unlock()
	}
}

// transitionTo changes state; caller holds mu.
func (cb *CircuitBreaker) transitionTo(newState State) {
	oldState := State(cb.state.Load())
	cb.state.Store(int32(newState))
	cb.gen.Add(1)
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.probes.Store(0)

	metrics.StoreCircuitState.WithLabelValues(cb.name).Set(float64(newState))
	metrics.StoreCircuitTransitions.WithLabelValues(cb.name, oldState.String(), newState.String()).Inc()

	log.Info().
		Str("store", cb.name).
		Str("old_state", oldState.String()).
		Str("new_state", newState.String()).
		Msg("circuit breaker state transition")
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() State {
	return State(cb.state.Load())
}

// Reset forces the breaker closed (admin/testing).
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if State(cb.state.Load()) != StateClosed {
		cb.transitionTo(StateClosed)
	}
	cb.lastFailTime.Store(cb.nowFunc().UnixNano())
}
