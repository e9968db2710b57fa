package rate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"edgeguard/edge-service/internal/circuitbreaker"
	"edgeguard/edge-service/internal/config"
	"edgeguard/edge-service/internal/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrStoreUnavailable is returned in fail-closed mode when the store cannot
// answer. The pipeline turns it into a generic 500.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

type FailMode int

const (
	FailOpen FailMode = iota
	FailClosed
)

func (m FailMode) String() string {
	if m == FailClosed {
		return "closed"
	}
	return "open"
}

func ParseFailMode(s string) (FailMode, error) {
	switch s {
	case "open":
		return FailOpen, nil
	case "closed":
		return FailClosed, nil
	default:
		return FailOpen, fmt.Errorf("unknown fail mode %q", s)
	}
}

// Guarded wraps a remote store with a circuit breaker and a fail mode.
type Guarded struct {
	store   Limiter
	breaker *circuitbreaker.CircuitBreaker
	mode    FailMode
	limit   int
	closer  io.Closer
	logger  zerolog.Logger
}

func NewGuarded(store Limiter, breaker *circuitbreaker.CircuitBreaker, mode FailMode, limit int) *Guarded {
	return &Guarded{
		store:   store,
		breaker: breaker,
		mode:    mode,
		limit:   limit,
		// an outage fails every request; keep the log readable
		logger: log.Logger.Sample(&zerolog.BurstSampler{Burst: 5, Period: time.Second}),
	}
}

// Allow asks the store under the breaker. The store call is detached from
// the client's cancellation: a client hanging up is not a store failure and
// must not trip the breaker. The store bounds the call with its own timeout.
func (g *Guarded) Allow(ctx context.Context, key string) (Result, error) {
	storeCtx := context.WithoutCancel(ctx)
	var res Result
	err := g.breaker.Do(func() error {
		var err error
		res, err = g.store.Allow(storeCtx, key)
		return err
	})
	if err == nil {
		return res, nil
	}

	kind := "error"
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		kind = "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		kind = "timeout"
	}
	metrics.RateStoreErrors.WithLabelValues(kind).Inc()
	metrics.RateStoreFallback.WithLabelValues(g.mode.String()).Inc()
	g.logger.Warn().Err(err).Str("kind", kind).Str("fail_mode", g.mode.String()).Msg("rate limit store unavailable")

	if g.mode == FailOpen {
		return Result{Allowed: true, Limit: g.limit, Degraded: true}, nil
	}
	return Result{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Healthy is false while the breaker refuses calls.
func (g *Guarded) Healthy() bool {
	return g.breaker.State() != circuitbreaker.StateOpen
}

func (g *Guarded) BreakerState() circuitbreaker.State {
	return g.breaker.State()
}

func (g *Guarded) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer.Close()
}

// NewFromConfig builds the limiter selected by rate_store.backend.
// The memory backend returns a *FixedWindow; callers should run its sweep.
func NewFromConfig(cfg *config.Config) (Limiter, error) {
	switch cfg.RateStore.Backend {
	case "", "memory":
		return NewFixedWindowWithCapacity(cfg.RateLimit.MaxRequests, cfg.Window(), cfg.RateLimit.Capacity), nil

	case "redis":
		mode, err := ParseFailMode(cfg.RateStore.FailMode)
		if err != nil {
			return nil, err
		}
		opts, err := redis.ParseURL(cfg.RateStore.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("rate_store.redis_url: %w", err)
		}
		timeout := cfg.StoreTimeout()
		opts.DialTimeout = 5 * timeout
		opts.ReadTimeout = timeout
		opts.WriteTimeout = timeout
		client := redis.NewClient(opts)

		ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			if mode == FailClosed {
				_ = client.Close()
				return nil, fmt.Errorf("redis ping failed and fail_mode=closed: %w", err)
			}
			log.Warn().Err(err).Msg("redis ping failed; starting with fail_mode=open")
		}

		b := cfg.RateStore.Breaker
		breaker := circuitbreaker.New("redis", circuitbreaker.Config{
			FailureThreshold: b.FailureThreshold,
			SuccessThreshold: b.SuccessThreshold,
			Timeout:          time.Duration(b.OpenSec) * time.Second,
		})
		store := NewRedisStore(client, cfg.RateStore.KeyPrefix, cfg.RateLimit.MaxRequests, cfg.Window(), timeout)
		g := NewGuarded(store, breaker, mode, cfg.RateLimit.MaxRequests)
		g.closer = client
		return g, nil

	default:
		return nil, fmt.Errorf("unknown rate_store.backend %q", cfg.RateStore.Backend)
	}
}
