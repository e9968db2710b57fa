package rate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"edgeguard/edge-service/internal/metrics"

	"github.com/rs/zerolog/log"
)

/*
Package rate provides the per-client request budget used by the pipeline:
  1) Limiter    : the check(clientID) -> admit|deny capability
  2) FixedWindow: in-process fixed-window counters, per-key locking
  3) RedisStore : the same contract backed by an atomic Redis script
  4) Guarded    : circuit breaker + explicit fail mode around a remote store
*/

// Result is the outcome of one Allow call.
type Result struct {
	Allowed  bool
	Count    int       // requests seen in the current window, including this one
	Limit    int
	ResetAt  time.Time // end of the current window
	Degraded bool      // decided by the fail mode, not by a store
}

// RetryAfter is the time left in the window, rounded up to whole seconds.
func (r Result) RetryAfter(now time.Time) time.Duration {
	d := r.ResetAt.Sub(now)
	if d <= 0 {
		return time.Second
	}
	return (d + time.Second - 1).Truncate(time.Second)
}

// Limiter admits or denies a request for a client identifier.
// Implementations must make increment-and-compare atomic per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

// =========================
// Fixed window (in-memory)
// =========================

const shardCount = 64

type FixedWindow struct {
	limit    int
	window   time.Duration
	shardCap int
	shards   [shardCount]windowShard
	tracked  atomic.Int64
	nowFunc  func() time.Time // for tests; defaults to time.Now
}

type windowShard struct {
	mu      sync.RWMutex
	windows map[string]*clientWindow
}

type clientWindow struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	evicted     bool // unlinked from its shard; callers holding it must look up again
}

// NewFixedWindow creates a limiter admitting at most limit requests per
// window for each key, tracking up to 100k keys.
func NewFixedWindow(limit int, window time.Duration) *FixedWindow {
	return NewFixedWindowWithCapacity(limit, window, 100_000)
}

// NewFixedWindowWithCapacity creates a bounded fixed-window limiter.
func NewFixedWindowWithCapacity(limit int, window time.Duration, capacity int) *FixedWindow {
	if window <= 0 {
		window = time.Minute
	}
	if capacity <= 0 {
		capacity = 100_000
	}
	shardCap := capacity / shardCount
	if shardCap < 1 {
		shardCap = 1
	}
	f := &FixedWindow{
		limit:    limit,
		window:   window,
		shardCap: shardCap,
		nowFunc:  time.Now,
	}
	for i := range f.shards {
		f.shards[i].windows = make(map[string]*clientWindow)
	}
	return f
}

// Allow counts one request for key. Two concurrent calls for the same key
// serialize on that key's window; calls for other keys do not wait on it.
func (f *FixedWindow) Allow(_ context.Context, key string) (Result, error) {
	now := f.nowFunc()
	for {
		cw := f.lookup(key, now)
		cw.mu.Lock()
		if cw.evicted {
			cw.mu.Unlock()
			continue
		}
		if cw.windowStart.IsZero() || !now.Before(cw.windowStart.Add(f.window)) {
			cw.count = 0
			cw.windowStart = now
		}
		if cw.count <= f.limit {
			cw.count++
		}
		res := Result{
			Allowed: cw.count <= f.limit,
			Count:   cw.count,
			Limit:   f.limit,
			ResetAt: cw.windowStart.Add(f.window),
		}
		cw.mu.Unlock()
		return res, nil
	}
}

func (f *FixedWindow) lookup(key string, now time.Time) *clientWindow {
	s := &f.shards[shardFor(key)]

	// Fast path: existing window
	s.mu.RLock()
	cw, ok := s.windows[key]
	s.mu.RUnlock()
	if ok {
		return cw
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cw, ok = s.windows[key]; ok {
		return cw
	}
	if len(s.windows) >= f.shardCap {
		f.evictLocked(s, now)
	}
	cw = &clientWindow{}
	s.windows[key] = cw
	metrics.RateLimitTracked.Set(float64(f.tracked.Add(1)))
	return cw
}

// evictLocked makes room in a full shard. Expired windows go first; if none
// have expired the window that started earliest is dropped. Caller holds s.mu.
func (f *FixedWindow) evictLocked(s *windowShard, now time.Time) {
	removed := f.sweepShardLocked(s, now)
	if removed > 0 {
		return
	}
	// SECURITY: a full shard of live windows means key explosion (spoofed
	// forwarded-for values). Dropping the oldest keeps memory bounded.
	var oldestKey string
	var oldest *clientWindow
	var oldestStart time.Time
	for k, cw := range s.windows {
		cw.mu.Lock()
		start := cw.windowStart
		cw.mu.Unlock()
		if oldest == nil || start.Before(oldestStart) {
			oldestKey, oldest, oldestStart = k, cw, start
		}
	}
	if oldest == nil {
		return
	}
	oldest.mu.Lock()
	oldest.evicted = true
	oldest.mu.Unlock()
	delete(s.windows, oldestKey)
	f.tracked.Add(-1)
	log.Warn().
		Int("shard_capacity", f.shardCap).
		Msg("SECURITY WARNING: rate limiter shard full, evicted live client window")
}

// sweepShardLocked drops windows that have run their full duration. Such a
// window would be reset on its next access anyway, so dropping it never
// changes a decision. Caller holds s.mu.
func (f *FixedWindow) sweepShardLocked(s *windowShard, now time.Time) int {
	removed := 0
	for k, cw := range s.windows {
		cw.mu.Lock()
		if !now.Before(cw.windowStart.Add(f.window)) {
			cw.evicted = true
			delete(s.windows, k)
			removed++
		}
		cw.mu.Unlock()
	}
	if removed > 0 {
		f.tracked.Add(int64(-removed))
	}
	return removed
}

// Sweep removes every window idle for at least one window duration.
func (f *FixedWindow) Sweep() int {
	now := f.nowFunc()
	removed := 0
	for i := range f.shards {
		s := &f.shards[i]
		s.mu.Lock()
		removed += f.sweepShardLocked(s, now)
		s.mu.Unlock()
	}
	metrics.RateLimitTracked.Set(float64(f.tracked.Load()))
	return removed
}

// Run sweeps once per window until ctx is done.
func (f *FixedWindow) Run(ctx context.Context) {
	t := time.NewTicker(f.window)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n := f.Sweep(); n > 0 {
				log.Debug().Int("evicted", n).Int64("tracked", f.tracked.Load()).Msg("rate limiter sweep")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Len reports the number of tracked client windows.
func (f *FixedWindow) Len() int {
	return int(f.tracked.Load())
}

// Reset forgets every client window.
func (f *FixedWindow) Reset() {
	for i := range f.shards {
		s := &f.shards[i]
		s.mu.Lock()
		for k, cw := range s.windows {
			cw.mu.Lock()
			cw.evicted = true
			cw.mu.Unlock()
			delete(s.windows, k)
		}
		s.mu.Unlock()
	}
	f.tracked.Store(0)
	metrics.RateLimitTracked.Set(0)
}

// shardFor is FNV-1a over the key, inlined to stay allocation free.
func shardFor(key string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= prime32
	}
	return h % shardCount
}
