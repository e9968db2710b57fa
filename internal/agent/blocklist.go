package agent

import (
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Blocklist rejects user agents carrying a known scanner signature.
// Matching is a case-sensitive substring test.
type Blocklist struct {
	signatures []string

	// log lines for blocked requests pass through a token bucket; the
	// rest are counted and reported with the next line that gets through
	logLimiter *rate.Limiter
	suppressed atomic.Int64
}

// NewBlocklist copies signatures, dropping empty entries (an empty
// signature would match every agent). logsPerSecond <= 0 disables logging.
func NewBlocklist(signatures []string, logsPerSecond float64) *Blocklist {
	b := &Blocklist{}
	for _, s := range signatures {
		if s != "" {
			b.signatures = append(b.signatures, s)
		}
	}
	if logsPerSecond > 0 {
		burst := int(logsPerSecond)
		if burst < 1 {
			burst = 1
		}
		b.logLimiter = rate.NewLimiter(rate.Limit(logsPerSecond), burst)
	}
	return b
}

// Match returns the first signature contained in userAgent.
func (b *Blocklist) Match(userAgent string) (string, bool) {
	if userAgent == "" {
		return "", false
	}
	for _, sig := range b.signatures {
		if strings.Contains(userAgent, sig) {
			return sig, true
		}
	}
	return "", false
}

// LogBlocked writes a warn line for a blocked request unless the log budget
// is spent. It reports whether a line was written.
func (b *Blocklist) LogBlocked(logger *zerolog.Logger, client, userAgent, signature string) bool {
	if b.logLimiter == nil || !b.logLimiter.Allow() {
		b.suppressed.Add(1)
		return false
	}
	ev := logger.Warn().
		Str("client", client).
		Str("user_agent", userAgent).
		Str("signature", signature)
	if n := b.suppressed.Swap(0); n > 0 {
		ev = ev.Int64("suppressed", n)
	}
	ev.Msg("blocked user agent")
	return true
}

func (b *Blocklist) Signatures() []string {
	out := make([]string, len(b.signatures))
	copy(out, b.signatures)
	return out
}
