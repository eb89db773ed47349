package daemon

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRateLimitTTL = 10 * time.Minute
)

// ClientRateLimiter keeps one token bucket per client. Authenticated
// requests are keyed by actor id, anything else by remote address.
// It is safe for concurrent use by multiple goroutines.
type ClientRateLimiter struct {
	mu          sync.Mutex
	limit       rate.Limit
	burst       int
	ttl         time.Duration
	now         func() time.Time
	lastCleanup time.Time
	entries     map[string]*clientRateEntry
}

type clientRateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientRateLimiter creates a per-client limiter. If qps or burst are
// non-positive, it returns nil to indicate rate limiting is disabled.
func NewClientRateLimiter(qps float64, burst int) *ClientRateLimiter {
	if qps <= 0 || burst <= 0 {
		return nil
	}
	return &ClientRateLimiter{
		limit:   rate.Limit(qps),
		burst:   burst,
		ttl:     defaultRateLimitTTL,
		now:     time.Now,
		entries: make(map[string]*clientRateEntry),
	}
}

// Allow reports whether the client identified by key may proceed now.
func (l *ClientRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	if key == "" {
		return false
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanupLocked(now)

	entry := l.entries[key]
	if entry == nil {
		entry = &clientRateEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Wrap rejects requests over the client's budget with 429. It must run
// inside ControlAuth so actors are known.
func (l *ClientRateLimiter) Wrap(next http.Handler) http.Handler {
	if l == nil || next == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(rateLimitKey(r)) {
			writeRateLimitExceeded(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimitKey(r *http.Request) string {
	if actor, ok := ActorFromContext(r.Context()); ok {
		return "actor:" + actor.ID
	}
	return "addr:" + sourceAddress(r.RemoteAddr)
}

func (l *ClientRateLimiter) cleanupLocked(now time.Time) {
	if l.ttl <= 0 {
		return
	}
	if !l.lastCleanup.IsZero() && now.Sub(l.lastCleanup) < l.ttl {
		return
	}
	for key, entry := range l.entries {
		if entry == nil || now.Sub(entry.lastSeen) > l.ttl {
			delete(l.entries, key)
		}
	}
	l.lastCleanup = now
}

func writeRateLimitExceeded(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
}
