package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyLimiter holds one token bucket per caller.
type keyLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	visitors map[string]*visitor
}

// visitor tracks the limiter and last seen time for a caller.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newKeyLimiter returns nil when perMinute is zero (limiting disabled).
func newKeyLimiter(perMinute, burst int) *keyLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &keyLimiter{
		limit:    rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		visitors: make(map[string]*visitor),
	}
}

// Allow reports whether caller may make a request now.
func (l *keyLimiter) Allow(caller string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	v, ok := l.visitors[caller]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[caller] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.Allow()
}

// cleanup drops callers not seen for idle.
func (l *keyLimiter) cleanup(idle time.Duration) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for caller, v := range l.visitors {
		if time.Since(v.lastSeen) > idle {
			delete(l.visitors, caller)
		}
	}
}
