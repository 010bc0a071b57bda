package api

import (
	"net/http"
	"sync"
	"time"
)

// launchLimiter caps how many experiment launches a single address may
// trigger per window. A launch spins up a full worker pool, so a
// dashboard stuck in a reload loop could otherwise queue them faster
// than they finish.
type launchLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	seen   map[string]*launchWindow
}

type launchWindow struct {
	start time.Time
	count int
}

func newLaunchLimiter(limit int, window time.Duration) *launchLimiter {
	return &launchLimiter{
		limit:  limit,
		window: window,
		seen:   make(map[string]*launchWindow),
	}
}

// Allow reports whether a launch from the given address fits in the
// current window. Expired windows are pruned on the way through.
func (l *launchLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for addr, w := range l.seen {
		if now.Sub(w.start) > l.window {
			delete(l.seen, addr)
		}
	}

	w, ok := l.seen[ip]
	if !ok {
		l.seen[ip] = &launchWindow{start: now, count: 1}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	return true
}

// Middleware rejects requests over the launch limit with 429
func (l *launchLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Get client IP (check X-Forwarded-For for proxied requests)
		ip := r.Header.Get("X-Forwarded-For")
		if ip == "" {
			ip = r.Header.Get("X-Real-IP")
		}
		if ip == "" {
			ip = r.RemoteAddr
		}

		if !l.Allow(ip) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
