package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter keeps one token bucket per client IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	r        rate.Limit
	b        int
	now      func() time.Time
}

type ipEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewIPRateLimiter allows perMin requests a minute per IP with the given
// burst. A non-positive perMin disables limiting.
func NewIPRateLimiter(perMin, burst int) *IPRateLimiter {
	l := &IPRateLimiter{limiters: make(map[string]*ipEntry), b: burst, now: time.Now}
	if perMin <= 0 {
		l.r = rate.Inf
	} else {
		l.r = rate.Every(time.Minute / time.Duration(perMin))
	}
	if l.b <= 0 {
		l.b = 1
	}
	return l
}

func (l *IPRateLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.limiters[ip]
	if !ok {
		e = &ipEntry{lim: rate.NewLimiter(l.r, l.b)}
		l.limiters[ip] = e
	}
	e.seen = l.now()
	return e.lim
}

// Prune drops buckets idle for longer than maxIdle and returns how many
// were removed.
func (l *IPRateLimiter) Prune(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, e := range l.limiters {
		if e.seen.Before(cutoff) {
			delete(l.limiters, ip)
			n++
		}
	}
	return n
}

func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.get(clientIP(r)).Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP relies on chi's RealIP middleware having rewritten RemoteAddr
// when the server sits behind a proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
