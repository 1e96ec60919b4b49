package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"actionflow/internal/config"
)

const limiterIdle = 30 * time.Minute

type clientLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

// rateLimiter keeps one token bucket per caller: the authenticated user when
// known, the remote address otherwise.
type rateLimiter struct {
	rps   rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLimiter
	swept   time.Time
}

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	if cfg.RPS <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		rps:     rate.Limit(cfg.RPS),
		burst:   burst,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.swept) > limiterIdle {
		for k, c := range l.clients {
			if now.Sub(c.last) > limiterIdle {
				delete(l.clients, k)
			}
		}
		l.swept = now
	}
	c, ok := l.clients[key]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[key] = c
	}
	c.last = now
	return c.limiter.AllowN(now, 1)
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "too many requests", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if p, ok := principalFromContext(r.Context()); ok && p.UserID != "" {
		return "user:" + p.UserID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
