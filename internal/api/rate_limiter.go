package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultClientRPS   = 5
	defaultClientBurst = 10
	idleClientTTL      = 10 * time.Minute
)

// RateLimiter throttles inbound requests per client. It is independent of the provider
// limiter, which guards outbound calls.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*clientLimiter
	limit    rate.Limit
	burst    int
	now      func() time.Time

	trustCallerHeader bool
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second per client.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = defaultClientRPS
	}
	if burst <= 0 {
		burst = defaultClientBurst
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		limit:    rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
}

// getLimiter returns the limiter for a client, creating it on first use and dropping
// clients idle for longer than idleClientTTL.
func (rl *RateLimiter) getLimiter(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if cl, ok := rl.limiters[client]; ok {
		cl.lastSeen = now
		return cl.limiter
	}

	for key, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > idleClientTTL {
			delete(rl.limiters, key)
		}
	}
	cl := &clientLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst), lastSeen: now}
	rl.limiters[client] = cl
	return cl.limiter
}

// RateLimitMiddleware creates a middleware that enforces rate limiting
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			limiter := rl.getLimiter(rl.clientKey(r))

			if !limiter.Allow() {
				w.Header().Set("Retry-After", strconv.Itoa(int(1/float64(limiter.Limit())+1)))
				respondError(w, http.StatusTooManyRequests, ErrCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", map[string]interface{}{
					"limit": float64(limiter.Limit()),
					"burst": limiter.Burst(),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// clientKey identifies the caller by remote host, or by X-Caller-ID when that header is trusted.
func (rl *RateLimiter) clientKey(r *http.Request) string {
	if id := r.Header.Get(HeaderCallerID); rl.trustCallerHeader && id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
