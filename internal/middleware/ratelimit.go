package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	ipRate    = rate.Limit(200.0 / 60) // 200 per minute
	ipBurst   = 50
	userRate  = rate.Limit(100.0 / 60)
	userBurst = 25
	idleAfter = 10 * time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool keeps one token bucket per key and forgets idle keys.
type limiterPool struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	lastGC   time.Time
	now      func() time.Time
}

func newLimiterPool(limit rate.Limit, burst int) *limiterPool {
	return &limiterPool{
		visitors: make(map[string]*visitor),
		limit:    limit,
		burst:    burst,
		now:      time.Now,
	}
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if now.Sub(p.lastGC) > idleAfter {
		for k, v := range p.visitors {
			if now.Sub(v.lastSeen) > idleAfter {
				delete(p.visitors, k)
			}
		}
		p.lastGC = now
	}
	v, ok := p.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// RateLimiter throttles requests per client address and, once
// authenticated, per user. Over the limit it answers 429.
type RateLimiter struct {
	byIP   *limiterPool
	byUser *limiterPool
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		byIP:   newLimiterPool(ipRate, ipBurst),
		byUser: newLimiterPool(userRate, userBurst),
	}
}

// ByIP runs before authentication.
func (l *RateLimiter) ByIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.byIP.allow(clientIP(r)) {
			http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ByUser runs after Authenticate.
func (l *RateLimiter) ByUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userID := GetUserID(r.Context()); userID != "" && !l.byUser.allow(userID) {
			http.Error(w, `{"error":"too many requests"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
