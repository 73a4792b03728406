package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/caelansar/chat/internal/httputil"
)

// ipLimiter holds a rate limiter and the last time it was accessed.
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiterStore manages per-IP rate limiters with automatic cleanup.
type rateLimiterStore struct {
	limiters sync.Map
	rps      float64
	burst    int
}

func newRateLimiterStore(rps float64, burst int) *rateLimiterStore {
	s := &rateLimiterStore{rps: rps, burst: burst}
	go s.cleanup()
	return s
}

// getLimiter returns the rate limiter for the given IP, creating one if needed.
func (s *rateLimiterStore) getLimiter(ip string) *rate.Limiter {
	now := time.Now()

	if v, ok := s.limiters.Load(ip); ok {
		entry := v.(*ipLimiter)
		entry.lastSeen = now
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(s.rps), s.burst)
	entry := &ipLimiter{limiter: limiter, lastSeen: now}
	actual, loaded := s.limiters.LoadOrStore(ip, entry)
	if loaded {
		existing := actual.(*ipLimiter)
		existing.lastSeen = now
		return existing.limiter
	}
	return limiter
}

// cleanup removes entries that haven't been seen in 3 minutes.
func (s *rateLimiterStore) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now()
		s.limiters.Range(func(key, value any) bool {
			entry := value.(*ipLimiter)
			if now.Sub(entry.lastSeen) > 3*time.Minute {
				s.limiters.Delete(key)
			}
			return true
		})
	}
}

// clientIP extracts the client IP address from the request, checking
// X-Forwarded-For first, then falling back to RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// RateLimitMiddleware returns a gorilla/mux middleware that enforces per-IP
// rate limiting using a token bucket. rps is the sustained rate and burst
// the maximum burst size. Connection setup for the streaming endpoints
// counts as one request; the streams themselves are not limited.
func RateLimitMiddleware(rps float64, burst int) mux.MiddlewareFunc {
	store := newRateLimiterStore(rps, burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !store.getLimiter(clientIP(r)).Allow() {
				httputil.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
