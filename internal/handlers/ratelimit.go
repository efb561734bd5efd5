package handlers

import (
	"net/http"

	"github.com/vidfriends/livesched/internal/middleware"
)

// RateLimiter guards mutating endpoints; keys are "<scope>:<client ip>".
type RateLimiter = middleware.RateLimiter

// limited rejects requests over the caller's rate with 429.
func limited(limiter RateLimiter, scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowRequest(limiter, r, scope) {
			w.Header().Set("Retry-After", "1")
			respondJSON(r.Context(), w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

func allowRequest(limiter RateLimiter, r *http.Request, scope string) bool {
	if limiter == nil {
		return true
	}
	return limiter.Allow(rateLimitKey(r, scope))
}

func rateLimitKey(r *http.Request, scope string) string {
	ip := middleware.ClientIP(r)
	if scope == "" {
		return ip
	}
	return scope + ":" + ip
}
