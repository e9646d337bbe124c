package server

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter tracks attempts per key within a sliding window, repurposed
// from the teacher's login-attempt limiter to gate operator terminal-open
// requests per client remote address (spec SPEC_FULL.md §E).
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter builds a RateLimiter allowing limit attempts per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow reports whether a new attempt for key is under the limit, and
// records it if so.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.attempts[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.attempts[key] = recent
		return false
	}
	r.attempts[key] = append(recent, now)
	return true
}

// requireOperator verifies the operator's bearer token via the Auth
// Authority client and stores the resulting identity in the request
// context (spec §1/§4.2 non-goal boundary: this package never issues or
// validates credentials itself).
func (s *Server) requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		identity, err := s.authority.VerifyOperatorToken(r.Context(), token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(withOperator(r.Context(), identity)))
	})
}

// requireRateLimit gates terminal-open attempts per remote address.
func (s *Server) requireRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter.Allow(r.RemoteAddr) {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return r.URL.Query().Get("token")
}
