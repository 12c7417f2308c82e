package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/platinummonkey/tollgate/pkg/auth"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// RateLimitConfig defines rate limiting configuration
type RateLimitConfig struct {
	// RequestsPerWindow is the max requests allowed in the time window
	RequestsPerWindow int
	// WindowDuration is the time window for rate limiting
	WindowDuration time.Duration
	// BurstSize allows temporary bursts above the rate
	BurstSize int
}

// DefaultRateLimitConfig returns per-tenant defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 1000,
		WindowDuration:    time.Minute,
		BurstSize:         50,
	}
}

// Limiter decides whether one more request fits under key's limit
type Limiter interface {
	Allow(ctx context.Context, key string) (RateLimitStatus, error)
}

// RateLimitStatus is the state of a key after an Allow call
type RateLimitStatus struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is how long until the key's budget is fully restored
	Reset time.Duration
}

// RateLimiter is an in-process token bucket per key
type RateLimiter struct {
	config  *RateLimitConfig
	buckets map[string]*tokenBucket
	mu      sync.RWMutex
	now     func() time.Time
}

type tokenBucket struct {
	tokens     int
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimitConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}

	return &RateLimiter{
		config:  config,
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

func (rl *RateLimiter) capacity() int {
	return rl.config.RequestsPerWindow + rl.config.BurstSize
}

// Allow takes one token from key's bucket
func (rl *RateLimiter) Allow(_ context.Context, key string) (RateLimitStatus, error) {
	now := rl.now()

	rl.mu.Lock()
	b, exists := rl.buckets[key]
	if !exists {
		b = &tokenBucket{tokens: rl.capacity(), lastUpdate: now}
		rl.buckets[key] = b
	}
	rl.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	// Refill only whole tokens so fractional time is not lost
	perToken := rl.config.WindowDuration / time.Duration(max(rl.config.RequestsPerWindow, 1))
	if perToken > 0 {
		if add := int(now.Sub(b.lastUpdate) / perToken); add > 0 {
			b.tokens = min(b.tokens+add, rl.capacity())
			b.lastUpdate = b.lastUpdate.Add(time.Duration(add) * perToken)
		}
	}

	status := RateLimitStatus{Limit: rl.config.RequestsPerWindow}
	if b.tokens > 0 {
		b.tokens--
		status.Allowed = true
	}
	status.Remaining = b.tokens
	status.Reset = time.Duration(rl.capacity()-b.tokens) * perToken
	return status, nil
}

// Remaining returns the number of remaining tokens for a key
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.RLock()
	b, exists := rl.buckets[key]
	rl.mu.RUnlock()

	if !exists {
		return rl.capacity()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.tokens
}

// Cleanup removes buckets idle for more than two windows
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, b := range rl.buckets {
		b.mu.Lock()
		if now.Sub(b.lastUpdate) > rl.config.WindowDuration*2 {
			delete(rl.buckets, key)
		}
		b.mu.Unlock()
	}
}

// StartCleanup runs Cleanup once per window until ctx is done
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.WindowDuration)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RateLimitMiddleware limits requests per tenant, falling back to the
// client IP for requests without a tenant
type RateLimitMiddleware struct {
	limiter Limiter
	// failOpen lets requests through when the limiter errors
	failOpen bool
	onError  func(error)
}

// NewRateLimitMiddleware wraps limiter. Limiter errors let the request
// through unless SetFailOpen(false) is called.
func NewRateLimitMiddleware(limiter Limiter) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter:  limiter,
		failOpen: true,
	}
}

// SetFailOpen controls whether limiter errors allow (true) or reject
// (false) the request
func (m *RateLimitMiddleware) SetFailOpen(enabled bool) {
	m.failOpen = enabled
}

// OnError registers a callback for limiter errors
func (m *RateLimitMiddleware) OnError(fn func(error)) {
	m.onError = fn
}

// Handler wraps an HTTP handler with rate limiting. It must run after
// Principal.
func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rateLimitKey(r)

		status, err := m.limiter.Allow(r.Context(), key)
		if err != nil {
			observability.FromContext(r.Context()).WithError(err).Warn("rate limiter unavailable")
			if m.onError != nil {
				m.onError(err)
			}
			if m.failOpen {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteErrorMessage(w, http.StatusServiceUnavailable, "rate limiter unavailable")
			return
		}

		setRateLimitHeaders(w, status)
		if !status.Allowed {
			retryAfter := int(status.Reset.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			_ = httputil.WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, s RateLimitStatus) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", s.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", s.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(s.Reset).Unix()))
}

func rateLimitKey(r *http.Request) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok && p.TenantID != "" {
		return "tenant:" + p.TenantID
	}
	return "ip:" + getClientIP(r)
}

func getClientIP(r *http.Request) string {
	// First hop of X-Forwarded-For is the original client
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}

	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
