package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chis/portsmith/internal/apperr"
)

// RateLimitConfig holds configuration for one sliding-window limiter.
type RateLimitConfig struct {
	RequestsPerMinute int
	BurstSize         int
	CleanupInterval   time.Duration
}

// DefaultRateLimitConfig returns the default API limit.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120,
		BurstSize:         20,
		CleanupInterval:   5 * time.Minute,
	}
}

// RateLimiter is a sliding-window limiter keyed by caller identity.
// Authenticated requests are limited per user; unauthenticated ones
// per client IP. Path prefixes can carry their own limits, which is
// how mutation endpoints get a tighter budget than reads.
type RateLimiter struct {
	mu       sync.Mutex
	callers  map[string]*callerWindow
	limit    int
	window   time.Duration
	cleanup  time.Duration
	prefixes map[string]*RateLimiter
	stopChan chan struct{}
	stopOnce sync.Once
}

type callerWindow struct {
	timestamps []time.Time
	lastAccess time.Time
}

// NewRateLimiter creates a limiter and starts its cleanup goroutine.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 120
	}
	if cfg.BurstSize < 0 {
		cfg.BurstSize = 0
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	rl := &RateLimiter{
		callers:  make(map[string]*callerWindow),
		limit:    cfg.RequestsPerMinute + cfg.BurstSize,
		window:   time.Minute,
		cleanup:  cfg.CleanupInterval,
		prefixes: make(map[string]*RateLimiter),
		stopChan: make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// SetPathLimit installs a dedicated limiter for a path prefix.
func (rl *RateLimiter) SetPathLimit(pathPrefix string, cfg RateLimitConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.prefixes[pathPrefix] = NewRateLimiter(cfg)
}

// Allow reports whether a request from caller on path fits the window.
func (rl *RateLimiter) Allow(caller, path string) bool {
	return rl.limiterFor(path).allow(caller)
}

func (rl *RateLimiter) limiterFor(path string) *RateLimiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for prefix, sub := range rl.prefixes {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			return sub
		}
	}
	return rl
}

func (rl *RateLimiter) allow(caller string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	cw, ok := rl.callers[caller]
	if !ok {
		cw = &callerWindow{timestamps: make([]time.Time, 0, rl.limit)}
		rl.callers[caller] = cw
	}
	cw.lastAccess = now

	valid := cw.timestamps[:0]
	for _, ts := range cw.timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	cw.timestamps = valid

	if len(cw.timestamps) >= rl.limit {
		return false
	}
	cw.timestamps = append(cw.timestamps, now)
	return true
}

// Remaining returns the remaining budget for caller on path.
func (rl *RateLimiter) Remaining(caller, path string) int {
	sub := rl.limiterFor(path)
	sub.mu.Lock()
	defer sub.mu.Unlock()

	cw, ok := sub.callers[caller]
	if !ok {
		return sub.limit
	}
	cutoff := time.Now().Add(-sub.window)
	count := 0
	for _, ts := range cw.timestamps {
		if ts.After(cutoff) {
			count++
		}
	}
	if count >= sub.limit {
		return 0
	}
	return sub.limit - count
}

// Stop shuts down the cleanup goroutines.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopChan) })
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for _, sub := range rl.prefixes {
		sub.Stop()
	}
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopChan:
			return
		case <-ticker.C:
			rl.cleanupExpired()
		}
	}
}

func (rl *RateLimiter) cleanupExpired() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-rl.window * 2)
	for caller, cw := range rl.callers {
		if cw.lastAccess.Before(cutoff) {
			delete(rl.callers, caller)
		}
	}
}

// RateLimitMiddleware enforces the limiter per user (or IP when the
// request has not been authenticated yet).
func RateLimitMiddleware(rl *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := clientIP(r)
			if uid := UserID(r.Context()); uid != 0 {
				caller = "user:" + strconv.FormatInt(uid, 10)
			}

			if !rl.Allow(caller, r.URL.Path) {
				w.Header().Set("Retry-After", "60")
				w.Header().Set("X-RateLimit-Remaining", "0")
				RespondError(w, http.StatusTooManyRequests,
					apperr.RateLimited(60, "rate limit exceeded"))
				return
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining(caller, r.URL.Path)))

			next.ServeHTTP(w, r)
		})
	}
}
