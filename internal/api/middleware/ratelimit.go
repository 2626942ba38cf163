package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig sets the token bucket handed to each client address.
// Idle buckets are evicted after MaxAge by a sweep every CleanupInterval.
type RateLimitConfig struct {
	Rate            rate.Limit
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

func bucketConfig(r rate.Limit, burst int) RateLimitConfig {
	return RateLimitConfig{
		Rate:            r,
		Burst:           burst,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// ControlRateLimitConfig covers the /api/v1 span, channel, call and CDR
// routes: 20/s, burst 40.
func ControlRateLimitConfig() RateLimitConfig {
	return bucketConfig(20, 40)
}

// TokenRateLimitConfig covers POST /api/v1/auth/token: 1/s, burst 5.
func TokenRateLimitConfig() RateLimitConfig {
	return bucketConfig(1, 5)
}

type ipLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter keeps one bucket per client address. The API server holds
// one for the control routes and one for token issuance.
type IPRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipLimitEntry
	cfg     RateLimitConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	once    sync.Once
}

// NewIPRateLimiter starts the eviction sweep; call Stop on shutdown.
func NewIPRateLimiter(cfg RateLimitConfig, logger *slog.Logger) *IPRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &IPRateLimiter{
		entries: make(map[string]*ipLimitEntry),
		cfg:     cfg,
		logger:  logger.With("subsystem", "ratelimit"),
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Allow takes one token from ip's bucket.
func (rl *IPRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[ip]
	if !ok {
		entry = &ipLimitEntry{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.entries[ip] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

// Stop ends the eviction sweep. Repeated calls are no-ops.
func (rl *IPRateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

func (rl *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *IPRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.cfg.MaxAge)
	removed := 0
	for ip, entry := range rl.entries {
		if !entry.lastSeen.After(cutoff) {
			delete(rl.entries, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
}

// RateLimit rejects requests over the client's budget with 429, the API
// error envelope and Retry-After: 1. tdmctl surfaces these as apiError.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)
			if !limiter.Allow(ip) {
				limiter.logger.Warn("rate limit exceeded",
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractIP keys buckets by host only, so reconnects from new source ports
// share a bucket.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
