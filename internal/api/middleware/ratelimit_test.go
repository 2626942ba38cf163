package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testLimiter(t *testing.T, r rate.Limit, burst int, maxAge time.Duration) *IPRateLimiter {
	t.Helper()
	rl := NewIPRateLimiter(RateLimitConfig{
		Rate:            r,
		Burst:           burst,
		CleanupInterval: time.Hour,
		MaxAge:          maxAge,
	}, slog.New(slog.DiscardHandler))
	t.Cleanup(rl.Stop)
	return rl
}

func TestIPRateLimiter_Allow(t *testing.T) {
	rl := testLimiter(t, rate.Limit(2), 2, time.Hour)

	if !rl.Allow("192.168.1.1") {
		t.Fatal("expected first request to be allowed")
	}
	if !rl.Allow("192.168.1.1") {
		t.Fatal("expected second request to be allowed")
	}
	if rl.Allow("192.168.1.1") {
		t.Fatal("expected third request to be rate limited")
	}
	if !rl.Allow("192.168.1.2") {
		t.Fatal("expected request from different IP to be allowed")
	}
}

func TestIPRateLimiter_Cleanup(t *testing.T) {
	rl := testLimiter(t, rate.Limit(10), 10, 0)

	rl.Allow("10.0.0.1")

	rl.mu.Lock()
	count := len(rl.entries)
	rl.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 entry, got %d", count)
	}

	rl.cleanup()

	rl.mu.Lock()
	count = len(rl.entries)
	rl.mu.Unlock()
	if count != 0 {
		t.Fatalf("expected 0 entries after cleanup, got %d", count)
	}
}

func TestIPRateLimiter_StopTwice(t *testing.T) {
	rl := testLimiter(t, rate.Limit(1), 1, time.Hour)
	rl.Stop()
	rl.Stop()
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := testLimiter(t, rate.Limit(1), 1, time.Hour)

	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", nil)
	req.RemoteAddr = "10.0.0.5:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := extractIP(r); got != tt.want {
			t.Errorf("extractIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}

func TestRouteBudgets(t *testing.T) {
	control, token := ControlRateLimitConfig(), TokenRateLimitConfig()
	if control.Rate != 20 || control.Burst != 40 {
		t.Errorf("control budget = %v/%d, want 20/40", control.Rate, control.Burst)
	}
	if token.Rate >= control.Rate || token.Burst >= control.Burst {
		t.Errorf("token budget %v/%d not stricter than control", token.Rate, token.Burst)
	}
	if token.MaxAge <= token.CleanupInterval {
		t.Errorf("buckets evicted before a sweep: max age %v, interval %v", token.MaxAge, token.CleanupInterval)
	}
}
