package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_CheckLimit(t *testing.T) {
	config := RateLimitConfig{
		RequestsPerMinute: 2,
		RequestsPerHour:   100,
		CleanupInterval:   time.Minute,
		BanDuration:       time.Minute,
		MaxConcurrent:     5,
	}
	rl := NewRateLimiter(config)
	defer rl.Shutdown()

	req := httptest.NewRequest(http.MethodGet, "/videos/composition/1", nil)
	req.RemoteAddr = "203.0.113.1:5555"

	if err := rl.CheckLimit(req); err != nil {
		t.Fatalf("first request should be allowed: %v", err)
	}
	rl.ReleaseRequest(req)

	if err := rl.CheckLimit(req); err != nil {
		t.Fatalf("second request should be allowed: %v", err)
	}
	rl.ReleaseRequest(req)

	if err := rl.CheckLimit(req); err == nil {
		t.Fatal("third request within the same minute should be rate limited")
	}
}

func TestRateLimiter_ConcurrentLimit(t *testing.T) {
	config := DefaultRateLimitConfig()
	config.MaxConcurrent = 1
	rl := NewRateLimiter(config)
	defer rl.Shutdown()

	req := httptest.NewRequest(http.MethodGet, "/videos/composition/1", nil)
	req.RemoteAddr = "203.0.113.2:5555"

	if err := rl.CheckLimit(req); err != nil {
		t.Fatalf("first concurrent request should be allowed: %v", err)
	}
	if err := rl.CheckLimit(req); err == nil {
		t.Fatal("second concurrent request should be rejected")
	}
	rl.ReleaseRequest(req)
}
