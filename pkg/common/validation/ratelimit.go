// Package validation provides input validation and rate limiting for
// the composer HTTP surface (pkg/httpapi): composition task ids,
// video_id lists, output filenames, and IP-based request throttling.
package validation

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// sanitizeIP masks the trailing octet/group of an IP address before it is
// echoed back in an error message, so rate-limit responses never leak a
// caller's full address verbatim.
func sanitizeIP(ip string) string {
	if idx := strings.LastIndex(ip, "."); idx > 0 {
		return ip[:idx] + ".xxx"
	}
	if idx := strings.LastIndex(ip, ":"); idx > 0 {
		return ip[:idx] + ":xxxx"
	}
	return ip
}

// RateLimiter is a per-IP sliding-window limiter with temporary bans and
// a concurrent-request cap, protecting /videos/composition/create and
// the other task manager endpoints from abusive clients.
type RateLimiter struct {
	clients map[string]*ClientLimiter
	mu      sync.RWMutex
	cleanup *time.Ticker
	done    chan bool
	config  RateLimitConfig
}

// RateLimitConfig is the rate limiting policy.
type RateLimitConfig struct {
	RequestsPerMinute int
	RequestsPerHour   int
	CleanupInterval   time.Duration
	BanDuration       time.Duration
	MaxConcurrent     int
}

// ClientLimiter tracks sliding-window rate limit state for one client IP.
type ClientLimiter struct {
	IP                 string
	RequestsThisMinute int
	RequestsThisHour   int
	LastRequest        time.Time
	LastMinute         time.Time
	LastHour           time.Time
	BannedUntil        time.Time
	ConcurrentRequests int
}

// NewRateLimiter starts a rate limiter with a background cleanup loop;
// call Shutdown to stop it.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*ClientLimiter),
		done:    make(chan bool),
		config:  config,
	}

	rl.cleanup = time.NewTicker(config.CleanupInterval)
	go rl.cleanupLoop()

	return rl
}

// DefaultRateLimitConfig returns composer's default throttling policy:
// 60 req/min, 1000 req/hour, 5 concurrent requests per IP, 15-minute
// bans for repeat violators.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 60,
		RequestsPerHour:   1000,
		CleanupInterval:   5 * time.Minute,
		BanDuration:       15 * time.Minute,
		MaxConcurrent:     5,
	}
}

// CheckLimit enforces the ban, concurrency, per-minute, and per-hour
// limits for the request's client IP, in that order, and registers the
// request against the client's sliding window on success. Callers that
// receive a nil error must call ReleaseRequest once the request
// completes to release the concurrency slot.
func (rl *RateLimiter) CheckLimit(r *http.Request) error {
	ip := getClientIP(r)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	client, exists := rl.clients[ip]
	if !exists {
		client = &ClientLimiter{
			IP:         ip,
			LastMinute: time.Now(),
			LastHour:   time.Now(),
		}
		rl.clients[ip] = client
	}

	now := time.Now()

	if now.Before(client.BannedUntil) {
		return fmt.Errorf("IP %s is temporarily banned", sanitizeIP(ip))
	}

	if now.Sub(client.LastMinute) >= time.Minute {
		client.RequestsThisMinute = 0
		client.LastMinute = now
	}
	if now.Sub(client.LastHour) >= time.Hour {
		client.RequestsThisHour = 0
		client.LastHour = now
	}

	if client.ConcurrentRequests >= rl.config.MaxConcurrent {
		return fmt.Errorf("too many concurrent requests from IP %s", sanitizeIP(ip))
	}

	if client.RequestsThisMinute >= rl.config.RequestsPerMinute {
		if client.RequestsThisMinute > rl.config.RequestsPerMinute*2 {
			client.BannedUntil = now.Add(rl.config.BanDuration)
		}
		return fmt.Errorf("rate limit exceeded for IP %s (requests per minute)", sanitizeIP(ip))
	}

	if client.RequestsThisHour >= rl.config.RequestsPerHour {
		return fmt.Errorf("rate limit exceeded for IP %s (requests per hour)", sanitizeIP(ip))
	}

	client.RequestsThisMinute++
	client.RequestsThisHour++
	client.LastRequest = now
	client.ConcurrentRequests++

	return nil
}

// ReleaseRequest decrements the concurrent request counter for the
// request's client IP. Safe to call even if the client has since been
// swept by cleanupOldClients.
func (rl *RateLimiter) ReleaseRequest(r *http.Request) {
	ip := getClientIP(r)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if client, exists := rl.clients[ip]; exists {
		if client.ConcurrentRequests > 0 {
			client.ConcurrentRequests--
		}
	}
}

// getClientIP extracts the caller's IP from X-Forwarded-For, falling
// back to X-Real-IP and then the raw connection address. Trusts proxy
// headers; only safe behind a trusted reverse proxy.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ips := parseXForwardedFor(xff); len(ips) > 0 {
			return ips[0]
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// parseXForwardedFor splits and validates the comma-separated IP chain
// in an X-Forwarded-For header, preserving order and dropping malformed
// entries.
func parseXForwardedFor(header string) []string {
	var ips []string
	for _, ip := range strings.Split(header, ",") {
		ip = strings.TrimSpace(ip)
		if ip != "" && net.ParseIP(ip) != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}

func (rl *RateLimiter) cleanupLoop() {
	for {
		select {
		case <-rl.cleanup.C:
			rl.cleanupOldClients()
		case <-rl.done:
			return
		}
	}
}

// cleanupOldClients evicts clients idle for more than two hours with no
// in-flight requests, bounding memory for long-running deployments.
func (rl *RateLimiter) cleanupOldClients() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-2 * time.Hour)
	for ip, client := range rl.clients {
		if client.LastRequest.Before(cutoff) && client.ConcurrentRequests == 0 {
			delete(rl.clients, ip)
		}
	}
}

// Shutdown stops the background cleanup loop. Safe to call once;
// existing client state remains usable afterward.
func (rl *RateLimiter) Shutdown() {
	if rl.cleanup != nil {
		rl.cleanup.Stop()
	}

	select {
	case rl.done <- true:
	default:
	}
}

// Middleware wraps next with CheckLimit/ReleaseRequest, responding 429
// Too Many Requests when the limit is exceeded.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := rl.CheckLimit(r); err != nil {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		defer rl.ReleaseRequest(r)

		next(w, r)
	}
}

// RequestSizeLimiter rejects requests whose declared Content-Length
// exceeds maxSize and wraps the body in http.MaxBytesReader so a
// chunked or lying client can't exceed it during the actual read.
func RequestSizeLimiter(maxSize int64) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxSize {
				http.Error(w, fmt.Sprintf("Request body too large (max %d bytes)", maxSize), http.StatusRequestEntityTooLarge)
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxSize)

			next(w, r)
		}
	}
}
