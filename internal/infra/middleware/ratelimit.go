package middleware

import (
	"context"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures per-client token buckets.
type RateLimitConfig struct {
	RequestsPerMin int
	BurstSize      int
	// TrustedProxies are peer IPs whose X-Forwarded-For / X-Real-IP headers
	// are believed. Without any, proxy headers are ignored.
	TrustedProxies []string
	// OnLimited writes the rejection; defaults to a plain 429.
	OnLimited http.HandlerFunc
}

// RateLimit limits each client IP to cfg.RequestsPerMin with cfg.BurstSize
// burst. A non-positive RequestsPerMin disables limiting. Idle client entries
// are swept every minute until ctx is done.
func RateLimit(ctx context.Context, cfg RateLimitConfig) Middleware {
	if cfg.RequestsPerMin <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.OnLimited == nil {
		cfg.OnLimited = func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		}
	}

	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu      sync.Mutex
		clients = make(map[string]*client)
	)

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				for ip, c := range clients {
					if time.Since(c.lastSeen) > 3*time.Minute {
						delete(clients, ip)
					}
				}
				mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	perSecond := rate.Limit(float64(cfg.RequestsPerMin) / 60.0)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r, cfg.TrustedProxies)

			mu.Lock()
			c, ok := clients[ip]
			if !ok {
				c = &client{limiter: rate.NewLimiter(perSecond, cfg.BurstSize)}
				clients[ip] = c
			}
			c.lastSeen = time.Now()
			mu.Unlock()

			if !c.limiter.Allow() {
				w.Header().Set("Retry-After", "60")
				cfg.OnLimited(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the peer address of r, or the first forwarded address
// when the peer is a trusted proxy.
func ClientIP(r *http.Request, trustedProxies []string) string {
	direct := r.RemoteAddr
	if host, _, err := net.SplitHostPort(direct); err == nil {
		direct = host
	}
	if !slices.Contains(trustedProxies, direct) {
		return direct
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return direct
}
