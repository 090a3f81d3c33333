package admin

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// staleLimiterTTL is how long a per-IP limiter can be idle before cleanup.
	staleLimiterTTL = 10 * time.Minute
	cleanupInterval = time.Minute

	// Manual runs hit the RPC endpoint as hard as a scheduled run.
	triggerRPS   = rate.Limit(1.0 / 30)
	triggerBurst = 2
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware limits admin requests per client IP. Manual run
// triggers get a separate, stricter budget.
type RateLimitMiddleware struct {
	mu           sync.Mutex
	limiters     map[string]*limiterEntry // key: "class|clientIP"
	defaultRPS   rate.Limit
	defaultBurst int
	logger       *slog.Logger
	nowFunc      func() time.Time
	stopOnce     sync.Once
	stopCh       chan struct{}
}

// NewRateLimitMiddleware starts a background sweep of idle limiters; call
// Stop to release it.
func NewRateLimitMiddleware(logger *slog.Logger, rps float64, burst int) *RateLimitMiddleware {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	rl := &RateLimitMiddleware{
		limiters:     make(map[string]*limiterEntry),
		defaultRPS:   rate.Limit(rps),
		defaultBurst: burst,
		logger:       logger,
		nowFunc:      time.Now,
		stopCh:       make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// Stop shuts down the cleanup goroutine. Safe to call multiple times.
func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	now := rl.nowFunc()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, entry := range rl.limiters {
		if now.Sub(entry.lastSeen) > staleLimiterTTL {
			delete(rl.limiters, key)
		}
	}
}

// LimiterCount returns the number of tracked limiters.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := extractClientIP(r)
		class := requestClass(r)
		if !rl.limiterFor(class, clientIP).Allow() {
			w.Header().Set("Retry-After", "30")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			rl.logger.Warn("admin API rate limit exceeded",
				"method", r.Method,
				"path", r.URL.Path,
				"client_ip", clientIP,
			)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestClass(r *http.Request) string {
	if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/admin/v1/runs/") {
		return "trigger"
	}
	return "default"
}

func (rl *RateLimitMiddleware) limiterFor(class, clientIP string) *rate.Limiter {
	now := rl.nowFunc()
	key := class + "|" + clientIP

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if entry, ok := rl.limiters[key]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	limiter := rate.NewLimiter(rl.defaultRPS, rl.defaultBurst)
	if class == "trigger" {
		limiter = rate.NewLimiter(triggerRPS, triggerBurst)
	}
	rl.limiters[key] = &limiterEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// extractClientIP prefers the first X-Forwarded-For hop, then X-Real-IP,
// then the connection address.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
