package server

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/54b3r/medibot-go/internal/logging"
)

// Per-client defaults applied by New when Config leaves them zero. A chat
// question costs one LLM call, so the sustained rate is deliberately low.
const (
	defaultRateLimit = 10
	defaultRateBurst = 20
)

// Idle client buckets are dropped after clientIdleTTL, checked every
// sweepInterval.
const (
	clientIdleTTL = 5 * time.Minute
	sweepInterval = time.Minute
)

// rateLimitConfig configures a rateLimiter.
type rateLimitConfig struct {
	// RPS is the sustained request rate allowed per client.
	RPS float64
	// Burst is the bucket size per client.
	Burst int
	// TrustProxy keys clients by the first X-Forwarded-For address instead
	// of the TCP peer. Enable only behind a proxy that overwrites the header.
	TrustProxy bool
	// Rejected counts 429 responses by path. May be nil.
	Rejected *prometheus.CounterVec
}

// clientBucket is one client's token bucket.
type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter enforces a token bucket per client address on the chat routes.
type rateLimiter struct {
	cfg rateLimitConfig

	mu      sync.Mutex
	clients map[string]*clientBucket
}

// newRateLimiter constructs a rateLimiter and starts its idle-client sweeper.
// The returned stop function ends the sweeper and is safe to call once.
func newRateLimiter(cfg rateLimitConfig) (*rateLimiter, func()) {
	rl := &rateLimiter{cfg: cfg, clients: make(map[string]*clientBucket)}

	ctx, cancel := context.WithCancel(context.Background())
	go rl.sweep(ctx)

	return rl, cancel
}

// reserve takes one token for key. When the bucket is empty it returns false
// and how long the client should wait before retrying.
func (rl *rateLimiter) reserve(key string, now time.Time) (bool, time.Duration) {
	rl.mu.Lock()
	b, ok := rl.clients[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RPS), rl.cfg.Burst)}
		rl.clients[key] = b
	}
	b.lastSeen = now
	lim := b.limiter
	rl.mu.Unlock()

	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (rl *rateLimiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.evictIdle(now)
		}
	}
}

// evictIdle drops buckets not used since now-clientIdleTTL.
func (rl *rateLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-clientIdleTTL)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.clients {
		if b.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
		}
	}
}

// middleware rejects requests over the client's budget with 429, a
// Retry-After header in whole seconds, and the same JSON error shape /get
// uses so the chat page can display it.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, rl.cfg.TrustProxy)

		ok, wait := rl.reserve(ip, time.Now())
		if !ok {
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("ip", ip),
				slog.Duration("retry_after", wait),
			)
			if rl.cfg.Rejected != nil {
				rl.cfg.Rejected.WithLabelValues(r.URL.Path).Inc()
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(wait)))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: errorPrefix + "rate limit exceeded"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// retryAfterSeconds rounds d up to whole seconds, never below one.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// clientIP returns the address a request is rate limited under. With
// trustProxy the first X-Forwarded-For entry wins when it parses as an IP.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
