package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter throttles requests per client address. Idle client buckets are
// dropped by a background janitor.
type RateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	clients map[string]*clientBucket
	logger  *logrus.Logger

	trustForwarded bool

	closeChan chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type clientBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiterOption configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithTrustForwardedFor keys clients by the first X-Forwarded-For hop. Off by
// default; any caller can set that header.
func WithTrustForwardedFor(trust bool) RateLimiterOption {
	return func(rl *RateLimiter) { rl.trustForwarded = trust }
}

// NewRateLimiter allows rps requests per second per client with the given burst.
func NewRateLimiter(rps float64, burst int, idleTTL time.Duration, logger *logrus.Logger, opts ...RateLimiterOption) *RateLimiter {
	if idleTTL <= 0 {
		idleTTL = 5 * time.Minute
	}
	rl := &RateLimiter{
		limit:     rate.Limit(rps),
		burst:     burst,
		idleTTL:   idleTTL,
		clients:   make(map[string]*clientBucket),
		logger:    logger,
		closeChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(rl)
	}
	rl.wg.Add(1)
	go rl.janitor()
	return rl
}

// Allow reports whether a request from key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()
	rl.mu.Lock()
	b := rl.clients[key]
	if b == nil {
		b = &clientBucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()
	return b.lim.AllowN(now, 1)
}

// Middleware rejects over-limit requests with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := ClientIP(r, rl.trustForwarded)
		if !rl.Allow(client) {
			rl.logger.WithFields(logrus.Fields{
				"client_ip":  client,
				"request_id": RequestIDFromContext(r.Context()),
			}).Debug("Rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			writeJSONError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the janitor.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() {
		close(rl.closeChan)
		rl.wg.Wait()
	})
}

func (rl *RateLimiter) janitor() {
	defer rl.wg.Done()
	ticker := time.NewTicker(rl.idleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.evictIdle(time.Now())
		case <-rl.closeChan:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for k, b := range rl.clients {
		if now.Sub(b.lastSeen) > rl.idleTTL {
			delete(rl.clients, k)
			n++
		}
	}
	return n
}

// ClientIP returns the host part of RemoteAddr. With trustForwarded set the
// first X-Forwarded-For hop wins when present.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
