package middleware

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"bastion/util/goroutine"
)

// clientEntry pairs a limiter with its last activity so idle clients can be
// reaped.
type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a per-client token-bucket limit keyed by client
// address. Limiters for idle clients are reaped by a background goroutine.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientEntry

	perSecond  rate.Limit
	burst      int
	trustProxy bool

	logger *zap.SugaredLogger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRateLimiter creates a per-client rate limiter allowing perSecond
// requests with the given burst.
func NewRateLimiter(perSecond, burst int, trustProxy bool, logger *zap.SugaredLogger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	rl := &RateLimiter{
		clients:    make(map[string]*clientEntry),
		perSecond:  rate.Limit(perSecond),
		burst:      burst,
		trustProxy: trustProxy,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
	rl.wg.Add(1)
	go rl.reapIdle()
	return rl
}

// Allow checks the limit for the given client key.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.clients[key]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(rl.perSecond, rl.burst)}
		rl.clients[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// Middleware rejects over-limit requests with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientAddress(r, rl.trustProxy)
		if !rl.Allow(key) {
			rl.logger.Debugw("request rate limited", "client", key, "path", r.URL.Path)
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// reapIdle drops limiters with no activity for ten minutes.
func (rl *RateLimiter) reapIdle() {
	defer rl.wg.Done()
	defer goroutine.Recover("rate-limiter-reaper", rl.logger)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			rl.mu.Lock()
			for key, entry := range rl.clients {
				if entry.lastSeen.Before(cutoff) {
					delete(rl.clients, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Close stops the reaper goroutine.
func (rl *RateLimiter) Close() {
	close(rl.stopCh)
	rl.wg.Wait()
}
