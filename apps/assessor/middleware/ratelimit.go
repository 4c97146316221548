package middleware

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"golang.org/x/time/rate"
)

const (
	sweepInterval = 5 * time.Minute
	idleAfter     = 10 * time.Minute
)

// ClientLimiter gives every caller its own token bucket.
type ClientLimiter struct {
	mu      sync.Mutex
	perSec  rate.Limit
	burst   int
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter allows perMinute requests per caller with the given burst.
func NewClientLimiter(perMinute, burst int) *ClientLimiter {
	return &ClientLimiter{
		perSec:  rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Run evicts idle callers until ctx is done.
func (l *ClientLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *ClientLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idleAfter)
	for id, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}

// reserve takes a token for caller. It returns zero when the request may
// proceed, otherwise how long the caller should wait.
func (l *ClientLimiter) reserve(caller string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[caller]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.perSec, l.burst)}
		l.buckets[caller] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Minute
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return delay
	}
	return 0
}

// Wrap returns next guarded by the per-caller limit.
func (l *ClientLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := callerID(r)
		wait := l.reserve(caller)
		if wait == 0 {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := int(math.Ceil(wait.Seconds()))
		util.Log(r.Context()).Warn("assessment rate limit exceeded",
			"caller", caller,
			"path", r.URL.Path,
			"retry_after", retryAfter,
		)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":       "rate_limit_exceeded",
			"message":     "too many assessment requests",
			"retry_after": retryAfter,
		})
	})
}

// callerID keys on the bearer token when present, else the client address.
func callerID(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, reason := bearerToken(auth); reason == "" {
			return "token:" + token
		}
	}
	addr := r.RemoteAddr
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		addr, _, _ = strings.Cut(xff, ",")
		addr = strings.TrimSpace(addr)
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return "ip:" + host
	}
	return "ip:" + addr
}
