package server

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/54b3r/ragchat/internal/logging"
)

// Per-client defaults for the endpoints that embed or call the chat model:
// 10 requests per second sustained, bursts of up to 20.
const (
	defaultRateLimit = 10
	defaultRateBurst = 20
)

// Buckets idle for limiterIdle are forgotten; the sweep runs every
// limiterSweep.
const (
	limiterIdle  = 5 * time.Minute
	limiterSweep = time.Minute
)

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client IP. Chat, upload, rebuild
// and retrieval all cost a model call, so those routes share it.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	rps     rate.Limit
	burst   int
	log     *slog.Logger
}

// newRateLimiter returns a limiter allowing rps requests per second per IP
// with the given burst, plus a func that stops its idle-bucket sweeper.
func newRateLimiter(rps float64, burst int, log *slog.Logger) (*rateLimiter, func()) {
	rl := &rateLimiter{
		buckets: make(map[string]*clientBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
		log:     log,
	}
	done := make(chan struct{})
	go rl.sweep(done)
	return rl, func() { close(done) }
}

func (rl *rateLimiter) bucket(ip string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (rl *rateLimiter) sweep(done <-chan struct{}) {
	ticker := time.NewTicker(limiterSweep)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			rl.forgetIdle(now.Add(-limiterIdle))
		}
	}
}

// forgetIdle drops buckets last used before cutoff.
func (rl *rateLimiter) forgetIdle(cutoff time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

// middleware answers 429 when the client's bucket is empty. Retry-After is
// the whole number of seconds until a token is available.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		now := time.Now()
		res := rl.bucket(ip, now).ReserveN(now, 1)
		wait := res.DelayFrom(now)
		if res.OK() && wait == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if res.OK() {
			res.CancelAt(now)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
		logging.FromContext(r.Context()).Warn("rate limit exceeded",
			slog.String("ip", ip),
			slog.String("path", r.URL.Path),
		)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// clientIP is the request's remote address without the port. Forwarding
// headers are ignored: the server is meant to be reached directly.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if i := strings.LastIndexByte(r.RemoteAddr, ':'); i >= 0 {
		return r.RemoteAddr[:i]
	}
	return r.RemoteAddr
}
