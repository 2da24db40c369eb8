package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimiter admits at most Limit requests per key in any Window-long
// span. Keys are client IPs unless KeyFunc says otherwise.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*history
	limit   int
	span    time.Duration
	keyFunc func(r *http.Request) string
	clock   clockwork.Clock

	stopCh   chan struct{}
	stopOnce sync.Once
}

// history is the admitted request times for one key, oldest first.
type history struct {
	mu    sync.Mutex
	times []time.Time
}

// RateLimitConfig configures NewRateLimiter.
type RateLimitConfig struct {
	Limit   int
	Window  time.Duration
	KeyFunc func(r *http.Request) string
	Clock   clockwork.Clock
}

// NewRateLimiter starts a limiter. Idle keys are evicted once per window
// until Stop.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = GetClientIP
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	rl := &RateLimiter{
		clients: make(map[string]*history),
		limit:   cfg.Limit,
		span:    cfg.Window,
		keyFunc: cfg.KeyFunc,
		clock:   cfg.Clock,
		stopCh:  make(chan struct{}),
	}
	go rl.evictLoop(rl.clock.NewTicker(cfg.Window))
	return rl
}

func (rl *RateLimiter) evictLoop(ticker clockwork.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			rl.prune()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) prune() {
	now := rl.clock.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, h := range rl.clients {
		h.mu.Lock()
		h.expire(now, rl.span)
		if len(h.times) == 0 {
			delete(rl.clients, key)
		}
		h.mu.Unlock()
	}
}

func (rl *RateLimiter) keys() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Stop ends eviction. Idempotent.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Allow records r and reports whether it is within the limit.
func (rl *RateLimiter) Allow(r *http.Request) bool {
	ok, _ := rl.Reserve(r)
	return ok
}

// Reserve is Allow that also says, on refusal, how long until the oldest
// request in the window expires.
func (rl *RateLimiter) Reserve(r *http.Request) (bool, time.Duration) {
	key := rl.keyFunc(r)
	now := rl.clock.Now()

	rl.mu.Lock()
	h, ok := rl.clients[key]
	if !ok {
		h = &history{}
		rl.clients[key] = h
	}
	rl.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.expire(now, rl.span)
	if len(h.times) >= rl.limit {
		return false, h.times[0].Add(rl.span).Sub(now)
	}
	h.times = append(h.times, now)
	return true, 0
}

// expire drops times at or before now-span.
func (h *history) expire(now time.Time, span time.Duration) {
	cutoff := now.Add(-span)
	n := 0
	for n < len(h.times) && !h.times[n].After(cutoff) {
		n++
	}
	h.times = h.times[n:]
}

// Middleware answers refused requests with an envelope-shaped 429 so IPC
// clients decode it like any other failure.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := rl.Reserve(r); !ok {
			refuse(w, http.StatusTooManyRequests, "rate limit exceeded", wait)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func refuse(w http.ResponseWriter, status int, msg string, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int(math.Ceil(retryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	respondJSON(w, status, map[string]any{
		"ok":         false,
		"statusCode": status,
		"error":      msg,
	})
}

// GetClientIP is r.RemoteAddr without the port. RealIP has already
// rewritten RemoteAddr from forwarding headers.
func GetClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimiters are the limiters the router installs.
type RateLimiters struct {
	Invoke *RateLimiter
	Export *RateLimiter

	exportSlots chan struct{}
}

// NewRateLimiters allows 300 invokes and 2 log exports per minute per
// client, with one export running at a time.
func NewRateLimiters(clock clockwork.Clock) *RateLimiters {
	return &RateLimiters{
		Invoke:      NewRateLimiter(RateLimitConfig{Limit: 300, Window: time.Minute, Clock: clock}),
		Export:      NewRateLimiter(RateLimitConfig{Limit: 2, Window: time.Minute, Clock: clock}),
		exportSlots: make(chan struct{}, 1),
	}
}

// Stop stops every limiter.
func (rls *RateLimiters) Stop() {
	rls.Invoke.Stop()
	rls.Export.Stop()
}

// ExportGuardMiddleware applies the export limit (429) and the concurrency
// cap given by slots (503).
func ExportGuardMiddleware(exportRL *RateLimiter, slots chan struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ok, wait := exportRL.Reserve(r); !ok {
				refuse(w, http.StatusTooManyRequests, "log export rate limit exceeded", wait)
				return
			}

			select {
			case slots <- struct{}{}:
				defer func() { <-slots }()
			default:
				refuse(w, http.StatusServiceUnavailable, "log export already in progress", 0)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
