// Package peerlimit is a token bucket per network peer in front of the whole
// public listener.
//
// It is independent of the per-action quota: a single peer flooding the
// admission endpoint is throttled here before any window store work happens.
// State is process local and idle peers are evicted after a TTL.
//
// It does not protect against:
//   - floods spread across many addresses (max peers bounds memory, not abuse)
//   - bandwidth costs, the request is already accepted when this runs
package peerlimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/estately-labs/ratelimiter/internal/httpmw"
)

// deniedBody carries no detail about limits or refill timing.
const deniedBody = `{"error":"Too many requests"}`

type peer struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged resets when the entry is evicted and re-created
	logged bool
}

type Limiter struct {
	mu    sync.Mutex
	peers map[string]*peer

	perSecond rate.Limit
	burst     int
	ttl       time.Duration

	// maxPeers caps tracked peers, 0 disables the cap
	maxPeers int
	// capacityHit is set on the first capacity rejection and cleared once
	// eviction makes room again
	capacityHit bool

	retryAfter string

	onFirstDenied func(addr string)
	onDenied      func(addr string)
	onCapacity    func()
}

type Option func(*Limiter)

// WithRate sets the refill rate and bucket size.
// WithRate(10, 30) allows 30 requests at once, then 10 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *Limiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL controls how long an idle peer stays tracked.
func WithTTL(d time.Duration) Option {
	return func(l *Limiter) { l.ttl = d }
}

func WithMaxPeers(n int) Option {
	return func(l *Limiter) { l.maxPeers = n }
}

// WithRetryAfter sets the Retry-After value (seconds) sent with 429s.
func WithRetryAfter(d time.Duration) Option {
	return func(l *Limiter) {
		secs := int(d / time.Second)
		if secs < 1 {
			secs = 1
		}
		l.retryAfter = strconv.Itoa(secs)
	}
}

// WithOnFirstDenied is called once per tracked peer, on its first denial.
func WithOnFirstDenied(fn func(addr string)) Option {
	return func(l *Limiter) { l.onFirstDenied = fn }
}

// WithOnDenied is called on every rate denial.
func WithOnDenied(fn func(addr string)) Option {
	return func(l *Limiter) { l.onDenied = fn }
}

// WithOnCapacity is called once when a new peer is first turned away because
// the table is full, and again only after eviction has freed room.
func WithOnCapacity(fn func()) Option {
	return func(l *Limiter) { l.onCapacity = fn }
}

// New creates a Limiter and starts eviction, which stops when ctx is done.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		peers:      make(map[string]*peer),
		perSecond:  10,
		burst:      30,
		ttl:        5 * time.Minute,
		maxPeers:   100000,
		retryAfter: "30",
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// allow reports whether addr may proceed. Hooks run after the lock is released.
func (l *Limiter) allow(addr string) bool {
	l.mu.Lock()
	p, exists := l.peers[addr]
	if !exists {
		if l.maxPeers > 0 && len(l.peers) >= l.maxPeers {
			fire := !l.capacityHit
			l.capacityHit = true
			l.mu.Unlock()
			if fire && l.onCapacity != nil {
				l.onCapacity()
			}
			return false
		}
		p = &peer{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.peers[addr] = p
	}
	p.lastSeen = time.Now()
	allowed := p.limiter.Allow()
	first := !allowed && !p.logged
	if first {
		p.logged = true
	}
	l.mu.Unlock()

	if first && l.onFirstDenied != nil {
		l.onFirstDenied(addr)
	}
	if !allowed && l.onDenied != nil {
		l.onDenied(addr)
	}
	return allowed
}

// Len is the number of tracked peers.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}

// cleanup evicts idle peers every TTL/2.
func (l *Limiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.evict(now)
		}
	}
}

func (l *Limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, p := range l.peers {
		if now.Sub(p.lastSeen) > l.ttl {
			delete(l.peers, addr)
		}
	}
	if l.maxPeers <= 0 || len(l.peers) < l.maxPeers {
		l.capacityHit = false
	}
}

// Middleware rejects requests over the per-peer rate with 429. The peer is the
// address resolved by httpmw.ClientIP.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := httpmw.ClientIPFromContext(r.Context())

		if !l.allow(addr) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", l.retryAfter)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(deniedBody))
			return
		}

		next.ServeHTTP(w, r)
	})
}
