// Package window implements fixed-window request counting.
//
// Every (category, key) pair owns one record {count, resetTime}. A check resets
// the record when it is missing or its window has passed, then increments the
// count unconditionally and admits the request while count <= limit. Counting
// keeps going after the limit is hit, so a denied caller does not get a fresh
// window early by hammering the endpoint.
//
// Backends:
//   - MemoryStore: process-local, one lock, min-heap of reset times for sweeping
//   - RedisStore: shared across instances, one Lua script per check
//   - SQLiteStore: durable on a single host
//
// The memory and sqlite backends are per-instance. Running several replicas
// behind a load balancer multiplies the effective quota by the replica count
// unless the redis backend is used.
package window

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/estately-labs/ratelimiter/internal/policy"
)

// ErrCapacity is returned alongside a denying Decision when a store refuses to
// track another key.
var ErrCapacity = errors.New("window store at capacity")

// Store is the counter backend. Implementations must linearize checks that
// share a (category, key) pair.
type Store interface {
	// Check applies one request to the record for (category, key) at now.
	Check(ctx context.Context, key, category string, now time.Time) (Decision, error)
	// PurgeExpired drops records whose window ended at or before now and
	// returns how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	// Len is the number of records currently held.
	Len(ctx context.Context) (int, error)
}

// Resolver maps a category to its quota. *policy.Registry satisfies it.
type Resolver interface {
	Resolve(category string) policy.Config
}

// Clock returns the current time. Tests inject fixed or stepped clocks.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time { return time.Now() }

// Decision is the outcome of one check.
type Decision struct {
	Allowed   bool
	Limit     int
	Count     int
	Remaining int
	ResetTime time.Time
}

// FirstDenied reports whether this is the first rejected request of the
// current window for its key.
func (d Decision) FirstDenied() bool { return !d.Allowed && d.Count == d.Limit+1 }

// RetryAfterSeconds is the whole number of seconds until the window resets,
// rounded up and never below 1.
func (d Decision) RetryAfterSeconds(now time.Time) int {
	ms := d.ResetTime.UnixMilli() - now.UnixMilli()
	secs := int(math.Ceil(float64(ms) / 1000))
	if secs < 1 {
		return 1
	}
	return secs
}

// decide turns a post-increment count into a Decision.
func decide(cfg policy.Config, count int, reset time.Time) Decision {
	return Decision{
		Allowed:   count <= cfg.MaxRequests,
		Limit:     cfg.MaxRequests,
		Count:     count,
		Remaining: max(0, cfg.MaxRequests-count),
		ResetTime: reset,
	}
}

// capacityDecision is what a store reports when it cannot track a new key: a
// denial with a full window ahead of it.
func capacityDecision(cfg policy.Config, now time.Time) Decision {
	return Decision{
		Allowed:   false,
		Limit:     cfg.MaxRequests,
		Count:     cfg.MaxRequests + 1,
		Remaining: 0,
		ResetTime: now.Add(cfg.Window),
	}
}
