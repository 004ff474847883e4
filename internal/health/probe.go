package health

import (
	"context"
	"sync"
	"time"

	"github.com/estately-labs/ratelimiter/internal/xerrors"
)

// Probe returns nil when healthy, otherwise an error carrying the reason.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// All passes when every non-nil probe passes, returning the first failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Any passes when at least one non-nil probe passes. Otherwise it returns the
// last failure.
func Any(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		var last error
		for _, p := range ps {
			if p == nil {
				continue
			}
			err := p.Check(ctx)
			if err == nil {
				return nil
			}
			last = err
		}
		if last == nil {
			return xerrors.New("no healthy probes")
		}
		return last
	}
}

// Pinger is a backend that can report whether it is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping probes p with a deadline. A nil p always passes, which is what the
// in-memory window store gets.
func Ping(name string, p Pinger, timeout time.Duration) CheckFunc {
	if p == nil {
		return Fixed(true, "")
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return xerrors.Wrapf(err, "%s unreachable", name)
		}
		return nil
	}
}

// ShutdownGate fails readiness while the server drains.
type ShutdownGate struct {
	mu     sync.RWMutex
	closed bool
	reason string
}

// Set closes the gate. An empty reason reports as "draining".
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.mu.Lock()
	g.closed, g.reason = true, reason
	g.mu.Unlock()
}

// Clear reopens the gate.
func (g *ShutdownGate) Clear() {
	g.mu.Lock()
	g.closed, g.reason = false, ""
	g.mu.Unlock()
}

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		g.mu.RLock()
		closed, reason := g.closed, g.reason
		g.mu.RUnlock()
		if closed {
			return xerrors.New(reason)
		}
		return nil
	}
}
