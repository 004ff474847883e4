package window

import (
	"context"
	"time"

	"github.com/estately-labs/ratelimiter/internal/log"
)

// Sweeper purges expired records on a fixed interval until its context is
// cancelled. This bounds memory for stores that do not expire on their own.
type Sweeper struct {
	store    Store
	interval time.Duration
	now      Clock
	logger   log.Logger

	// OnSweep is called after every successful pass with the number of
	// records removed and the number left
	OnSweep func(removed, live int)
	// OnError is called when a pass fails; the sweeper keeps running
	OnError func(err error)
}

type SweeperOption func(*Sweeper)

func WithInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.interval = d }
}

func WithClock(c Clock) SweeperOption {
	return func(s *Sweeper) { s.now = c }
}

func WithSweepLogger(l log.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

func WithOnSweep(fn func(removed, live int)) SweeperOption {
	return func(s *Sweeper) { s.OnSweep = fn }
}

func WithOnSweepError(fn func(err error)) SweeperOption {
	return func(s *Sweeper) { s.OnError = fn }
}

func NewSweeper(store Store, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		interval: time.Minute,
		now:      SystemClock,
		logger:   log.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}
	return s
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single purge pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	removed, err := s.store.PurgeExpired(ctx, s.now())
	if err != nil {
		s.fail(ctx, err)
		return
	}
	live, err := s.store.Len(ctx)
	if err != nil {
		s.fail(ctx, err)
		return
	}
	s.logger.Debug(ctx, "window sweep", "removed", removed, "live", live)
	if s.OnSweep != nil {
		s.OnSweep(removed, live)
	}
}

func (s *Sweeper) fail(ctx context.Context, err error) {
	s.logger.Error(ctx, err, "window sweep failed")
	if s.OnError != nil {
		s.OnError(err)
	}
}
