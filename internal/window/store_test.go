package window

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/estately-labs/ratelimiter/internal/policy"
)

// t0 sits in the future so redis does not expire records (PEXPIREAT) before
// the test reads them back.
var t0 = time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())

// storeContract exercises the fixed-window semantics every backend must share.
func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("FirstMaxAllowedThenDenied", func(t *testing.T) {
		s := newStore(t)
		for k := 1; k <= 5; k++ {
			d, err := s.Check(ctx, "1.2.3.4:user@example.com", "auth", t0)
			if err != nil {
				t.Fatal(err)
			}
			if !d.Allowed || d.Remaining != 5-k || d.Count != k {
				t.Fatalf("check %d: %+v", k, d)
			}
			if !d.ResetTime.Equal(t0.Add(time.Minute)) {
				t.Fatalf("check %d: reset %v", k, d.ResetTime)
			}
		}
		d, err := s.Check(ctx, "1.2.3.4:user@example.com", "auth", t0.Add(100*time.Millisecond))
		if err != nil {
			t.Fatal(err)
		}
		if d.Allowed || d.Remaining != 0 || !d.FirstDenied() {
			t.Fatalf("check 6: %+v", d)
		}
		if got := d.RetryAfterSeconds(t0.Add(100 * time.Millisecond)); got != 60 {
			t.Fatalf("retry after = %d", got)
		}
		d, _ = s.Check(ctx, "1.2.3.4:user@example.com", "auth", t0.Add(200*time.Millisecond))
		if d.Allowed || d.FirstDenied() || d.Count != 7 {
			t.Fatalf("check 7: %+v", d)
		}
	})

	t.Run("WindowResets", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 6; i++ {
			if _, err := s.Check(ctx, "k", "auth", t0); err != nil {
				t.Fatal(err)
			}
		}
		later := t0.Add(61 * time.Second)
		d, err := s.Check(ctx, "k", "auth", later)
		if err != nil {
			t.Fatal(err)
		}
		if !d.Allowed || d.Count != 1 || d.Remaining != 4 || !d.ResetTime.Equal(later.Add(time.Minute)) {
			t.Fatalf("after reset: %+v", d)
		}
	})

	t.Run("ResetAtExactBoundary", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Check(ctx, "k", "auth", t0); err != nil {
			t.Fatal(err)
		}
		d, _ := s.Check(ctx, "k", "auth", t0.Add(time.Minute))
		if d.Count != 1 {
			t.Fatalf("now == resetTime must start a new window: %+v", d)
		}
	})

	t.Run("UnknownCategoryUsesDefault", func(t *testing.T) {
		s := newStore(t)
		var last Decision
		for i := 0; i < 100; i++ {
			d, err := s.Check(ctx, "k", "foo", t0)
			if err != nil {
				t.Fatal(err)
			}
			if !d.Allowed {
				t.Fatalf("check %d denied", i+1)
			}
			last = d
		}
		if last.Remaining != 0 || last.Limit != 100 || !last.ResetTime.Equal(t0.Add(60*time.Second)) {
			t.Fatalf("last allowed: %+v", last)
		}
		if d, _ := s.Check(ctx, "k", "foo", t0); d.Allowed {
			t.Fatal("check 101 allowed")
		}
	})

	t.Run("NoCrossKeyOrCategoryInterference", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 6; i++ {
			s.Check(ctx, "a", "auth", t0)
		}
		if d, _ := s.Check(ctx, "b", "auth", t0); !d.Allowed || d.Count != 1 {
			t.Fatalf("other key: %+v", d)
		}
		if d, _ := s.Check(ctx, "a", "property", t0); !d.Allowed || d.Count != 1 {
			t.Fatalf("other category: %+v", d)
		}
		if d, _ := s.Check(ctx, "a", "default", t0); !d.Allowed || d.Count != 1 {
			t.Fatalf("default category: %+v", d)
		}
	})

	t.Run("PurgeExpired", func(t *testing.T) {
		s := newStore(t)
		s.Check(ctx, "old", "auth", t0)
		s.Check(ctx, "new", "auth", t0.Add(30*time.Second))

		n, err := s.PurgeExpired(ctx, t0.Add(time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		live, err := s.Len(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if _, ok := s.(*RedisStore); ok {
			return
		}
		if n != 1 || live != 1 {
			t.Fatalf("purged %d, live %d", n, live)
		}
		if d, _ := s.Check(ctx, "new", "auth", t0.Add(time.Minute)); d.Count != 2 {
			t.Fatalf("surviving record lost: %+v", d)
		}
	})

	t.Run("ConcurrentChecksLinearize", func(t *testing.T) {
		s := newStore(t)
		var allowed atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := s.Check(ctx, "shared", "property", t0)
				if err != nil {
					t.Error(err)
					return
				}
				if d.Allowed {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()
		if got := allowed.Load(); got != 10 {
			t.Fatalf("allowed = %d, want 10", got)
		}
		d, _ := s.Check(ctx, "shared", "property", t0)
		if d.Count != 51 {
			t.Fatalf("count = %d, want 51", d.Count)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		return NewMemoryStore(policy.MustDefaults())
	})
}

func TestMemoryStore_HeapOrdersByReset(t *testing.T) {
	s := NewMemoryStore(policy.MustDefaults())
	ctx := context.Background()
	for i := 10; i > 0; i-- {
		s.Check(ctx, fmt.Sprintf("k%d", i), "auth", t0.Add(time.Duration(i)*time.Second))
	}
	for i := 1; i <= 10; i++ {
		n, _ := s.PurgeExpired(ctx, t0.Add(time.Minute+time.Duration(i)*time.Second))
		if n != 1 {
			t.Fatalf("step %d purged %d", i, n)
		}
	}
	if n, _ := s.Len(ctx); n != 0 {
		t.Fatalf("len = %d", n)
	}
}

func TestMemoryStore_ResetMovesHeapEntry(t *testing.T) {
	s := NewMemoryStore(policy.MustDefaults())
	ctx := context.Background()
	s.Check(ctx, "a", "auth", t0)
	s.Check(ctx, "b", "auth", t0.Add(10*time.Second))
	// a's window restarts after b's
	s.Check(ctx, "a", "auth", t0.Add(2*time.Minute))

	n, _ := s.PurgeExpired(ctx, t0.Add(70*time.Second))
	if n != 1 {
		t.Fatalf("purged %d", n)
	}
	if _, ok := s.records[recordKey{"auth", "a"}]; !ok {
		t.Fatal("reset record purged with its old deadline")
	}
}

func TestMemoryStore_MaxKeys(t *testing.T) {
	s := NewMemoryStore(policy.MustDefaults(), WithMaxKeys(2))
	ctx := context.Background()

	s.Check(ctx, "a", "auth", t0)
	s.Check(ctx, "b", "auth", t0)

	d, err := s.Check(ctx, "c", "auth", t0)
	if err != ErrCapacity {
		t.Fatalf("err = %v", err)
	}
	if d.Allowed || d.Remaining != 0 || !d.ResetTime.Equal(t0.Add(time.Minute)) {
		t.Fatalf("capacity decision: %+v", d)
	}
	if d, err := s.Check(ctx, "a", "auth", t0); err != nil || d.Count != 2 {
		t.Fatalf("existing key blocked: %+v %v", d, err)
	}

	// once the old windows lapse, new keys fit again
	if d, err := s.Check(ctx, "c", "auth", t0.Add(time.Minute)); err != nil || !d.Allowed {
		t.Fatalf("after expiry: %+v %v", d, err)
	}
}

func TestDecision_RetryAfterSeconds(t *testing.T) {
	tests := []struct {
		remaining time.Duration
		want      int
	}{
		{59900 * time.Millisecond, 60},
		{60 * time.Second, 60},
		{1 * time.Millisecond, 1},
		{0, 1},
		{1500 * time.Millisecond, 2},
	}
	for _, tt := range tests {
		d := Decision{ResetTime: t0.Add(tt.remaining)}
		if got := d.RetryAfterSeconds(t0); got != tt.want {
			t.Errorf("remaining %v: got %d, want %d", tt.remaining, got, tt.want)
		}
	}
}
